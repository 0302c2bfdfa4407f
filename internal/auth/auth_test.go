package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/logging"
	"preflight-alerting/internal/models"
)

type staticKeys map[string]models.APIKey

func (s staticKeys) LookupKey(key string) (models.APIKey, bool) {
	k, ok := s[key]
	return k, ok
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	keys := staticKeys{
		"reader": {Name: "reader", Key: "reader", Scopes: []string{ScopeAlertsRead}},
		"root":   {Name: "root", Key: "root", Scopes: []string{ScopeAdmin}},
	}
	r := gin.New()
	g := r.Group("/", Authenticate(keys, logging.Discard()))
	g.GET("/read", Require(ScopeAlertsRead), func(c *gin.Context) { c.String(http.StatusOK, Actor(c)) })
	g.POST("/write", Require(ScopeAlertsWrite), func(c *gin.Context) { c.String(http.StatusOK, Actor(c)) })
	return r
}

func do(r *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate_MissingAndUnknownKey(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", map[string]string{"X-API-Key": "nope"}).Code)
}

func TestRequire_ScopeEnforced(t *testing.T) {
	r := newRouter()

	w := do(r, http.MethodGet, "/read", map[string]string{"X-API-Key": "reader"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reader", w.Body.String())

	w = do(r, http.MethodPost, "/write", map[string]string{"X-API-Key": "reader"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), ScopeAlertsWrite)
}

func TestRequire_AdminImpliesAll(t *testing.T) {
	r := newRouter()
	w := do(r, http.MethodPost, "/write", map[string]string{"Authorization": "Bearer root"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "root", w.Body.String())
}

func TestExtractKey_Sources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	c.Request = httptest.NewRequest(http.MethodGet, "/x?api_key=q", http.NoBody)
	assert.Empty(t, extractKey(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	c.Request.Header.Set("X-API-Key", "k1")
	assert.Equal(t, "k1", extractKey(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	c.Request.Header.Set("Authorization", "bearer k2")
	assert.Equal(t, "k2", extractKey(c))
}
