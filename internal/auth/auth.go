// Package auth resolves API keys to callers and enforces scopes on gin routes.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/models"
)

const (
	ScopeAlertsRead         = "alerts:read"
	ScopeAlertsWrite        = "alerts:write"
	ScopeNotificationsRead  = "notifications:read"
	ScopeNotificationsWrite = "notifications:write"
	ScopeAdmin              = "admin"
)

const (
	callerKey    = "caller"
	apiKeyHeader = "X-API-Key"
)

// Caller is the resolved identity behind a request.
type Caller struct {
	Name   string
	Scopes []string
}

// Has reports whether the caller holds scope. admin implies every scope.
func (c Caller) Has(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// KeyLookup resolves a presented key.
type KeyLookup interface {
	LookupKey(key string) (models.APIKey, bool)
}

// Authenticate rejects requests without a known API key with 401.
func Authenticate(keys KeyLookup, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		k, ok := keys.LookupKey(key)
		if !ok {
			logger.WithField("path", c.Request.URL.Path).Warn("Rejected unknown api key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Set(callerKey, Caller{Name: k.Name, Scopes: k.Scopes})
		c.Next()
	}
}

// Require rejects callers lacking scope with 403. It must run after Authenticate.
func Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		if !caller.Has(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "insufficient scope",
				"required_scope": scope,
			})
			return
		}
		c.Next()
	}
}

// CallerFrom returns the caller set by Authenticate.
func CallerFrom(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// Actor returns the caller name for audit records.
func Actor(c *gin.Context) string {
	if caller, ok := CallerFrom(c); ok && caller.Name != "" {
		return caller.Name
	}
	return "anonymous"
}

func extractKey(c *gin.Context) string {
	if key := c.GetHeader(apiKeyHeader); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
