package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/auth"
	"preflight-alerting/internal/services"
)

// Options carries the config flags the router depends on.
type Options struct {
	BasePath                string
	MetricsPublic           bool
	ManualEvaluationEnabled bool
}

func NewRouter(svc *services.Service, keys auth.KeyLookup, opts Options, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	h := NewHandler(svc, logger)
	authn := auth.Authenticate(keys, logger)
	read := auth.Require(auth.ScopeAlertsRead)
	write := auth.Require(auth.ScopeAlertsWrite)
	nread := auth.Require(auth.ScopeNotificationsRead)
	nwrite := auth.Require(auth.ScopeNotificationsWrite)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.MetricsPublic {
		r.GET("/metrics", h.Metrics)
	} else {
		r.GET("/metrics", authn, read, h.Metrics)
	}

	basePath := opts.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	api := r.Group(basePath, authn)
	{
		// Alerts
		api.GET("/alerts", read, h.ListAlerts)
		api.GET("/alerts/stream", read, h.Stream)
		if opts.ManualEvaluationEnabled {
			api.POST("/alerts/evaluate", write, LoopbackOnly(), h.Evaluate)
		}
		api.GET("/alerts/:id", read, h.GetAlert)
		api.GET("/alerts/:id/history", read, h.AlertHistory)
		api.POST("/alerts/:id/ack", write, h.Ack)
		api.DELETE("/alerts/:id/ack", write, h.Unack)

		// Policies
		api.GET("/policies", read, h.ListPolicies)
		api.POST("/policies/reload", auth.Require(auth.ScopeAdmin), h.ReloadPolicies)

		// Silences
		api.GET("/silences", read, h.ListSilences)
		api.POST("/silences", write, h.CreateSilence)
		api.DELETE("/silences/:id", write, h.ExpireSilence)

		api.GET("/audit", read, h.ListAudit)

		// Notifications
		api.GET("/notifications/outbox", nread, h.ListOutbox)
		api.GET("/notifications/outbox/:id", nread, h.GetOutboxItem)
		api.POST("/notifications/outbox/:id/replay", nwrite, h.Replay)
		api.GET("/notifications/history", nread, h.History)
		api.GET("/notifications/stats", nread, h.Stats)
		api.GET("/notifications/trends", nread, h.Trends)
		api.GET("/notifications/channels", nread, h.Channels)
		api.GET("/notifications/attempts/:id", nread, h.GetAttempt)
		api.POST("/notifications/dispatch", nwrite, h.Dispatch)
		api.POST("/notifications/replay-dead", nwrite, h.ReplayDead)
	}
	return r
}
