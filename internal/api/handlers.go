package api

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/auth"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/services"
)

type Handler struct {
	svc    *services.Service
	logger *logrus.Logger
}

func NewHandler(svc *services.Service, logger *logrus.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) ListAlerts(c *gin.Context) {
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	autoEvaluate, ok := queryBool(c, "auto_evaluate")
	if !ok {
		return
	}
	alerts, err := h.svc.ListAlerts(c.Request.Context(), statuses, autoEvaluate)
	if err != nil {
		h.respondError(c, "list alerts", err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) GetAlert(c *gin.Context) {
	alert, err := h.svc.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) AlertHistory(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	events, err := h.svc.AlertHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, "get alert history", err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type ackRequest struct {
	Note string `json:"note"`
}

func (h *Handler) Ack(c *gin.Context) {
	var req ackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	a, err := h.svc.Ack(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Note)
	if err != nil {
		h.respondError(c, "acknowledge alert", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) Unack(c *gin.Context) {
	a, err := h.svc.Unack(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		h.respondError(c, "clear acknowledgement", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type evaluateRequest struct {
	PolicyID string `json:"policy_id"`
}

func (h *Handler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	sum, err := h.svc.Evaluate(c.Request.Context(), req.PolicyID)
	if err != nil {
		h.respondError(c, "evaluate", err)
		return
	}
	h.logger.Infof("Manual evaluation by %s: %d evaluated, %d transitions", auth.Actor(c), sum.Evaluated, len(sum.Transitions))
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) ListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Policies())
}

func (h *Handler) ReloadPolicies(c *gin.Context) {
	res, err := h.svc.ReloadPolicies()
	if err != nil {
		h.logger.Errorf("Definitions reload requested by %s failed: %v", auth.Actor(c), err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListSilences(c *gin.Context) {
	includeExpired, ok := queryBool(c, "include_expired")
	if !ok {
		return
	}
	silences, err := h.svc.Silences(c.Request.Context(), includeExpired)
	if err != nil {
		h.respondError(c, "list silences", err)
		return
	}
	c.JSON(http.StatusOK, silences)
}

func (h *Handler) CreateSilence(c *gin.Context) {
	var req models.SilenceCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debugf("Invalid request body for silence: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	s, err := h.svc.CreateSilence(c.Request.Context(), req, auth.Actor(c))
	if err != nil {
		h.respondError(c, "create silence", err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) ExpireSilence(c *gin.Context) {
	s, err := h.svc.ExpireSilence(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		h.respondError(c, "expire silence", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) ListAudit(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	events, err := h.svc.Audit(c.Request.Context(), models.AuditFilter{
		AlertID:   c.Query("alert_id"),
		EventType: models.AuditEventType(c.Query("event_type")),
		Limit:     limit,
	})
	if err != nil {
		h.respondError(c, "list audit events", err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) ListOutbox(c *gin.Context) {
	states, err := parseStates(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	items, err := h.svc.Outbox(c.Request.Context(), models.OutboxFilter{
		States:    states,
		ChannelID: c.Query("channel_id"),
		AlertID:   c.Query("alert_id"),
		Limit:     limit,
	})
	if err != nil {
		h.respondError(c, "list outbox", err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) GetOutboxItem(c *gin.Context) {
	item, err := h.svc.OutboxItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get outbox item", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) History(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	attempts, err := h.svc.History(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, "list delivery history", err)
		return
	}
	c.JSON(http.StatusOK, attempts)
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "compute delivery stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) Trends(c *gin.Context) {
	days, ok := queryInt(c, "days")
	if !ok {
		return
	}
	points, err := h.svc.Trends(c.Request.Context(), days)
	if err != nil {
		h.respondError(c, "compute delivery trends", err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (h *Handler) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Channels())
}

func (h *Handler) GetAttempt(c *gin.Context) {
	a, err := h.svc.Attempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get attempt", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) Dispatch(c *gin.Context) {
	rep, err := h.svc.Dispatch(c.Request.Context())
	if err != nil {
		h.respondError(c, "dispatch", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) Replay(c *gin.Context) {
	item, err := h.svc.Replay(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		h.respondError(c, "replay outbox item", err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) ReplayDead(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	items, err := h.svc.ReplayDead(c.Request.Context(), limit, auth.Actor(c))
	if err != nil {
		h.respondError(c, "replay dead items", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": len(items), "items": items})
}

func (h *Handler) Stream(c *gin.Context) {
	if err := h.svc.Hub().Serve(c.Writer, c.Request, auth.Actor(c)); err != nil {
		h.logger.Warnf("Stream upgrade failed: %v", err)
	}
}

func (h *Handler) Metrics(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.svc.RenderMetrics(c.Request.Context(), &buf); err != nil {
		h.logger.Errorf("Failed to render metrics: %v", err)
		c.String(http.StatusInternalServerError, "failed to render metrics")
		return
	}
	c.Data(http.StatusOK, metrics.ContentType, buf.Bytes())
}
