// Package api exposes the alerting and delivery operations over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/silence"
	"preflight-alerting/internal/store"
)

// respondError maps domain errors onto status codes.
func (h *Handler) respondError(c *gin.Context, what string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, silence.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Errorf("Failed to %s: %v", what, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + what})
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func queryBool(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return false, false
	}
	return b, true
}

// splitList splits a comma separated query value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStatuses reads ?status=. "all" selects every status.
func parseStatuses(raw string) ([]models.AlertStatus, error) {
	if strings.EqualFold(raw, "all") {
		return []models.AlertStatus{models.StatusOK, models.StatusPending, models.StatusFiring, models.StatusResolved}, nil
	}
	var out []models.AlertStatus
	for _, p := range splitList(raw) {
		s := models.AlertStatus(strings.ToUpper(p))
		if !s.Valid() {
			return nil, errors.New("unknown status " + p)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseStates(raw string) ([]models.OutboxState, error) {
	var out []models.OutboxState
	for _, p := range splitList(raw) {
		s := models.OutboxState(strings.ToLower(p))
		switch s {
		case models.OutboxPending, models.OutboxRetrying, models.OutboxSent, models.OutboxDead:
			out = append(out, s)
		default:
			return nil, errors.New("unknown state " + p)
		}
	}
	return out, nil
}
