package delivery

import (
	"regexp"
	"strings"

	"preflight-alerting/internal/models"
)

const maxErrorMessage = 512

var urlPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`)

// sanitize strips the channel target, its secret and any URL from msg and
// bounds its length, so attempt rows are safe to show callers.
func sanitize(msg string, ch models.NotificationChannel) string {
	for _, s := range []string{ch.Secret, ch.Target} {
		if len(s) >= 4 {
			msg = strings.ReplaceAll(msg, s, "***")
		}
	}
	msg = urlPattern.ReplaceAllString(msg, "[url]")
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}
