// Package webhook signs outbound notifications and lets receivers verify them.
//
// The signature is HMAC-SHA256 over "<timestamp>.<raw body>" with the
// channel secret, sent as "sha256=<hex>".
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderDeliveryID = "X-Preflight-Delivery-Id"
	HeaderEventID    = "X-Preflight-Event-Id"
	HeaderTimestamp  = "X-Preflight-Timestamp"
	HeaderSignature  = "X-Preflight-Signature"

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("timestamp outside tolerance")
)

// Sign returns the header value for body sent at ts.
func Sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. tolerance bounds the allowed distance
// between the timestamp header and now.
func Verify(secret []byte, h http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	sig := h.Get(HeaderSignature)
	if sig == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s header: %w", HeaderTimestamp, err)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrStaleTimestamp
		}
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return ErrBadSignature
	}
	return nil
}
