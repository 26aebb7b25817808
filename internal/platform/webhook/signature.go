// Package webhook verifies inbound callbacks from external collaborators
// (payment gateways, insurer portals) signed with a shared secret.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SignatureHeader = "X-Sante-Signature"
	// TimestampHeader carries the unix seconds the sender signed at.
	TimestampHeader = "X-Sante-Timestamp"

	defaultTolerance = 5 * time.Minute
	maxBodyBytes     = 64 << 10
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignRequest returns the header values a sender attaches to body at time ts.
func SignRequest(body []byte, secret string, ts time.Time) (signature, timestamp string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return SignPayload(signedContent(timestamp, body), secret), timestamp
}

func signedContent(timestamp string, body []byte) []byte {
	buf := make([]byte, 0, len(timestamp)+1+len(body))
	buf = append(buf, timestamp...)
	buf = append(buf, '.')
	return append(buf, body...)
}

// VerifyConfig configures RequireSignature.
type VerifyConfig struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// RequireSignature rejects requests whose signature or timestamp is missing,
// stale, or does not match the body. The body is restored for the handler.
// An empty secret rejects everything.
func RequireSignature(cfg VerifyConfig) echo.MiddlewareFunc {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Secret == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "webhook secret not configured")
			}

			req := c.Request()
			sig := req.Header.Get(SignatureHeader)
			ts := req.Header.Get(TimestampHeader)
			if sig == "" || ts == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing webhook signature")
			}

			unix, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook timestamp")
			}
			if d := cfg.Now().Sub(time.Unix(unix, 0)); d > cfg.Tolerance || d < -cfg.Tolerance {
				return echo.NewHTTPError(http.StatusUnauthorized, "stale webhook timestamp")
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
			}
			if !VerifySignature(signedContent(ts, body), cfg.Secret, sig) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
			}

			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}
