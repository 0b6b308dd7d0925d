// Package signature signs and verifies gateway callback bodies with
// HMAC-SHA256. Signatures travel hex-encoded, optionally prefixed "sha256=".
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	Header = "X-Callback-Signature"
	prefix = "sha256="
)

// Sign computes an HMAC-SHA256 of payload using secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC-SHA256 of payload in constant time.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), prefix)
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// Require rejects requests whose body does not carry a valid signature in
// Header. An empty secret disables the check.
func Require(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secret == "" {
			return next
		}
		return func(c echo.Context) error {
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			if !Verify(body, secret, req.Header.Get(Header)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid callback signature")
			}
			return next(c)
		}
	}
}
