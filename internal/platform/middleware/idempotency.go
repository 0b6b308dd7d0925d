package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/auth"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "X-Idempotency-Replayed"
	maxIdempotencyKeyLen      = 128
)

// IdempotencyRecord is the stored outcome of the first request made with a
// key. StatusCode 0 means that request has not finished yet.
type IdempotencyRecord struct {
	Key         string
	ActorID     string
	RequestHash string
	StatusCode  int
	Body        []byte
	ContentType string
}

// IdempotencyStore persists idempotency records. Keys are scoped per actor.
type IdempotencyStore interface {
	// Reserve inserts an in-flight record. If a record already exists for
	// (key, actor) it is returned unchanged and nothing is written.
	Reserve(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error)
	Complete(ctx context.Context, rec *IdempotencyRecord) error
	Release(ctx context.Context, key, actorID string) error
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// POST and PUT. Reusing a key with a different request is a conflict. Only
// 2xx responses are stored; a failed request releases its key so the client
// can retry.
func Idempotency(store IdempotencyStore, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost && req.Method != http.MethodPut {
				return next(c)
			}

			key := strings.TrimSpace(req.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKeyLen {
				return apperr.Validation("Idempotency-Key too long")
			}

			actorID := auth.UserIDFromContext(req.Context())
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return apperr.Validation("unreadable request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			rec := &IdempotencyRecord{
				Key:         key,
				ActorID:     actorID,
				RequestHash: requestHash(req.Method, req.URL.RequestURI(), body, actorID),
			}

			ctx := context.WithoutCancel(req.Context())
			existing, err := store.Reserve(ctx, rec)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.RequestHash != rec.RequestHash {
					return apperr.Conflict("Idempotency-Key reuse with different request")
				}
				if existing.StatusCode == 0 {
					return apperr.Conflict("a request with this Idempotency-Key is still in progress")
				}
				resp := c.Response()
				resp.Header().Set(echo.HeaderContentType, existing.ContentType)
				resp.Header().Set(IdempotencyReplayedHeader, "true")
				resp.WriteHeader(existing.StatusCode)
				_, err := resp.Write(existing.Body)
				return err
			}

			origWriter := c.Response().Writer
			capture := &idempotencyRecorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = capture

			herr := next(c)
			c.Response().Writer = origWriter

			if herr != nil || capture.statusCode < 200 || capture.statusCode >= 300 {
				if err := store.Release(ctx, key, actorID); err != nil {
					logger.Error().Err(err).Str("request_id", requestID(c)).Msg("failed to release idempotency key")
				}
			} else {
				rec.StatusCode = capture.statusCode
				rec.Body = capture.body.Bytes()
				rec.ContentType = capture.headers.Get(echo.HeaderContentType)
				if err := store.Complete(ctx, rec); err != nil {
					logger.Error().Err(err).Str("request_id", requestID(c)).Msg("failed to store idempotent response")
				}
			}

			if herr != nil {
				return herr
			}

			for k, vals := range capture.headers {
				for _, v := range vals {
					origWriter.Header().Add(k, v)
				}
			}
			origWriter.WriteHeader(capture.statusCode)
			_, err = origWriter.Write(capture.body.Bytes())
			return err
		}
	}
}

func requestHash(method, uri string, body []byte, actorID string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(uri))
	h.Write([]byte{'\n'})
	h.Write(body)
	h.Write([]byte{'\n'})
	h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyRecorder buffers the status code, headers and body written by
// the downstream handler.
type idempotencyRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *idempotencyRecorder) Header() http.Header {
	return r.headers
}

func (r *idempotencyRecorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *idempotencyRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.statusCode = http.StatusOK
		r.wroteHead = true
	}
	return r.body.Write(b)
}
