package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
)

// Audit records failed mutating requests to sink so operators can see denied
// transitions and rejected payments. Successful operations are audited by the
// services themselves.
func Audit(sink audit.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			err := next(c)

			if req.Method == http.MethodGet || req.Method == http.MethodHead {
				return err
			}
			status := c.Response().Status
			if err != nil {
				status = statusOf(c, err)
			}
			if status < 400 {
				return err
			}

			detail := map[string]any{
				"method":     req.Method,
				"path":       req.URL.Path,
				"operation":  httpMethodToAction(req.Method),
				"status":     status,
				"request_id": requestID(c),
				"remote_ip":  c.RealIP(),
			}
			if err != nil {
				detail["error_kind"] = string(apperr.KindOf(err))
				detail["error"] = err.Error()
			}

			actor := auth.ActorFromContext(req.Context())
			if actor.ID == "" {
				actor = audit.SystemActor
			}
			sink.Emit(req.Context(), audit.NewEvent(actor, audit.ActionRequestFailed,
				extractResourceType(req.URL.Path), c.Param("id"), detail))

			return err
		}
	}
}

// httpMethodToAction maps HTTP methods to audit operation names.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment:
//
//	/visits/12          -> visits
//	/payments/refund    -> payments
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
