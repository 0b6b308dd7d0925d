package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/platform/apperr"
)

type errorBody struct {
	Message string            `json:"message"`
	Error   string            `json:"error"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// paymentPrefix marks routes whose validation failures are reported as 400.
const paymentPrefix = "/payments"

// statusOf maps an error returned by a handler to the HTTP status it will be
// rendered with.
func statusOf(c echo.Context, err error) int {
	var ae *apperr.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		if ae.Kind == apperr.KindValidation && strings.HasPrefix(c.Request().URL.Path, paymentPrefix) {
			return http.StatusBadRequest
		}
		return apperr.Status(ae.Kind)
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as {"message", "error"} JSON.
// Internal failures are logged and their detail is withheld from the client.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := statusOf(c, err)
		body := errorBody{}

		var ae *apperr.Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			body.Error = string(ae.Kind)
			body.Message = ae.Message
			body.Errors = ae.Fields
		case errors.As(err, &he):
			body.Error = strings.ReplaceAll(strings.ToLower(http.StatusText(he.Code)), " ", "_")
			if msg, ok := he.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(he.Code)
			}
		case status == http.StatusGatewayTimeout:
			body.Error = "timeout"
			body.Message = "request processing exceeded the allowed time limit"
		default:
			body.Error = string(apperr.KindInternal)
			body.Message = "internal server error"
		}

		if status >= 500 && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
			logger.Error().Err(err).
				Str("request_id", requestID(c)).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Str("request_id", requestID(c)).Msg("failed to write error response")
		}
	}
}
