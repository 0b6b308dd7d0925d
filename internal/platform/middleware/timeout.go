package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrRequestTimeout is returned when a request outlives its deadline. It
// wraps context.DeadlineExceeded, which ErrorHandler renders as 504.
var ErrRequestTimeout = fmt.Errorf("request timed out: %w", context.DeadlineExceeded)

// RequestTimeout puts a deadline on every request context. Outbound gateway
// calls derive their own shorter deadline from it. A handler that ignores
// cancellation is abandoned when the deadline passes and the request fails
// with ErrRequestTimeout.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ErrRequestTimeout
				}
				// Client went away.
				return ctx.Err()
			}
		}
	}
}
