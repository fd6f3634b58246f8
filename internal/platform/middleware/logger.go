package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/platform/auth"
)

// Logger emits one structured line per request. The organisation id is
// included when the request is authenticated so export activity can be
// correlated per tenant without joining against the audit trail.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			// Auth runs later in the chain; re-read the request so its
			// context carries the authenticated identity.
			if orgID := auth.OrgIDFromContext(c.Request().Context()); orgID != uuid.Nil {
				evt = evt.Str("organisation_id", orgID.String())
			}

			evt.Msg("request")
			return err
		}
	}
}
