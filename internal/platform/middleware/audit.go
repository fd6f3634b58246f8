package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/platform/auth"
)

// AuditEntry captures one access to the export API: who asked for what, when,
// from where, and what came back. Export triggers and artifact-url reads are
// PHI-adjacent operations, so every one of them is recorded.
type AuditEntry struct {
	UserID         string
	UserRoles      []string
	OrganisationID string
	Action         string // trigger, read, list, reset
	IPAddress      string
	UserAgent      string
	Path           string
	Method         string
	Timestamp      time.Time
	RequestID      string
	StatusCode     int
}

// AuditRecorder persists audit entries. Decoupling the middleware from a
// concrete sink lets tests provide a mock implementation.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that records every request under /api/v1/.
// If no AuditRecorder is provided, entries go to structured zerolog output.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			// Run the handler first so the response status is known.
			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:         auth.UserIDFromContext(ctx),
				UserRoles:      auth.RolesFromContext(ctx),
				OrganisationID: auth.OrgIDFromContext(ctx).String(),
				Action:         methodToAction(req.Method, path),
				IPAddress:      c.RealIP(),
				UserAgent:      req.UserAgent(),
				Path:           path,
				Method:         req.Method,
				Timestamp:      time.Now().UTC(),
				StatusCode:     c.Response().Status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 {
				for _, r := range recorders {
					if recErr := r.RecordAccess(entry); recErr != nil {
						logger.Error().Err(recErr).Msg("audit record failed")
					}
				}
			} else {
				logger.Info().
					Str("user_id", entry.UserID).
					Strs("roles", entry.UserRoles).
					Str("organisation_id", entry.OrganisationID).
					Str("action", entry.Action).
					Str("path", entry.Path).
					Str("method", entry.Method).
					Str("remote_ip", entry.IPAddress).
					Str("request_id", entry.RequestID).
					Int("status", entry.StatusCode).
					Msg("audit")
			}

			return err
		}
	}
}

func methodToAction(method, path string) string {
	switch method {
	case "POST":
		if strings.HasSuffix(path, "/reset") {
			return "reset"
		}
		return "trigger"
	case "GET":
		if strings.HasSuffix(path, "/exports") {
			return "list"
		}
		return "read"
	default:
		return strings.ToLower(method)
	}
}
