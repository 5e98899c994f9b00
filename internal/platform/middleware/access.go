package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthai/healthai/internal/platform/auth"
)

// AccessEntry describes one access to patient data.
type AccessEntry struct {
	Timestamp  time.Time
	RequestID  string
	UserID     string
	UserRoles  []string
	Resource   string
	PatientID  string
	Action     string
	Method     string
	Path       string
	RemoteIP   string
	StatusCode int
}

// AccessLog emits a "phi_access" line for every request under /api/v1/
// that names a patient or prediction, after the handler has run.
func AccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			entry, ok := buildAccessEntry(c)
			if !ok {
				return err
			}
			if he, isHTTP := err.(*echo.HTTPError); isHTTP {
				entry.StatusCode = he.Code
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.StatusCode).
				Msg("phi_access")
			return err
		}
	}
}

func buildAccessEntry(c echo.Context) (AccessEntry, bool) {
	req := c.Request()
	resource := resourceOf(req.URL.Path)
	if resource != "patients" && resource != "diagnostics" {
		return AccessEntry{}, false
	}
	ctx := req.Context()
	return AccessEntry{
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID(c),
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Resource:   resource,
		PatientID:  patientIDOf(c, resource),
		Action:     actionOf(req.Method),
		Method:     req.Method,
		Path:       req.URL.Path,
		RemoteIP:   c.RealIP(),
		StatusCode: c.Response().Status,
	}, true
}

func actionOf(method string) string {
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

// resourceOf returns the first path segment after /api/v1/.
func resourceOf(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/")
	if !ok {
		return ""
	}
	resource, _, _ := strings.Cut(rest, "/")
	return resource
}

func patientIDOf(c echo.Context, resource string) string {
	if id := c.Param("patient_id"); id != "" {
		return id
	}
	if resource == "patients" {
		return c.Param("id")
	}
	return ""
}
