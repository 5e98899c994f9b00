package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/platform/auth"
)

// RequireActiveUser rejects tokens whose user was deleted (401) or disabled
// (403) after the token was issued. It runs after token authentication.
func RequireActiveUser(users UserRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "User not found")
			}
			u, err := users.GetByID(c.Request().Context(), id)
			if errors.Is(err, ErrNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "User not found")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			if !u.IsActive {
				return echo.NewHTTPError(http.StatusForbidden, "Account is disabled")
			}
			return next(c)
		}
	}
}
