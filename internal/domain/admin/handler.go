package admin

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/domain/identity"
	"github.com/healthai/healthai/internal/platform/auth"
	"github.com/healthai/healthai/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin-only endpoints on api under /admin.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	g.GET("/stats", h.GetStats)
	g.GET("/users", h.ListUsers)
	g.PUT("/users/:id", h.UpdateUser)
	g.DELETE("/users/:id", h.DeleteUser)
	g.GET("/analytics/diagnostics", h.GetDiagnosticsAnalytics)
}

func (h *Handler) GetStats(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve admin statistics")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetDiagnosticsAnalytics(c echo.Context) error {
	timeRange := c.QueryParam("timeRange")
	if timeRange == "" {
		timeRange = DefaultRange
	}
	st, err := h.svc.DiagnosticsAnalytics(c.Request().Context(), timeRange)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve diagnostics analytics")
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	includeInactive, _ := strconv.ParseBool(c.QueryParam("include_inactive"))
	f := identity.UserFilter{
		Search:          c.QueryParam("search"),
		IncludeInactive: includeInactive,
		Limit:           pg.Limit,
		Offset:          pg.Offset,
	}
	if role := c.QueryParam("role"); auth.ValidRole(role) {
		f.Role = role
	}

	users, total, err := h.svc.ListUsers(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve users")
	}
	if users == nil {
		users = []*identity.User{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"users":      users,
		"pagination": pg.Meta(total),
	})
}

func (h *Handler) UpdateUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "User not found")
	}
	var req identity.UserUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.UpdateUser(c.Request().Context(), id, req)
	if err != nil {
		return identity.HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "User updated successfully",
		"user":    u,
	})
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "User not found")
	}
	actor, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found")
	}
	if err := h.svc.DeleteUser(c.Request().Context(), actor, id); err != nil {
		return identity.HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"message": "User deleted successfully"})
}
