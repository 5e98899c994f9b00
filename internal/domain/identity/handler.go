package identity

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/platform/auth"
	"github.com/healthai/healthai/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the auth endpoints and the doctor-scoped patient
// endpoints on api (normally /api/v1).
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.GET("/auth/profile", h.GetProfile)
	api.PUT("/auth/profile", h.UpdateProfile)

	patients := api.Group("/patients", auth.RequireRole(auth.RoleDoctor))
	patients.POST("", h.CreatePatient)
	patients.GET("", h.ListPatients)
	patients.GET("/:id", h.GetPatient)
	patients.PUT("/:id", h.UpdatePatient)
	patients.DELETE("/:id", h.DeletePatient)
}

// HTTPError maps service errors onto HTTP statuses.
func HTTPError(err error, notFound string) error {
	var verr ValidationError
	var dup *DuplicateError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.As(err, &dup):
		return echo.NewHTTPError(http.StatusConflict, dup.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, ErrInUse):
		return echo.NewHTTPError(http.StatusConflict, "User still has patients assigned")
	case errors.Is(err, ErrSelfDelete):
		return echo.NewHTTPError(http.StatusForbidden, "Cannot delete your own account")
	case errors.Is(err, ErrAccountDisabled):
		return echo.NewHTTPError(http.StatusForbidden, "Account is disabled")
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid password")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func currentUserID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "User not found")
	}
	return id, nil
}

// -- Auth Handlers --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	session, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":    "User registered successfully",
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
		"user":       session.User,
	})
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	session, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":    "Login successful",
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
		"user":       session.User,
	})
}

func (h *Handler) GetProfile(c echo.Context) error {
	id, err := currentUserID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"user": u})
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req ProfileUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), id, req)
	if err != nil {
		return HTTPError(err, "User not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Profile updated successfully",
		"user":    u,
	})
}

// -- Patient Handlers --

func (h *Handler) CreatePatient(c echo.Context) error {
	doctorID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req PatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), doctorID, req)
	if err != nil {
		return HTTPError(err, "Patient not found")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": "Patient created successfully",
		"patient": p,
	})
}

func (h *Handler) ListPatients(c echo.Context) error {
	doctorID, err := currentUserID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	includeInactive, _ := strconv.ParseBool(c.QueryParam("include_inactive"))

	patients, total, err := h.svc.ListPatients(c.Request().Context(), PatientFilter{
		DoctorID:        doctorID,
		Search:          c.QueryParam("search"),
		IncludeInactive: includeInactive,
		Limit:           pg.Limit,
		Offset:          pg.Offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if patients == nil {
		patients = []*Patient{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patients":   patients,
		"pagination": pg.Meta(total),
	})
}

func (h *Handler) GetPatient(c echo.Context) error {
	doctorID, err := currentUserID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id, doctorID)
	if err != nil {
		return HTTPError(err, "Patient not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patient": p})
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	doctorID, err := currentUserID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	var req PatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, doctorID, req)
	if err != nil {
		return HTTPError(err, "Patient not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Patient updated successfully",
		"patient": p,
	})
}

// DeletePatient deactivates by default. ?permanent=true or a JSON body
// {"permanent": true} removes the record.
func (h *Handler) DeletePatient(c echo.Context) error {
	doctorID, err := currentUserID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}

	permanent, _ := strconv.ParseBool(c.QueryParam("permanent"))
	if !permanent && c.Request().Body != nil {
		var body struct {
			Permanent bool `json:"permanent"`
		}
		if raw, err := io.ReadAll(c.Request().Body); err == nil && len(raw) > 0 {
			if json.Unmarshal(raw, &body) == nil {
				permanent = body.Permanent
			}
		}
	}

	if err := h.svc.DeletePatient(c.Request().Context(), id, doctorID, permanent); err != nil {
		return HTTPError(err, "Patient not found")
	}
	msg := "Patient deactivated successfully"
	if permanent {
		msg = "Patient permanently deleted"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"message": msg})
}
