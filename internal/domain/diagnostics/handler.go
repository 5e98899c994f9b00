package diagnostics

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/healthai/healthai/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the diagnostics endpoints on api under
// /diagnostics. All of them act on the calling doctor's patients.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/diagnostics", auth.RequireRole(auth.RoleDoctor))
	g.GET("/models", h.ListModels)
	g.GET("/predictions/:id", h.GetPrediction)
	g.PUT("/predictions/:id", h.UpdatePrediction)
	g.POST("/:model/predict/:patient_id", h.Predict)
	g.GET("/:model/history/:patient_id", h.History)
}

func serviceError(err error) error {
	switch {
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Prediction not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// outcomeStatus maps a pipeline error kind onto an HTTP status.
func outcomeStatus(kind connector.ErrorKind) int {
	switch kind {
	case connector.KindValidation:
		return http.StatusBadRequest
	case connector.KindNotFound:
		return http.StatusNotFound
	case connector.KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"models": h.svc.Models()})
}

// Predict accepts a JSON object of input fields, or a multipart form with
// the image in the "image" part.
func (h *Handler) Predict(c echo.Context) error {
	req := PredictRequest{
		Model:     c.Param("model"),
		PatientID: c.Param("patient_id"),
		DoctorID:  auth.UserIDFromContext(c.Request().Context()),
	}

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("image")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
		}
		if fh != nil {
			f, err := fh.Open()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "cannot read image")
			}
			defer f.Close()
			if req.Image, err = io.ReadAll(f); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "cannot read image")
			}
			req.FileName = fh.Filename
		}
	} else {
		if err := json.NewDecoder(c.Request().Body).Decode(&req.Fields); err != nil && !errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if len(req.Fields) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Missing request data")
		}
	}

	out, err := h.svc.Predict(c.Request().Context(), req)
	if err != nil {
		return serviceError(err)
	}
	if !out.OK() {
		return echo.NewHTTPError(outcomeStatus(out.Err.Kind), out.Err.Message)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"prediction": out.Result,
		"patient":    map[string]string{"id": req.PatientID},
	})
}

func (h *Handler) History(c echo.Context) error {
	patientID := c.Param("patient_id")
	history, err := h.svc.History(c.Request().Context(), c.Param("model"), patientID,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return serviceError(err)
	}
	if history == nil {
		history = []*Prediction{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient": map[string]string{"id": patientID},
		"history": history,
	})
}

func (h *Handler) GetPrediction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prediction not found")
	}
	p, err := h.svc.Get(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"prediction": p,
		"patient":    map[string]string{"id": p.PatientID.String()},
	})
}

func (h *Handler) UpdatePrediction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prediction not found")
	}
	var upd AssessmentUpdate
	if err := json.NewDecoder(c.Request().Body).Decode(&upd); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if upd.Empty() {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing update data")
	}

	p, err := h.svc.UpdateAssessment(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), upd)
	if err != nil {
		var verr validationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":    "Prediction updated successfully",
		"prediction": p,
	})
}
