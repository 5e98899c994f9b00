package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/healthai/healthai/internal/platform/auth"
)

func newHandlerContext(method, target string, body *bytes.Buffer, contentType, userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	req = req.WithContext(auth.WithUser(req.Context(), userID, "doc", []string{auth.RoleDoctor}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPError(t *testing.T, err error, code int, msg string) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d", code, he.Code)
	}
	if msg != "" && he.Message != msg {
		t.Errorf("expected message %q, got %v", msg, he.Message)
	}
}

func TestHandler_ListModels(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)
	c, rec := newHandlerContext(http.MethodGet, "/api/v1/diagnostics/models", nil, "", env.doctor)
	if err := h.ListModels(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Models map[string]struct {
			Info connector.Descriptor `json:"info"`
		} `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Models["alzheimer"].Info.Type != connector.TypeImage {
		t.Errorf("unexpected listing %s", rec.Body.String())
	}
}

func TestHandler_Predict_JSON(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)

	tests := []struct {
		name    string
		model   string
		patient string
		body    string
		code    int
		msg     string
	}{
		{"ok", "diabetes", env.patient, `{"age": 50}`, http.StatusOK, ""},
		{"empty body", "diabetes", env.patient, ``, http.StatusBadRequest, "Missing request data"},
		{"malformed", "diabetes", env.patient, `{"age":`, http.StatusBadRequest, "invalid request body"},
		{"foreign patient", "diabetes", uuid.NewString(), `{"age": 50}`, http.StatusNotFound, "Patient not found"},
		{"unknown model", "nonexistent-model", env.patient, `{"age": 50}`, http.StatusNotFound, "Model nonexistent-model not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newHandlerContext(http.MethodPost, "/", bytes.NewBufferString(tt.body), echo.MIMEApplicationJSON, env.doctor)
			c.SetParamNames("model", "patient_id")
			c.SetParamValues(tt.model, tt.patient)
			err := h.Predict(c)
			if tt.code != http.StatusOK {
				expectHTTPError(t, err, tt.code, tt.msg)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var body map[string]map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["prediction"]["label"] != "Positive" || body["patient"]["id"] != env.patient {
				t.Errorf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestHandler_Predict_BackendFailure(t *testing.T) {
	env := newTestEnv()
	env.predictor.fail = connector.Errorf(connector.KindBackend, "Model not loaded - please check server configuration")
	h := NewHandler(env.svc)
	c, _ := newHandlerContext(http.MethodPost, "/", bytes.NewBufferString(`{"age": 50}`), echo.MIMEApplicationJSON, env.doctor)
	c.SetParamNames("model", "patient_id")
	c.SetParamValues("diabetes", env.patient)
	expectHTTPError(t, h.Predict(c), http.StatusBadGateway, "Model not loaded - please check server configuration")
}

func TestHandler_Predict_Multipart(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "scan.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(pngBytes(t))
	mw.Close()

	c, rec := newHandlerContext(http.MethodPost, "/", &buf, mw.FormDataContentType(), env.doctor)
	c.SetParamNames("model", "patient_id")
	c.SetParamValues("alzheimer", env.patient)
	if err := h.Predict(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if env.counter.n != 1 {
		t.Errorf("expected upload stored, got %d", env.counter.n)
	}
	list, _ := env.uploads.ListByPatient(context.Background(), env.patient)
	if len(list) != 1 || list[0].FileName != "scan.png" {
		t.Errorf("unexpected uploads %+v", list)
	}
}

func TestHandler_HistoryGetUpdate(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)
	p := &Prediction{Model: "diabetes", PatientID: uuid.MustParse(env.patient), Label: "Negative"}
	_ = env.repo.Create(context.Background(), p)

	c, rec := newHandlerContext(http.MethodGet, "/", nil, "", env.doctor)
	c.SetParamNames("model", "patient_id")
	c.SetParamValues("diabetes", env.patient)
	if err := h.History(c); err != nil {
		t.Fatalf("history: %v", err)
	}
	var hist struct {
		History []Prediction `json:"history"`
	}
	json.Unmarshal(rec.Body.Bytes(), &hist)
	if len(hist.History) != 1 || hist.History[0].ID != p.ID {
		t.Errorf("unexpected history %s", rec.Body.String())
	}

	c, rec = newHandlerContext(http.MethodGet, "/", nil, "", env.doctor)
	c.SetParamNames("model", "patient_id")
	c.SetParamValues("alzheimer", env.patient)
	if err := h.History(c); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"history":[]`) {
		t.Errorf("expected empty history array, got %s", rec.Body.String())
	}

	c, rec = newHandlerContext(http.MethodGet, "/", nil, "", env.doctor)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.GetPrediction(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"label":"Negative"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newHandlerContext(http.MethodGet, "/", nil, "", uuid.NewString())
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectHTTPError(t, h.GetPrediction(c), http.StatusNotFound, "Patient not found")

	c, _ = newHandlerContext(http.MethodGet, "/", nil, "", env.doctor)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetPrediction(c), http.StatusNotFound, "Prediction not found")

	c, rec = newHandlerContext(http.MethodPut, "/", bytes.NewBufferString(`{"doctor_assessment":"agree","doctor_notes":"ok"}`), echo.MIMEApplicationJSON, env.doctor)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.UpdatePrediction(c); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"doctor_assessment":"agree"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newHandlerContext(http.MethodPut, "/", bytes.NewBufferString(`{}`), echo.MIMEApplicationJSON, env.doctor)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectHTTPError(t, h.UpdatePrediction(c), http.StatusBadRequest, "Missing update data")

	c, _ = newHandlerContext(http.MethodPut, "/", bytes.NewBufferString(`{"doctor_assessment":7}`), echo.MIMEApplicationJSON, env.doctor)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectHTTPError(t, h.UpdatePrediction(c), http.StatusBadRequest, "doctor_assessment must be a string or boolean")
}
