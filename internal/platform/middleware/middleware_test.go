package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthai/healthai/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var rid string
	h := RequestID()(func(c echo.Context) error {
		rid, _ = c.Get("request_id").(string)
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rid == "" {
		t.Fatal("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != rid {
		t.Errorf("response header %q does not match %q", rec.Header().Get(RequestIDHeader), rid)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", got)
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  float64
	}{
		{"ok", okHandler, "info", 200},
		{"client error", func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusBadRequest, "bad")
		}, "warn", 400},
		{"server error", func(c echo.Context) error {
			return errors.New("boom")
		}, "error", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())
			c.Set("request_id", "req-1")

			_ = Logger(zerolog.New(&buf))(tt.handler)(c)

			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
			}
			if line["request_id"] != "req-1" || line["path"] != "/test" {
				t.Errorf("unexpected log fields: %v", line)
			}
			if line["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, line["level"])
			}
			if line["status"] != tt.status {
				t.Errorf("expected status %v, got %v", tt.status, line["status"])
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})(c)

	expectHTTPError(t, err, http.StatusInternalServerError)
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil), rec)

	if err := SecurityHeaders()(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Cache-Control":             "no-store",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"2g", 2 << 30},
		{"2048", 2048},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := ParseSize(tt.in); got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	readAll := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	}

	tests := []struct {
		name        string
		size        int
		contentType string
		hideLength  bool
		wantErr     bool
	}{
		{"json within limit", 100, echo.MIMEApplicationJSON, false, false},
		{"json over limit", 2048, echo.MIMEApplicationJSON, false, true},
		{"json over limit without length", 2048, echo.MIMEApplicationJSON, true, true},
		{"upload uses larger limit", 2048, echo.MIMEMultipartForm + "; boundary=x", false, false},
		{"upload over limit", 8192, echo.MIMEMultipartForm + "; boundary=x", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/diagnostics/diabetes/predict/p1",
				bytes.NewReader(make([]byte, tt.size)))
			req.Header.Set(echo.HeaderContentType, tt.contentType)
			if tt.hideLength {
				req.ContentLength = -1
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := BodyLimit("1K", "4K")(readAll)(c)
			if tt.wantErr {
				expectHTTPError(t, err, http.StatusRequestEntityTooLarge)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})(okHandler)

	call := func(user string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if user != "" {
			c.Set("user_id", user)
		}
		return rec, h(c)
	}

	for i := 0; i < 2; i++ {
		if _, err := call("u1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
	rec, err := call("u1")
	expectHTTPError(t, err, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Buckets are per user.
	if _, err := call("u2"); err != nil {
		t.Errorf("other user should not be limited: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequestTimeout(time.Second)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	expectHTTPError(t, err, http.StatusGatewayTimeout)
}

func TestRequestTimeout_LateResponseIsKept(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := RequestTimeout(10*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.String(http.StatusOK, "late")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "late" {
		t.Errorf("expected single late response, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestTimeout_PanicReachesCaller(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("expected panic to surface on the request goroutine, got %v", r)
		}
	}()
	_ = RequestTimeout(time.Second)(func(c echo.Context) error {
		panic("boom")
	})(c)
	t.Error("expected handler panic")
}

func TestRequestTimeout_Disabled(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			err := RequestTimeout(tt.timeout)(func(c echo.Context) error {
				if _, ok := c.Request().Context().Deadline(); ok {
					t.Error("expected no deadline")
				}
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAccessLog(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		route     string
		params    map[string]string
		logged    bool
		patientID string
	}{
		{"patient read", "/api/v1/patients/p-1", "/api/v1/patients/:id", map[string]string{"id": "p-1"}, true, "p-1"},
		{"prediction", "/api/v1/diagnostics/diabetes/predict/p-2", "/api/v1/diagnostics/:model/predict/:patient_id",
			map[string]string{"model": "diabetes", "patient_id": "p-2"}, true, "p-2"},
		{"login not logged", "/api/v1/auth/login", "/api/v1/auth/login", nil, false, ""},
		{"health not logged", "/health", "/health", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req = req.WithContext(auth.WithUser(context.Background(), "doc-1", "doc", []string{auth.RoleDoctor}))
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath(tt.route)
			var names, values []string
			for k, v := range tt.params {
				names = append(names, k)
				values = append(values, v)
			}
			c.SetParamNames(names...)
			c.SetParamValues(values...)

			if err := AccessLog(zerolog.New(&buf))(okHandler)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.logged {
				if buf.Len() != 0 {
					t.Errorf("expected no access log, got %s", buf.String())
				}
				return
			}
			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("log line is not JSON: %v", err)
			}
			if line["user_id"] != "doc-1" || line["patient_id"] != tt.patientID || line["action"] != "read" {
				t.Errorf("unexpected entry %v", line)
			}
		})
	}
}
