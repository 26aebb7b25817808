package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/establishments", nil)
	req.Header.Set("X-Establishment-ID", "est-1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/me/establishments")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.String(http.StatusOK, "[]")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := buf.String()
	for _, want := range []string{`"level":"info"`, `"status":200`, `"establishment_id":"est-1"`, `"bytes_out":2`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_ErrorLevels(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		err   error
		level string
	}{
		{"client error", "/api/v1/invoices", echo.NewHTTPError(http.StatusConflict, "settled"), "warn"},
		{"server error", "/api/v1/invoices", echo.NewHTTPError(http.StatusInternalServerError, "boom"), "error"},
		{"health check", "/health", nil, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
			c.SetPath(tt.path)

			_ = Logger(zerolog.New(&buf))(func(c echo.Context) error {
				if tt.err != nil {
					return tt.err
				}
				return c.NoContent(http.StatusOK)
			})(c)

			if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
				t.Errorf("expected level %s, got %s", tt.level, buf.String())
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/42", nil)
	identityID := uuid.New()
	req = req.WithContext(auth.WithIdentity(req.Context(), identityID))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/invoices/:id")
	c.Set("request_id", "req-7")

	err := Recovery(logger)(func(c echo.Context) error {
		panic("nil coverage breakdown")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	line := buf.String()
	for _, want := range []string{`"request_id":"req-7"`, `"route":"/api/v1/invoices/:id"`,
		`"panic":"nil coverage breakdown"`, identityID.String()} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestRecovery_CommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		_ = c.String(http.StatusOK, "partial")
		panic("late")
	})(c)

	if err != nil {
		t.Fatalf("expected nil error once the response is committed, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected original status kept, got %d", rec.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_RecordsRecordReads(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()

	var got []AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		got = append(got, entry)
		return nil
	})

	patient := uuid.New()
	viewer := uuid.New()
	e.Use(RequestID(), Audit(logger, recorder))
	e.GET("/api/v1/patients/:id/records", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/v1/invoices", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.POST("/api/v1/invoices", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+patient.String()+"/records", nil)
	req.Header.Set("X-Establishment-ID", "est-1")
	req = req.WithContext(auth.WithIdentity(req.Context(), viewer))
	e.ServeHTTP(httptest.NewRecorder(), req)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil))

	if len(got) != 2 {
		t.Fatalf("expected 2 audit entries (record read + create), got %d", len(got))
	}
	read := got[0]
	if read.PatientID != patient.String() || read.IdentityID != viewer.String() || read.Action != "read" {
		t.Errorf("unexpected read entry: %+v", read)
	}
	if read.EstablishmentID != "est-1" || read.RequestID == "" {
		t.Errorf("expected establishment and request id on entry: %+v", read)
	}
	if got[1].Action != "create" || got[1].StatusCode != http.StatusCreated {
		t.Errorf("unexpected create entry: %+v", got[1])
	}
}
