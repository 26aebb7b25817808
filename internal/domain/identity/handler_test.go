package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func TestHandler_Register(t *testing.T) {
	h, e := newTestHandler()

	body := `{"full_name":"Awa Ndong","email":"awa@example.ga"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/identities", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.Register(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var i Identity
	json.Unmarshal(rec.Body.Bytes(), &i)
	if i.Email != "awa@example.ga" {
		t.Errorf("expected awa@example.ga, got %s", i.Email)
	}
}

func TestHandler_Register_BadRequest(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/identities", strings.NewReader(`{"email":"x@y.ga"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.Register(e.NewContext(req, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Get_OwnerOnly(t *testing.T) {
	h, e := newTestHandler()
	i, _ := h.svc.Register(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "Jean", "jean@example.ga", "")

	call := func(caller uuid.UUID, roles ...string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), caller, roles...))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(i.ID.String())
		return rec, h.Get(c)
	}

	rec, err := call(i.ID)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("owner read: code=%d err=%v", rec.Code, err)
	}

	_, err = call(uuid.New())
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403 for stranger, got %v", err)
	}

	rec, err = call(uuid.New(), auth.RolePlatformAdmin)
	if err != nil || rec.Code != http.StatusOK {
		t.Errorf("platform admin read: code=%d err=%v", rec.Code, err)
	}
}

func TestHandler_Deactivate(t *testing.T) {
	h, e := newTestHandler()
	i, _ := h.svc.Register(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "Marie", "marie@example.ga", "")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), i.ID))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(i.ID.String())

	if err := h.Deactivate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Identity
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Active {
		t.Error("expected inactive identity")
	}
}
