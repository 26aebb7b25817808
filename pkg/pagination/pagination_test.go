package pagination

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func ctxWithQuery(q string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices?"+q, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"limit=50&offset=10", 50, 10},
		{"limit=1000", MaxLimit, 0},
		{"limit=-3&offset=-1", DefaultLimit, 0},
		{"limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(ctxWithQuery(tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("FromContext(%q) = %+v, want limit=%d offset=%d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage([]string{"a", "b"}, 50, Params{Limit: 20})
	if p.Total != 50 || !p.HasMore {
		t.Errorf("unexpected page: %+v", p)
	}
	p = NewPage([]string{"a"}, 21, Params{Limit: 20, Offset: 20})
	if p.HasMore {
		t.Error("expected last page to have no more")
	}
}

func TestNewPage_NilItemsEncodeAsEmptyArray(t *testing.T) {
	raw, err := json.Marshal(NewPage[*struct{}](nil, 0, Params{Limit: DefaultLimit}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", raw)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 123000, time.UTC), ID: uuid.New()}
	out, err := DecodeCursor(in.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor() error: %v", err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || out.ID != in.ID {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	if c, err := DecodeCursor(""); c != nil || err != nil {
		t.Errorf("empty token should decode to nil, nil")
	}
	for _, tok := range []string{"%%%", "bm90LWpzb24", "e30"} {
		if _, err := DecodeCursor(tok); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("DecodeCursor(%q) = %v, want ErrInvalidCursor", tok, err)
		}
	}
}
