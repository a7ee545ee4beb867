package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "bridge", Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkErr   error
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{"connected", nil, http.StatusOK, "ok", "ok"},
		{"disconnected", errors.New("bridge not connected"), http.StatusServiceUnavailable, "fail", "fail: bridge not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(Checker{Name: "bridge", Check: func(context.Context) error { return tt.checkErr }})

			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body result
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Checks["bridge"] != tt.wantCheck {
				t.Errorf("bridge check = %q, want %q", body.Checks["bridge"], tt.wantCheck)
			}
		})
	}
}

func TestStatusAndRegister(t *testing.T) {
	t.Parallel()
	h := New().WithStatus(func() any {
		return map[string]string{"player": "playing"}
	})
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["player"] != "playing" {
		t.Errorf("player = %q, want playing", body["player"])
	}

	rec := httptest.NewRecorder()
	New().Status(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "unavailable") {
		t.Errorf("status without snapshot = %d %q", rec.Code, rec.Body.String())
	}
}
