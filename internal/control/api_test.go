package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"veriscope/internal/config"
	"veriscope/internal/storage"
)

func newTestHandler(t *testing.T, auth config.ControlAuthConfig) (*Handler, *storage.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	seed := []storage.SessionRow{
		{ID: "s-1", Token: "tok-1", TemplateID: "tpl-1", Status: "pending"},
		{ID: "s-2", Token: "tok-2", TemplateID: "tpl-1", Status: "completed"},
	}
	for _, rec := range seed {
		if err := db.CreateSession(rec); err != nil {
			t.Fatal(err)
		}
	}
	return New(db, auth), db
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlAuthConfig{Enabled: true, APIKey: "secret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q", body.Status)
	}
}

func TestAuthGatesAPIEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlAuthConfig{Enabled: true, APIKey: "secret"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "secret", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledAllowsAll(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlAuthConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	var stats storage.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalSessions != 2 {
		t.Errorf("total = %d, want 2", stats.TotalSessions)
	}
}

func TestListSessions(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlAuthConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?status=completed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body SessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || len(body.Sessions) != 1 || body.Sessions[0].Token != "tok-2" {
		t.Errorf("body = %+v", body)
	}
}

func TestGetSessionByToken(t *testing.T) {
	h, db := newTestHandler(t, config.ControlAuthConfig{})

	meta := map[string]any{"extractedData": map[string]string{"Handle": "@alice"}}
	if err := db.UpdateMetadata("tok-2", meta, time.Now()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/tok-2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var info SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != "s-2" || info.Status != "completed" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Metadata) == 0 {
		t.Error("metadata omitted")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token status = %d", rec.Code)
	}
}

func TestMethodAndCORS(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlAuthConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}
