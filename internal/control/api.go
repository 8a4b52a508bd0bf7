// Package control is the read-only operator API: health, session
// history, and aggregate stats. It reads the database, never the live
// session actors.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veriscope/internal/config"
	"veriscope/internal/storage"
)

// Handler handles control API requests
type Handler struct {
	db   *storage.Store
	auth config.ControlAuthConfig
	mux  *http.ServeMux
}

// New creates a new control API handler
func New(db *storage.Store, auth config.ControlAuthConfig) *Handler {
	h := &Handler{
		db:   db,
		auth: auth,
		mux:  http.NewServeMux(),
	}

	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/api/stats", h.handleStats)
	h.mux.HandleFunc("/api/sessions", h.handleSessions)
	h.mux.HandleFunc("/api/sessions/", h.handleSession)

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Health stays open for probes; everything else may require auth.
	if r.URL.Path != "/healthz" && !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	if !h.auth.Enabled {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && token == h.auth.APIKey
}

// handleHealth handles GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "0.1.0",
	})
}

// handleStats handles GET /api/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.db.GetStats()
	if err != nil {
		slog.Error("stats query failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSessions handles GET /api/sessions
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	opts := storage.ListSessionsOptions{
		Status: query.Get("status"),
		Limit:  100,
	}
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			opts.Limit = n
		}
	}
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	rows, err := h.db.ListSessions(opts)
	if err != nil {
		slog.Error("session list query failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	response := SessionsResponse{Sessions: make([]SessionInfo, 0, len(rows))}
	for _, row := range rows {
		response.Sessions = append(response.Sessions, toSessionInfo(row))
	}
	response.Total = len(response.Sessions)

	writeJSON(w, http.StatusOK, response)
}

// handleSession handles GET /api/sessions/{token}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if token == "" || strings.Contains(token, "/") {
		http.Error(w, "Session token required", http.StatusBadRequest)
		return
	}

	row, err := h.db.GetSessionByToken(token)
	if err != nil {
		slog.Error("session query failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, toSessionInfo(*row))
}

func toSessionInfo(row storage.SessionRow) SessionInfo {
	info := SessionInfo{
		ID:          row.ID,
		Token:       row.Token,
		TemplateID:  row.TemplateID,
		Status:      row.Status,
		CurrentStep: row.CurrentStep,
		UsedAt:      row.UsedAt,
		ExpiresAt:   row.ExpiresAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		info.Metadata = json.RawMessage(row.Metadata)
	}
	return info
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// SessionsResponse represents a list of sessions
type SessionsResponse struct {
	Total    int           `json:"total"`
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo represents one session row for API responses
type SessionInfo struct {
	ID          string          `json:"id"`
	Token       string          `json:"token"`
	TemplateID  string          `json:"template_id"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"current_step"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	UsedAt      *time.Time      `json:"used_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
