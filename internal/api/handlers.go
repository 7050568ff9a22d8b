// Package api serves the authenticated JSON API: notes, profile, dashboard,
// the change stream and the editor WebSocket. Every route expects the
// session middleware to have placed the user on the request context.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kuitang/catatan/internal/auth"
	"github.com/kuitang/catatan/internal/autosave"
	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/realtime"
)

const (
	// DefaultPingInterval spaces SSE keepalive comments.
	DefaultPingInterval = 25 * time.Second
	maxJSONBody         = 1 << 20
)

// Handler wires the notes, user and realtime services to HTTP.
type Handler struct {
	notes *notes.Service
	users *auth.UserService
	hub   *realtime.Hub

	pingInterval time.Duration
	autosaveOpts []autosave.Option
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithPingInterval overrides DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// WithAutosave passes options to every editor session's coordinator.
func WithAutosave(opts ...autosave.Option) Option {
	return func(h *Handler) { h.autosaveOpts = append(h.autosaveOpts, opts...) }
}

// WithClock replaces time.Now for the dashboard quote.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates the API handler. hub must be the hub the notes
// service publishes into, directly or through a Redis bridge.
func NewHandler(notesSvc *notes.Service, users *auth.UserService, hub *realtime.Hub, opts ...Option) *Handler {
	h := &Handler{
		notes:        notesSvc,
		users:        users,
		hub:          hub,
		pingInterval: DefaultPingInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts every /api route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/me", h.GetMe)
	mux.HandleFunc("PATCH /api/me", h.UpdateMe)
	mux.HandleFunc("PUT /api/me/avatar", h.UploadAvatar)

	mux.HandleFunc("GET /api/notes", h.ListNotes)
	mux.HandleFunc("POST /api/notes", h.CreateNote)
	mux.HandleFunc("GET /api/notes/{id}", h.GetNote)
	mux.HandleFunc("GET /api/notes/{id}/html", h.GetNoteHTML)
	mux.HandleFunc("PUT /api/notes/{id}", h.UpdateNote)
	mux.HandleFunc("PATCH /api/notes/{id}/status", h.SetStatus)
	mux.HandleFunc("DELETE /api/notes/{id}", h.DeleteNote)
	mux.HandleFunc("GET /api/notes/{id}/editor", h.Editor)

	mux.HandleFunc("GET /api/dashboard", h.Dashboard)
	mux.HandleFunc("GET /api/stream", h.Stream)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		obs.Pkg("api").Debug("api.write_failed", "error", err)
	}
}

// writeError maps err onto a status and a client-safe message. Server-side
// failures are logged with their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("api.request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		obs.From(r.Context()).Debug("api.request_rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: errs.MessageOf(err), Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid request body", err)
	}
	return nil
}

func noteID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.InvalidArgument, "invalid note id")
	}
	return id, nil
}

func currentUser(r *http.Request) (string, error) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		return "", errs.Wrap(errs.Unauthenticated, "authentication required", notes.ErrAuthRequired)
	}
	return userID, nil
}
