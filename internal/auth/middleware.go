package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/obs"
)

type contextKey string

const userIDKey contextKey = "userID"

// Middleware resolves the session cookie into a user on the request context.
type Middleware struct {
	sessions *SessionService
}

// NewMiddleware creates auth middleware backed by sessions.
func NewMiddleware(sessions *SessionService) *Middleware {
	return &Middleware{sessions: sessions}
}

// RequireAuth rejects requests without a valid session with a JSON 401.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := m.resolve(r)
		if !ok {
			writeError(w, r, errs.New(errs.Unauthenticated, "authentication required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (m *Middleware) resolve(r *http.Request) (string, bool) {
	token, err := GetFromRequest(r)
	if err != nil {
		return "", false
	}
	userID, err := m.sessions.Validate(r.Context(), token)
	if err != nil {
		obs.From(r.Context()).Debug("auth.session_rejected", "error", err)
		return "", false
	}
	return userID, true
}

// WithUserID marks ctx as authenticated for userID, for logging as well.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return obs.WithUserID(ctx, userID)
}

// GetUserID returns the authenticated user, or "" if there is none.
func GetUserID(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// ContextSessions reads the user placed on the context by Middleware. It is
// the session provider the notes service consults on every call.
type ContextSessions struct{}

// CurrentUserID implements notes.SessionProvider.
func (ContextSessions) CurrentUserID(ctx context.Context) (string, bool) {
	userID := GetUserID(ctx)
	return userID, userID != ""
}

type errorBody struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("auth.request_failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: errs.MessageOf(err), Code: code})
}
