package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kuitang/catatan/internal/db"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

const (
	DefaultSessionDuration = 30 * 24 * time.Hour
	SessionIDLength        = 32 // bytes, 256 bits
	SessionCookieName      = "session_id"
)

// SessionService issues and validates login sessions. The cookie carries a
// random token; only its SHA-256 is stored.
type SessionService struct {
	db       *db.DB
	duration time.Duration
	secure   bool
	clock    Clock
}

// NewSessionService creates a session service. secure marks cookies HTTPS-only.
func NewSessionService(d *db.DB, duration time.Duration, secure bool) *SessionService {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	return &SessionService{db: d, duration: duration, secure: secure, clock: realClock{}}
}

// SetClock replaces the clock. Intended for tests.
func (s *SessionService) SetClock(c Clock) {
	s.clock = c
}

// Create starts a session for userID and returns the cookie token.
func (s *SessionService) Create(ctx context.Context, userID string) (string, error) {
	token, err := generateSecureToken(SessionIDLength)
	if err != nil {
		return "", fmt.Errorf("generate session ID: %w", err)
	}
	now := s.clock.Now()
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		hashToken(token), userID, now.Add(s.duration).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// Validate returns the user owning token. Expired sessions are removed.
func (s *SessionService) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrSessionNotFound
	}
	var userID string
	var expiresAt int64
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE session_id = ?`, hashToken(token),
	).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	if expiresAt <= s.clock.Now().UnixMilli() {
		_ = s.Delete(ctx, token)
		return "", ErrSessionExpired
	}
	return userID, nil
}

// Delete ends one session (logout).
func (s *SessionService) Delete(ctx context.Context, token string) error {
	if _, err := s.db.SQL().ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, hashToken(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUserID ends every session of a user.
func (s *SessionService) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := s.db.SQL().ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

// Cleanup removes expired sessions and email tokens and reports how many
// rows went.
func (s *SessionService) Cleanup(ctx context.Context) (int64, error) {
	now := s.clock.Now().UnixMilli()
	var total int64
	for _, q := range []string{
		`DELETE FROM sessions WHERE expires_at <= ?`,
		`DELETE FROM email_tokens WHERE expires_at <= ?`,
	} {
		res, err := s.db.SQL().ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// SetCookie writes the session cookie.
func (s *SessionService) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.duration.Seconds()),
	})
}

// ClearCookie expires the session cookie.
func (s *SessionService) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// GetFromRequest reads the session token from the request cookie.
func GetFromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if errors.Is(err, http.ErrNoCookie) || (err == nil && cookie.Value == "") {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
