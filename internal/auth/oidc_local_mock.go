package auth

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/urlutil"
)

// MockCodeExpiry bounds how long a mock authorization code stays redeemable.
const MockCodeExpiry = 10 * time.Minute

// LocalMockOIDCProvider stands in for Google when --no-oidc is set. It
// serves a local consent page where the developer types the email to sign
// in as, then redirects to the regular callback.
type LocalMockOIDCProvider struct {
	baseURL string
	clock   Clock

	mu              sync.Mutex
	callbackOrigins map[string]string
	codes           map[string]pendingCode
}

type pendingCode struct {
	email     string
	name      string
	createdAt time.Time
}

// NewLocalMockOIDCProvider creates a mock provider whose pages live under baseURL.
func NewLocalMockOIDCProvider(baseURL string) *LocalMockOIDCProvider {
	return &LocalMockOIDCProvider{
		baseURL:         strings.TrimRight(baseURL, "/"),
		clock:           realClock{},
		callbackOrigins: make(map[string]string),
		codes:           make(map[string]pendingCode),
	}
}

// SetBaseURL updates the base URL for setups that learn it late.
func (p *LocalMockOIDCProvider) SetBaseURL(baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseURL = strings.TrimRight(baseURL, "/")
}

// SetClock replaces the clock. Intended for tests.
func (p *LocalMockOIDCProvider) SetClock(c Clock) {
	p.clock = c
}

// SetCallbackOrigin remembers the origin a sign-in started from so the
// consent redirect returns to the same host.
func (p *LocalMockOIDCProvider) SetCallbackOrigin(state, origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbackOrigins[strings.TrimSpace(state)] = strings.TrimRight(strings.TrimSpace(origin), "/")
}

// GetAuthURL returns the local consent page URL.
func (p *LocalMockOIDCProvider) GetAuthURL(state, _ string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s/auth/mock-oidc/authorize?state=%s", p.baseURL, url.QueryEscape(state))
}

// ExchangeCode redeems a code issued by the consent page. Codes are single use.
func (p *LocalMockOIDCProvider) ExchangeCode(_ context.Context, code, _ string) (*Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.codes[code]
	if !ok {
		return nil, ErrCodeExchangeFailed
	}
	delete(p.codes, code)
	if p.clock.Now().Sub(pending.createdAt) > MockCodeExpiry {
		return nil, ErrCodeExchangeFailed
	}

	name := pending.name
	if name == "" {
		name = "Pengguna Uji"
	}
	return &Claims{
		Sub:           "mock-" + pending.email,
		Email:         pending.email,
		Name:          name,
		EmailVerified: true,
	}, nil
}

// RegisterRoutes mounts the consent page.
func (p *LocalMockOIDCProvider) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/mock-oidc/authorize", p.handleAuthorize)
	mux.HandleFunc("POST /auth/mock-oidc/authorize", p.handleConsent)
}

var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="id"><head><meta charset="utf-8"><title>Masuk dengan Google (tiruan)</title>
<style>
body { font-family: system-ui; max-width: 400px; margin: 80px auto; padding: 0 20px; }
.note { background: #fff3cd; border: 1px solid #ffc107; border-radius: 8px; padding: 12px; margin: 16px 0; font-size: 0.9em; }
input { width: 100%; padding: 10px; border: 1px solid #ccc; border-radius: 6px; box-sizing: border-box; margin-bottom: 12px; }
button { width: 100%; padding: 10px; background: #4285F4; color: white; border: none; border-radius: 6px; cursor: pointer; }
</style></head>
<body>
<h1>Masuk dengan Google</h1>
<div class="note">Ini penyedia tiruan untuk pengembangan lokal.</div>
<form method="POST" action="/auth/mock-oidc/authorize">
<input type="hidden" name="state" value="{{.State}}">
<label for="email">Masuk sebagai</label>
<input type="email" id="email" name="email" value="test@example.com" required autofocus>
<label for="name">Nama</label>
<input type="text" id="name" name="name" value="Pengguna Uji">
<button type="submit">Masuk</button>
</form>
</body></html>`))

func (p *LocalMockOIDCProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentPage.Execute(w, struct{ State string }{state}); err != nil {
		obs.From(r.Context()).Error("auth.mock_consent_render_failed", "error", err)
	}
}

func (p *LocalMockOIDCProvider) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	state := r.FormValue("state")
	email := strings.TrimSpace(r.FormValue("email"))
	if state == "" || email == "" {
		http.Error(w, "missing state or email", http.StatusBadRequest)
		return
	}

	code, err := generateSecureToken(32)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	p.codes[code] = pendingCode{
		email:     email,
		name:      strings.TrimSpace(r.FormValue("name")),
		createdAt: p.clock.Now(),
	}
	base := p.callbackOrigins[state]
	delete(p.callbackOrigins, state)
	fallback := p.baseURL
	p.mu.Unlock()

	if base == "" {
		base = urlutil.OriginFromRequest(r, fallback)
	}
	callback := fmt.Sprintf("%s/auth/google/callback?code=%s&state=%s",
		base, url.QueryEscape(code), url.QueryEscape(state))
	http.Redirect(w, r, callback, http.StatusFound)
}
