package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/logutil"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/urlutil"
)

const (
	stateCookieName = "oauth_state"
	stateCookieAge  = 600
	maxAuthBody     = 64 << 10

	// AfterSignInPath is where the browser lands after Google sign-in.
	AfterSignInPath = "/dashboard"
	callbackPath    = "/auth/google/callback"
)

// callbackOriginSetter is implemented by providers that redirect back to
// whichever host the sign-in started from.
type callbackOriginSetter interface {
	SetCallbackOrigin(state, origin string)
}

// Handler serves the /auth routes.
type Handler struct {
	oidc        OIDCClient
	users       *UserService
	sessions    *SessionService
	baseURL     string
	redirectURL string
}

// NewHandler creates the auth handler. redirectURL is the fixed OIDC
// callback; when empty it is derived from each request's origin.
func NewHandler(oidc OIDCClient, users *UserService, sessions *SessionService, baseURL, redirectURL string) *Handler {
	return &Handler{
		oidc:        oidc,
		users:       users,
		sessions:    sessions,
		baseURL:     baseURL,
		redirectURL: redirectURL,
	}
}

// RegisterRoutes mounts every auth route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.HandleRegister)
	mux.HandleFunc("POST /auth/verify", h.HandleVerify)
	mux.HandleFunc("POST /auth/verify/resend", h.HandleResendVerification)
	mux.HandleFunc("POST /auth/login", h.HandleLogin)
	mux.HandleFunc("POST /auth/logout", h.HandleLogout)
	mux.HandleFunc("POST /auth/password-reset", h.HandlePasswordResetRequest)
	mux.HandleFunc("POST /auth/password-reset/confirm", h.HandlePasswordResetConfirm)
	if h.oidc != nil {
		mux.HandleFunc("GET /auth/google/login", h.HandleGoogleLogin)
		mux.HandleFunc("GET "+callbackPath, h.HandleGoogleCallback)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid request body", err)
	}
	return nil
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// HandleRegister creates an unverified account and emails a code.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.Register(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u, "verification_required": true})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// HandleVerify checks the emailed code and signs the user in.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.VerifyEmail(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.startSession(w, r, u)
}

type emailRequest struct {
	Email string `json:"email"`
}

// HandleResendVerification sends a new code. It answers 202 regardless of
// whether the address is known.
func (h *Handler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.users.ResendVerification(r.Context(), req.Email); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleLogin signs in with email and password.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.From(r.Context()).Info("auth.login_failed", "email", logutil.MaskEmail(req.Email), "code", errs.CodeOf(err))
		writeError(w, r, err)
		return
	}
	h.startSession(w, r, u)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, u *User) {
	token, err := h.sessions.Create(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.sessions.SetCookie(w, token)
	obs.From(r.Context()).Info("auth.session_started", "user_id", u.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

// HandleLogout deletes the current session and clears the cookie.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token, err := GetFromRequest(r); err == nil {
		if err := h.sessions.Delete(r.Context(), token); err != nil {
			writeError(w, r, err)
			return
		}
	}
	h.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandlePasswordResetRequest emails a reset link. Always 202.
func (h *Handler) HandlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.users.RequestPasswordReset(r.Context(), req.Email); err != nil {
		obs.From(r.Context()).Error("auth.password_reset_request_failed", "email", logutil.MaskEmail(req.Email), "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// HandlePasswordResetConfirm sets a new password and revokes every session.
func (h *Handler) HandlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.ConfirmPasswordReset(r.Context(), req.Token, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.sessions.ClearCookie(w)
	obs.From(r.Context()).Info("auth.password_reset", "user_id", u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) callbackURL(r *http.Request) string {
	if h.redirectURL != "" {
		return h.redirectURL
	}
	return urlutil.OriginFromRequest(r, h.baseURL) + callbackPath
}

// HandleGoogleLogin redirects to the provider with a fresh state cookie.
func (h *Handler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateSecureToken(32)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.sessions.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   stateCookieAge,
	})
	if setter, ok := h.oidc.(callbackOriginSetter); ok {
		setter.SetCallbackOrigin(state, urlutil.OriginFromRequest(r, h.baseURL))
	}
	http.Redirect(w, r, h.oidc.GetAuthURL(state, h.callbackURL(r)), http.StatusFound)
}

// HandleGoogleCallback finishes sign-in and lands on the dashboard.
func (h *Handler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || r.URL.Query().Get("state") != cookie.Value {
		writeError(w, r, ErrInvalidState)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.sessions.secure,
		MaxAge:   -1,
	})

	if reason := r.URL.Query().Get("error"); reason != "" {
		writeError(w, r, errs.Newf(errs.Unauthenticated, "sign-in cancelled: %s", reason))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, errs.New(errs.InvalidArgument, "missing authorization code"))
		return
	}

	claims, err := h.oidc.ExchangeCode(r.Context(), code, h.callbackURL(r))
	if err != nil {
		obs.From(r.Context()).Warn("auth.google_exchange_failed", "error", err)
		writeError(w, r, errs.Wrap(errs.Unauthenticated, "sign-in failed", err))
		return
	}
	u, err := h.users.SignInWithGoogle(r.Context(), claims)
	if err != nil {
		if errors.Is(err, ErrCodeExchangeFailed) {
			err = errs.Wrap(errs.Unauthenticated, "sign-in failed", err)
		}
		writeError(w, r, err)
		return
	}

	token, err := h.sessions.Create(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.sessions.SetCookie(w, token)
	obs.From(r.Context()).Info("auth.google_signed_in", "user_id", u.ID)
	http.Redirect(w, r, AfterSignInPath, http.StatusFound)
}
