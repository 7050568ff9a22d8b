package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kuitang/catatan/internal/db"
	"github.com/kuitang/catatan/internal/email"
	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/logutil"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/urlutil"
)

// Errors. Each carries the code and message clients see.
var (
	ErrUserNotFound       = errs.New(errs.NotFound, "user not found")
	ErrInvalidCredentials = errs.New(errs.Unauthenticated, "invalid email or password")
	ErrAccountExists      = errs.New(errs.AlreadyExists, "an account with this email already exists")
	ErrWeakPassword       = errs.New(errs.InvalidArgument, fmt.Sprintf("password must be %d to %d characters", MinPasswordLength, MaxPasswordLength))
	ErrInvalidEmail       = errs.New(errs.InvalidArgument, "invalid email address")
	ErrInvalidToken       = errs.New(errs.InvalidArgument, "invalid or expired code")
	ErrEmailNotVerified   = errs.New(errs.PermissionDenied, "email not verified")
	ErrInvalidName        = errs.New(errs.InvalidArgument, fmt.Sprintf("full name must be %d to %d characters", MinNameLength, MaxNameLength))
)

const (
	VerificationCodeExpiry = 15 * time.Minute
	PasswordResetExpiry    = time.Hour
	verificationCodeDigits = 6

	MinNameLength = 2
	MaxNameLength = 100

	purposeVerify = "verify"
	purposeReset  = "reset"
)

// User is an account.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	AvatarURL     string    `json:"avatar_url"`
	GoogleSub     string    `json:"-"`
	EmailVerified bool      `json:"email_verified"`
	HasPassword   bool      `json:"has_password"`
	CreatedAt     time.Time `json:"created_at"`
}

// DisplayName is the full name, else the email's local part, else "User".
func (u *User) DisplayName() string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
		return local
	}
	return "User"
}

// UserService manages accounts, email verification, password reset and
// profiles.
type UserService struct {
	db      *db.DB
	email   email.EmailService
	baseURL string
	hasher  PasswordHasher
	clock   Clock
	avatars AvatarStore
}

// NewUserService creates a user service. baseURL prefixes links in emails.
func NewUserService(d *db.DB, emailSvc email.EmailService, baseURL string, hasher PasswordHasher) *UserService {
	if hasher == nil {
		hasher = Argon2Hasher{}
	}
	return &UserService{
		db:      d,
		email:   emailSvc,
		baseURL: baseURL,
		hasher:  hasher,
		clock:   realClock{},
	}
}

// SetClock replaces the clock. Intended for tests.
func (s *UserService) SetClock(c Clock) {
	s.clock = c
}

// SetAvatarStore enables avatar uploads.
func (s *UserService) SetAvatarStore(store AvatarStore) {
	s.avatars = store
}

const userColumns = `id, email, password_hash, full_name, avatar_url, google_sub, email_verified_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, string, error) {
	var u User
	var pw, sub sql.NullString
	var verified sql.NullInt64
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &pw, &u.FullName, &u.AvatarURL, &sub, &verified, &created); err != nil {
		return nil, "", err
	}
	u.HasPassword = pw.String != ""
	u.GoogleSub = sub.String
	u.EmailVerified = verified.Valid
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, pw.String, nil
}

// getBy loads a user by a unique column and also returns the password hash.
func (s *UserService) getBy(ctx context.Context, column, value string) (*User, string, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)
	u, hash, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get user by %s: %w", column, err)
	}
	return u, hash, nil
}

// Get returns the user with id.
func (s *UserService) Get(ctx context.Context, id string) (*User, error) {
	u, _, err := s.getBy(ctx, "id", id)
	return u, err
}

// GetByEmail returns the user registered under addr.
func (s *UserService) GetByEmail(ctx context.Context, addr string) (*User, error) {
	addr, err := NormalizeEmail(addr)
	if err != nil {
		return nil, err
	}
	u, _, err := s.getBy(ctx, "email", addr)
	return u, err
}

// NormalizeEmail lowercases and validates a bare address.
func NormalizeEmail(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", ErrInvalidEmail
	}
	return addr, nil
}

func validateFullName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < MinNameLength || n > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

// Register creates an unverified password account and emails a
// verification code. Registering again before verifying replaces the
// password and sends a fresh code.
func (s *UserService) Register(ctx context.Context, emailAddr, password, fullName string) (*User, error) {
	addr, err := NormalizeEmail(emailAddr)
	if err != nil {
		return nil, err
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fullName) != "" {
		if fullName, err = validateFullName(fullName); err != nil {
			return nil, err
		}
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	existing, _, err := s.getBy(ctx, "email", addr)
	switch {
	case err == nil && existing.EmailVerified:
		return nil, ErrAccountExists
	case err == nil:
		if _, err := s.db.SQL().ExecContext(ctx,
			`UPDATE users SET password_hash = ?, full_name = ? WHERE id = ?`,
			hash, fullName, existing.ID); err != nil {
			return nil, fmt.Errorf("update pending account: %w", err)
		}
	case errors.Is(err, ErrUserNotFound):
		_, err := s.db.SQL().ExecContext(ctx,
			`INSERT INTO users (id, email, password_hash, full_name, created_at) VALUES (?, ?, ?, ?, ?)`,
			newUserID(), addr, hash, fullName, s.clock.Now().UnixMilli())
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		if err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
	default:
		return nil, err
	}

	u, _, err := s.getBy(ctx, "email", addr)
	if err != nil {
		return nil, err
	}
	if err := s.sendVerificationCode(ctx, u); err != nil {
		return nil, err
	}
	obs.From(ctx).Info("auth.registered", "user_id", u.ID, "email", logutil.MaskEmail(addr))
	return u, nil
}

func (s *UserService) sendVerificationCode(ctx context.Context, u *User) error {
	code, err := generateNumericCode(verificationCodeDigits)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	now := s.clock.Now()
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM email_tokens WHERE email = ? AND purpose = ?`, u.Email, purposeVerify); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO email_tokens (token_hash, purpose, email, user_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			verificationHash(u.Email, code), purposeVerify, u.Email, u.ID,
			now.Add(VerificationCodeExpiry).UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("store verification code: %w", err)
	}
	return s.email.Send(ctx, u.Email, email.TemplateVerificationCode, email.VerificationCodeData{
		Code:      code,
		ExpiresIn: "15 minutes",
	})
}

// VerifyEmail consumes a signup code and marks the address verified.
func (s *UserService) VerifyEmail(ctx context.Context, emailAddr, code string) (*User, error) {
	addr, err := NormalizeEmail(emailAddr)
	if err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := s.lookupToken(ctx, verificationHash(addr, strings.TrimSpace(code)), purposeVerify)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?) WHERE id = ?`, now, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM email_tokens WHERE email = ? AND purpose = ?`, addr, purposeVerify)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}

	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.email.Send(ctx, u.Email, email.TemplateWelcome, email.WelcomeData{Name: u.DisplayName()}); err != nil {
		obs.From(ctx).Warn("auth.welcome_email_failed", "user_id", u.ID, "error", err)
	}
	return u, nil
}

// ResendVerification sends a fresh code to an unverified account. Unknown
// or already verified addresses are silently ignored.
func (s *UserService) ResendVerification(ctx context.Context, emailAddr string) error {
	u, err := s.GetByEmail(ctx, emailAddr)
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidEmail) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	return s.sendVerificationCode(ctx, u)
}

// lookupToken returns the user an unexpired email token belongs to.
// Expired tokens are deleted.
func (s *UserService) lookupToken(ctx context.Context, tokenHash, purpose string) (string, error) {
	var userID string
	var expiresAt int64
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM email_tokens WHERE token_hash = ? AND purpose = ?`,
		tokenHash, purpose).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("get email token: %w", err)
	}
	if expiresAt <= s.clock.Now().UnixMilli() {
		_, _ = s.db.SQL().ExecContext(ctx, `DELETE FROM email_tokens WHERE token_hash = ?`, tokenHash)
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Login checks email and password. A correct password on an unverified
// account yields ErrEmailNotVerified.
func (s *UserService) Login(ctx context.Context, emailAddr, password string) (*User, error) {
	addr, err := NormalizeEmail(emailAddr)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, hash, err := s.getBy(ctx, "email", addr)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if hash == "" || !s.hasher.VerifyPassword(password, hash) {
		return nil, ErrInvalidCredentials
	}
	if !u.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	return u, nil
}

// RequestPasswordReset emails a reset link if the account exists. It never
// reveals whether it does.
func (s *UserService) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	u, err := s.GetByEmail(ctx, emailAddr)
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidEmail) {
		return nil
	}
	if err != nil {
		return err
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	now := s.clock.Now()
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO email_tokens (token_hash, purpose, email, user_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		hashToken(token), purposeReset, u.Email, u.ID, now.Add(PasswordResetExpiry).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	return s.email.Send(ctx, u.Email, email.TemplatePasswordReset, email.PasswordResetData{
		Link:      urlutil.BuildAbsolute(s.baseURL, "/reset-password?token="+token),
		ExpiresIn: "1 hour",
	})
}

// ConfirmPasswordReset consumes a reset token, sets the new password and
// signs the user out everywhere. Completing a reset also proves ownership
// of the address.
func (s *UserService) ConfirmPasswordReset(ctx context.Context, token, newPassword string) (*User, error) {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return nil, err
	}
	userID, err := s.lookupToken(ctx, hashToken(token), purposeReset)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UnixMilli()
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []struct {
			q    string
			args []any
		}{
			{`UPDATE users SET password_hash = ?, email_verified_at = COALESCE(email_verified_at, ?) WHERE id = ?`, []any{hash, now, userID}},
			{`DELETE FROM email_tokens WHERE user_id = ? AND purpose = ?`, []any{userID, purposeReset}},
			{`DELETE FROM sessions WHERE user_id = ?`, []any{userID}},
		} {
			if _, err := tx.ExecContext(ctx, stmt.q, stmt.args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset password: %w", err)
	}
	obs.From(ctx).Info("auth.password_reset", "user_id", userID)
	return s.Get(ctx, userID)
}

// SignInWithGoogle finds or creates the account for verified OIDC claims.
// A known subject signs straight in; otherwise an account with the same
// verified email is linked, or a new one is created.
func (s *UserService) SignInWithGoogle(ctx context.Context, claims *Claims) (*User, error) {
	if claims == nil || claims.Sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrCodeExchangeFailed)
	}
	if u, _, err := s.getBy(ctx, "google_sub", claims.Sub); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	addr, err := NormalizeEmail(claims.Email)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	existing, _, err := s.getBy(ctx, "email", addr)
	switch {
	case err == nil:
		_, err = s.db.SQL().ExecContext(ctx, `
			UPDATE users SET
				google_sub = ?,
				email_verified_at = COALESCE(email_verified_at, ?),
				full_name = CASE WHEN full_name = '' THEN ? ELSE full_name END
			WHERE id = ?`,
			claims.Sub, now, strings.TrimSpace(claims.Name), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("link google account: %w", err)
		}
		obs.From(ctx).Info("auth.google_linked", "user_id", existing.ID)
		return s.Get(ctx, existing.ID)
	case errors.Is(err, ErrUserNotFound):
		id := newUserID()
		_, err = s.db.SQL().ExecContext(ctx,
			`INSERT INTO users (id, email, full_name, google_sub, email_verified_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, addr, strings.TrimSpace(claims.Name), claims.Sub, now, now)
		if err != nil {
			return nil, fmt.Errorf("create google account: %w", err)
		}
		return s.Get(ctx, id)
	default:
		return nil, err
	}
}

// ProfileUpdate holds the profile fields to change. Nil leaves a field alone.
type ProfileUpdate struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
}

// UpdateProfile changes the full name and/or selects a preset avatar.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) (*User, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.FullName != nil {
		if u.FullName, err = validateFullName(*p.FullName); err != nil {
			return nil, err
		}
	}
	previous := u.AvatarURL
	if p.AvatarURL != nil {
		if !IsPresetAvatar(*p.AvatarURL) {
			return nil, ErrInvalidAvatar
		}
		u.AvatarURL = *p.AvatarURL
	}
	if _, err := s.db.SQL().ExecContext(ctx,
		`UPDATE users SET full_name = ?, avatar_url = ? WHERE id = ?`, u.FullName, u.AvatarURL, userID); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if previous != u.AvatarURL {
		s.dropUploadedAvatar(ctx, previous)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func newUserID() string {
	return "user-" + uuid.NewString()
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateNumericCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for range digits {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// verificationHash scopes a short code to its address so codes can repeat
// across users.
func verificationHash(addr, code string) string {
	return hashToken(purposeVerify + ":" + addr + ":" + code)
}
