package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/catatan/internal/email"
	"github.com/kuitang/catatan/internal/errs"
)

func TestRegisterRequiresVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.users.Register(ctx, "  Ani@Example.com ", "rahasia123", "Ani Lestari")
	require.NoError(t, err)
	require.Equal(t, "ani@example.com", u.Email)
	require.False(t, u.EmailVerified)
	require.True(t, u.HasPassword)

	_, err = f.users.Login(ctx, "ani@example.com", "rahasia123")
	require.ErrorIs(t, err, ErrEmailNotVerified)
	require.Equal(t, errs.PermissionDenied, errs.CodeOf(err))

	code := f.lastCode(t, "ani@example.com")
	require.Len(t, code, 6)

	_, err = f.users.VerifyEmail(ctx, "ani@example.com", "000000x")
	require.ErrorIs(t, err, ErrInvalidToken)

	verified, err := f.users.VerifyEmail(ctx, "ANI@example.com", code)
	require.NoError(t, err)
	require.True(t, verified.EmailVerified)

	_, ok := f.mail.LastTo("ani@example.com", email.TemplateWelcome)
	require.True(t, ok)

	// Codes are single use.
	_, err = f.users.VerifyEmail(ctx, "ani@example.com", code)
	require.ErrorIs(t, err, ErrInvalidToken)

	logged, err := f.users.Login(ctx, "ani@example.com", "rahasia123")
	require.NoError(t, err)
	require.Equal(t, u.ID, logged.ID)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, "not-an-email", "rahasia123", "")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.users.Register(ctx, "a@example.com", "short", "")
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = f.users.Register(ctx, "a@example.com", "rahasia123", "A")
	require.ErrorIs(t, err, ErrInvalidName)

	require.Zero(t, f.mail.Count())
}

func TestRegisterExistingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, "budi@example.com", "first-pass", "")
	require.NoError(t, err)
	first := f.lastCode(t, "budi@example.com")

	// Re-registering an unverified address replaces the pending password.
	_, err = f.users.Register(ctx, "budi@example.com", "second-pass", "")
	require.NoError(t, err)
	second := f.lastCode(t, "budi@example.com")
	if first != second {
		_, err = f.users.VerifyEmail(ctx, "budi@example.com", first)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
	_, err = f.users.VerifyEmail(ctx, "budi@example.com", second)
	require.NoError(t, err)

	_, err = f.users.Login(ctx, "budi@example.com", "first-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.users.Login(ctx, "budi@example.com", "second-pass")
	require.NoError(t, err)

	_, err = f.users.Register(ctx, "budi@example.com", "third-pass", "")
	require.ErrorIs(t, err, ErrAccountExists)
	require.Equal(t, errs.AlreadyExists, errs.CodeOf(err))
}

func TestVerificationCodeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, "citra@example.com", "rahasia123", "")
	require.NoError(t, err)
	code := f.lastCode(t, "citra@example.com")

	f.clock.Advance(VerificationCodeExpiry + time.Second)
	_, err = f.users.VerifyEmail(ctx, "citra@example.com", code)
	require.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, f.users.ResendVerification(ctx, "citra@example.com"))
	_, err = f.users.VerifyEmail(ctx, "citra@example.com", f.lastCode(t, "citra@example.com"))
	require.NoError(t, err)
}

func TestResendVerificationIgnoresUnknownAndVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.ResendVerification(ctx, "nobody@example.com"))
	require.NoError(t, f.users.ResendVerification(ctx, "garbage"))
	require.Zero(t, f.mail.Count())

	f.verifiedUser(t, "dewi@example.com", "rahasia123")
	before := f.mail.Count()
	require.NoError(t, f.users.ResendVerification(ctx, "dewi@example.com"))
	require.Equal(t, before, f.mail.Count())
}

func TestLoginRejectsWrongPasswordAndUnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedUser(t, "eko@example.com", "rahasia123")

	_, err := f.users.Login(ctx, "eko@example.com", "salah12345")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.users.Login(ctx, "unknown@example.com", "rahasia123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verifiedUser(t, "fajar@example.com", "rahasia123")

	session, err := f.sessions.Create(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, f.users.RequestPasswordReset(ctx, "fajar@example.com"))
	token := f.lastResetToken(t, "fajar@example.com")
	require.NotEmpty(t, token)

	_, err = f.users.ConfirmPasswordReset(ctx, token, "short")
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = f.users.ConfirmPasswordReset(ctx, token, "baru-sekali-123")
	require.NoError(t, err)

	_, err = f.sessions.Validate(ctx, session)
	require.ErrorIs(t, err, ErrSessionNotFound, "reset revokes sessions")

	_, err = f.users.Login(ctx, "fajar@example.com", "rahasia123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.users.Login(ctx, "fajar@example.com", "baru-sekali-123")
	require.NoError(t, err)

	_, err = f.users.ConfirmPasswordReset(ctx, token, "lagi-lagi-123")
	require.ErrorIs(t, err, ErrInvalidToken, "reset tokens are single use")
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.RequestPasswordReset(context.Background(), "ghost@example.com"))
	require.Zero(t, f.mail.Count())
}

func TestPasswordResetTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedUser(t, "gita@example.com", "rahasia123")

	require.NoError(t, f.users.RequestPasswordReset(ctx, "gita@example.com"))
	token := f.lastResetToken(t, "gita@example.com")

	f.clock.Advance(PasswordResetExpiry + time.Second)
	_, err := f.users.ConfirmPasswordReset(ctx, token, "baru-sekali-123")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignInWithGoogle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.users.SignInWithGoogle(ctx, &Claims{
		Sub: "g-1", Email: "Hana@Example.com", Name: "Hana", EmailVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, "hana@example.com", created.Email)
	require.Equal(t, "Hana", created.FullName)
	require.True(t, created.EmailVerified)
	require.False(t, created.HasPassword)

	again, err := f.users.SignInWithGoogle(ctx, &Claims{Sub: "g-1", Email: "changed@example.com", EmailVerified: true})
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID, "subject match wins over email")

	_, err = f.users.SignInWithGoogle(ctx, &Claims{Sub: "g-2", Email: "x@example.com"})
	require.ErrorIs(t, err, ErrEmailNotVerified)
}

func TestSignInWithGoogleLinksPasswordAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A pending password signup is verified by a Google sign-in for the same address.
	pending, err := f.users.Register(ctx, "indah@example.com", "rahasia123", "Indah")
	require.NoError(t, err)

	linked, err := f.users.SignInWithGoogle(ctx, &Claims{
		Sub: "g-3", Email: "indah@example.com", Name: "Someone Else", EmailVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, pending.ID, linked.ID)
	require.True(t, linked.EmailVerified)
	require.Equal(t, "Indah", linked.FullName, "existing name is kept")

	_, err = f.users.Login(ctx, "indah@example.com", "rahasia123")
	require.NoError(t, err)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verifiedUser(t, "joko@example.com", "rahasia123")

	name := "  Joko Widodo "
	avatar := PresetAvatars[2]
	updated, err := f.users.UpdateProfile(ctx, u.ID, ProfileUpdate{FullName: &name, AvatarURL: &avatar})
	require.NoError(t, err)
	require.Equal(t, "Joko Widodo", updated.FullName)
	require.Equal(t, avatar, updated.AvatarURL)

	bad := "https://evil.example/x.png"
	_, err = f.users.UpdateProfile(ctx, u.ID, ProfileUpdate{AvatarURL: &bad})
	require.ErrorIs(t, err, ErrInvalidAvatar)

	short := "J"
	_, err = f.users.UpdateProfile(ctx, u.ID, ProfileUpdate{FullName: &short})
	require.ErrorIs(t, err, ErrInvalidName)

	got, err := f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "Joko Widodo", got.FullName)
	require.Equal(t, avatar, got.AvatarURL)
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "Kartika", (&User{FullName: " Kartika ", Email: "k@example.com"}).DisplayName())
	require.Equal(t, "kartika", (&User{Email: "kartika@example.com"}).DisplayName())
	require.Equal(t, "User", (&User{}).DisplayName())
}

func testNumericCode(t *rapid.T) {
	digits := rapid.IntRange(1, 10).Draw(t, "digits")
	code, err := generateNumericCode(digits)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != digits {
		t.Fatalf("code %q has %d digits, want %d", code, len(code), digits)
	}
	if strings.Trim(code, "0123456789") != "" {
		t.Fatalf("code %q is not numeric", code)
	}
}

func TestNumericCode(t *testing.T) {
	rapid.Check(t, testNumericCode)
}

func testNormalizeEmail(t *rapid.T) {
	local := rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9_]{0,10}(\.[a-zA-Z0-9]{1,5})?`).Draw(t, "local")
	domain := rapid.StringMatching(`[a-zA-Z]{2,10}\.(com|id|org)`).Draw(t, "domain")
	pad := rapid.StringMatching(` {0,3}`).Draw(t, "pad")

	got, err := NormalizeEmail(pad + local + "@" + domain + pad)
	if err != nil {
		t.Fatalf("normalize %q: %v", local+"@"+domain, err)
	}
	if got != strings.ToLower(local+"@"+domain) {
		t.Fatalf("got %q", got)
	}
	again, err := NormalizeEmail(got)
	if err != nil || again != got {
		t.Fatalf("normalize is not idempotent: %q -> %q (%v)", got, again, err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	rapid.Check(t, testNormalizeEmail)
}
