package auth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/catatan/internal/email"
	"github.com/kuitang/catatan/internal/testdb"
)

type authFixture struct {
	users    *UserService
	sessions *SessionService
	mail     *email.MockEmailService
	clock    *FakeClock
}

func newFixture(tb testing.TB) *authFixture {
	tb.Helper()
	d := testdb.New(tb)
	clock := NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	mail := email.NewMockEmailService()

	users := NewUserService(d, mail, "https://catatan.test", FakeInsecureHasher{})
	users.SetClock(clock)
	sessions := NewSessionService(d, time.Hour, false)
	sessions.SetClock(clock)
	return &authFixture{users: users, sessions: sessions, mail: mail, clock: clock}
}

func (f *authFixture) lastCode(tb testing.TB, addr string) string {
	tb.Helper()
	sent, ok := f.mail.LastTo(addr, email.TemplateVerificationCode)
	require.True(tb, ok, "no verification email to %s", addr)
	data, ok := sent.Data.(email.VerificationCodeData)
	require.True(tb, ok, "unexpected data %T", sent.Data)
	return data.Code
}

func (f *authFixture) lastResetToken(tb testing.TB, addr string) string {
	tb.Helper()
	sent, ok := f.mail.LastTo(addr, email.TemplatePasswordReset)
	require.True(tb, ok, "no reset email to %s", addr)
	data, ok := sent.Data.(email.PasswordResetData)
	require.True(tb, ok, "unexpected data %T", sent.Data)
	u, err := url.Parse(data.Link)
	require.NoError(tb, err)
	return u.Query().Get("token")
}

// verifiedUser registers and verifies addr with password.
func (f *authFixture) verifiedUser(tb testing.TB, addr, password string) *User {
	tb.Helper()
	ctx := context.Background()
	_, err := f.users.Register(ctx, addr, password, "")
	require.NoError(tb, err)
	u, err := f.users.VerifyEmail(ctx, addr, f.lastCode(tb, addr))
	require.NoError(tb, err)
	return u
}
