package email

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRenderKnownTemplates(t *testing.T) {
	subject, html, err := Render(TemplateVerificationCode, VerificationCodeData{Code: "042517", ExpiresIn: "15 minutes"})
	require.NoError(t, err)
	require.Contains(t, subject, "verification code")
	require.Contains(t, html, "042517")
	require.Contains(t, html, "15 minutes")

	subject, html, err = Render(TemplatePasswordReset, PasswordResetData{Link: "https://catatan.test/reset-password?token=abc", ExpiresIn: "1 hour"})
	require.NoError(t, err)
	require.Contains(t, subject, "Reset")
	require.Contains(t, html, "https://catatan.test/reset-password?token=abc")

	_, html, err = Render(TemplateWelcome, WelcomeData{Name: "Sari"})
	require.NoError(t, err)
	require.Contains(t, html, "Welcome, Sari!")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, _, err := Render("magic_link", nil)
	require.Error(t, err)
}

func testRenderEscapesNames(t *rapid.T) {
	name := rapid.StringMatching(`[A-Za-z ]{0,10}<script>[a-z]{0,10}`).Draw(t, "name")
	_, html, err := Render(TemplateWelcome, WelcomeData{Name: name})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("name not escaped: %s", html)
	}
}

func TestRenderEscapesNames(t *testing.T) {
	rapid.Check(t, testRenderEscapesNames)
}

func TestMockEmailServiceCaptures(t *testing.T) {
	t.Setenv("MOCK_EMAIL_OUTBOX_DIR", t.TempDir())
	m := NewMockEmailService()
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, "a@example.com", TemplateVerificationCode, VerificationCodeData{Code: "111111", ExpiresIn: "15 minutes"}))
	require.NoError(t, m.Send(ctx, "b@example.com", TemplateWelcome, WelcomeData{Name: "B"}))
	require.NoError(t, m.Send(ctx, "a@example.com", TemplateVerificationCode, VerificationCodeData{Code: "222222", ExpiresIn: "15 minutes"}))
	require.Equal(t, 3, m.Count())

	got, ok := m.LastTo("a@example.com", TemplateVerificationCode)
	require.True(t, ok)
	require.Equal(t, "222222", got.Data.(VerificationCodeData).Code)
	require.Equal(t, "a@example.com", m.LastEmail().To)

	_, ok = m.LastTo("b@example.com", TemplatePasswordReset)
	require.False(t, ok)

	require.Error(t, m.Send(ctx, "a@example.com", "nope", nil))
	require.Equal(t, 3, m.Count())

	m.Clear()
	require.Zero(t, m.Count())
}
