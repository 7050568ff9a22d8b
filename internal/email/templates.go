package email

import (
	"bytes"
	"fmt"
	"html/template"
)

// Template names.
const (
	TemplateVerificationCode = "verification_code"
	TemplatePasswordReset    = "password_reset"
	TemplateWelcome          = "welcome"
)

// VerificationCodeData is sent after signup and on resend.
type VerificationCodeData struct {
	Code      string
	ExpiresIn string // e.g. "15 minutes"
}

// PasswordResetData carries a one-time reset link.
type PasswordResetData struct {
	Link      string
	ExpiresIn string
}

// WelcomeData greets a newly verified user.
type WelcomeData struct {
	Name string
}

const layout = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><meta name="viewport" content="width=device-width, initial-scale=1.0"><title>{{.Title}}</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; line-height: 1.6; color: #333; max-width: 560px; margin: 0 auto; padding: 20px;">
<div style="background: #1f6f5c; padding: 24px; border-radius: 10px 10px 0 0;"><h1 style="color: white; margin: 0; font-size: 22px;">catatan</h1></div>
<div style="background: #fff; padding: 24px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 10px 10px;">
{{template "body" .}}
<hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
<p style="color: #999; font-size: 12px;">This is an automated message from catatan. Please do not reply.</p>
</div>
</body>
</html>`

var bodies = map[string]string{
	TemplateVerificationCode: `{{define "body"}}<h2 style="margin-top: 0;">Confirm your email</h2>
<p>Enter this code to finish creating your account. It expires in <strong>{{.Data.ExpiresIn}}</strong>.</p>
<p style="font-size: 32px; letter-spacing: 8px; font-weight: 700; text-align: center;">{{.Data.Code}}</p>
<p style="color: #666; font-size: 14px;">If you did not sign up, ignore this email.</p>{{end}}`,

	TemplatePasswordReset: `{{define "body"}}<h2 style="margin-top: 0;">Reset your password</h2>
<p>Follow the link below to choose a new password. It expires in <strong>{{.Data.ExpiresIn}}</strong>.</p>
<p style="text-align: center; margin: 28px 0;"><a href="{{.Data.Link}}" style="background: #1f6f5c; color: white; padding: 12px 28px; text-decoration: none; border-radius: 6px; font-weight: 600;">Reset password</a></p>
<p style="color: #666; font-size: 14px;">If you did not ask for this, your password stays unchanged.</p>{{end}}`,

	TemplateWelcome: `{{define "body"}}<h2 style="margin-top: 0;">Welcome, {{.Data.Name}}!</h2>
<p>Your account is ready. Notes you write are saved as you type and show up on every device you are signed in on.</p>{{end}}`,
}

var subjects = map[string]string{
	TemplateVerificationCode: "Your catatan verification code",
	TemplatePasswordReset:    "Reset your catatan password",
	TemplateWelcome:          "Welcome to catatan",
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(bodies))
	for name, body := range bodies {
		t := template.Must(template.New(name).Parse(layout))
		out[name] = template.Must(t.Parse(body))
	}
	return out
}()

// Render returns the subject and HTML body for a template.
func Render(name string, data any) (subject, html string, err error) {
	t, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, struct {
		Title string
		Data  any
	}{subjects[name], data}); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	return subjects[name], buf.String(), nil
}
