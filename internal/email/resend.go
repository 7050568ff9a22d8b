package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/catatan/internal/logutil"
	"github.com/kuitang/catatan/internal/obs"
)

// ResendEmailService sends through the Resend API.
type ResendEmailService struct {
	client      *resend.Client
	fromAddress string
}

// NewResendEmailService creates a sender. fromAddress must be verified in Resend.
func NewResendEmailService(apiKey, fromAddress string) *ResendEmailService {
	return &ResendEmailService{
		client:      resend.NewClient(apiKey),
		fromAddress: fromAddress,
	}
}

// Send renders the template and sends it.
func (r *ResendEmailService) Send(ctx context.Context, to, templateName string, data any) error {
	subject, html, err := Render(templateName, data)
	if err != nil {
		return err
	}

	sent, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{to},
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("resend: send %s: %w", templateName, err)
	}
	obs.From(ctx).Debug("email.sent", "to", logutil.MaskEmail(to), "template", templateName, "resend_id", sent.Id)
	return nil
}
