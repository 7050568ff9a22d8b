// Package email sends catatan's transactional mail: signup verification
// codes, password reset links and the welcome message.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/catatan/internal/logutil"
	"github.com/kuitang/catatan/internal/obs"
)

// EmailService sends a templated email.
type EmailService interface {
	Send(ctx context.Context, to, templateName string, data any) error
}

// SentEmail is a captured email.
type SentEmail struct {
	To       string
	Template string
	Data     any
}

// MockEmailService captures emails instead of sending them. It logs each
// one and, when MOCK_EMAIL_OUTBOX_DIR is set, also writes it there as JSON
// so browser tests can read codes and links.
type MockEmailService struct {
	mu        sync.Mutex
	Emails    []SentEmail
	outboxDir string
	seq       uint64
}

// NewMockEmailService creates a mock sender.
func NewMockEmailService() *MockEmailService {
	m := &MockEmailService{}
	if dir := os.Getenv("MOCK_EMAIL_OUTBOX_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			obs.Pkg("email").Warn("email.outbox_unavailable", "dir", dir, "error", err)
		} else {
			m.outboxDir = dir
		}
	}
	return m
}

// Send records the email.
func (m *MockEmailService) Send(ctx context.Context, to, templateName string, data any) error {
	if _, _, err := Render(templateName, data); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = append(m.Emails, SentEmail{To: to, Template: templateName, Data: data})

	event := outboxEvent{To: to, Template: templateName, SentAtUnixNano: time.Now().UnixNano()}
	switch d := data.(type) {
	case VerificationCodeData:
		event.Code, event.ExpiresIn = d.Code, d.ExpiresIn
	case PasswordResetData:
		event.Link, event.ExpiresIn = d.Link, d.ExpiresIn
	case WelcomeData:
		event.Name = d.Name
	}
	// Codes and links are printed in dev so the flows can be completed by hand.
	obs.From(ctx).Info("email.mock_sent",
		"to", logutil.MaskEmail(to),
		"template", templateName,
		"dev_code", event.Code,
		"dev_link", event.Link,
	)
	return m.writeOutboxLocked(event)
}

// LastEmail returns the most recent email, or the zero value.
func (m *MockEmailService) LastEmail() SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Emails) == 0 {
		return SentEmail{}
	}
	return m.Emails[len(m.Emails)-1]
}

// LastTo returns the most recent email sent to addr with the given template.
func (m *MockEmailService) LastTo(addr, templateName string) (SentEmail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Emails) - 1; i >= 0; i-- {
		if e := m.Emails[i]; e.To == addr && e.Template == templateName {
			return e, true
		}
	}
	return SentEmail{}, false
}

// Clear drops every captured email.
func (m *MockEmailService) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = nil
}

// Count returns the number of captured emails.
func (m *MockEmailService) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Emails)
}

type outboxEvent struct {
	Sequence       uint64 `json:"sequence"`
	To             string `json:"to"`
	Template       string `json:"template"`
	Code           string `json:"code,omitempty"`
	Link           string `json:"link,omitempty"`
	ExpiresIn      string `json:"expires_in,omitempty"`
	Name           string `json:"name,omitempty"`
	SentAtUnixNano int64  `json:"sent_at_unix_nano"`
}

func (m *MockEmailService) writeOutboxLocked(event outboxEvent) error {
	if m.outboxDir == "" {
		return nil
	}
	m.seq++
	event.Sequence = m.seq

	name := fmt.Sprintf("%020d-%s-%s.json", event.Sequence, sanitize(event.Template), sanitize(event.To))
	final := filepath.Join(m.outboxDir, name)
	tmp := final + ".tmp"

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write outbox file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename outbox file: %w", err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._@-]+`)

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return unsafeChars.ReplaceAllString(s, "_")
}
