// Package delivery provides the outbound channels (email, SMS) that
// recipes use to hand login codes and links to users. Recipes depend on
// the interfaces here, not on a provider; swapping providers is a
// constructor change at wire-up.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v3"

	"github.com/authlink/authlink/pkg/slogx"
)

// LoginEmail is everything needed to deliver one passwordless login
// attempt by email. Either Code, MagicLink or both are set, depending on
// the flow the recipe is configured for.
type LoginEmail struct {
	To        string
	Code      string
	MagicLink string
	ExpiresIn time.Duration
}

// EmailSender delivers login emails.
type EmailSender interface {
	SendLoginEmail(ctx context.Context, email LoginEmail) error
}

// resendSender sends through the Resend API.
type resendSender struct {
	client    *resend.Client
	fromEmail string
	appName   string
}

// NewResendSender builds an EmailSender over the Resend API. fromEmail
// must live under a domain verified in the Resend dashboard.
func NewResendSender(apiKey, fromEmail, appName string) EmailSender {
	return &resendSender{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		appName:   appName,
	}
}

func (s *resendSender) SendLoginEmail(ctx context.Context, email LoginEmail) error {
	var body string
	switch {
	case email.Code != "" && email.MagicLink != "":
		body = fmt.Sprintf(
			`<p>Your login code is <strong style="font-size:20px;letter-spacing:2px;">%s</strong>,
or <a href="%s">click here</a> to log in directly.</p>`,
			email.Code, email.MagicLink)
	case email.MagicLink != "":
		body = fmt.Sprintf(`<p><a href="%s">Click here</a> to log in.</p>`, email.MagicLink)
	default:
		body = fmt.Sprintf(
			`<p>Your login code is <strong style="font-size:20px;letter-spacing:2px;">%s</strong>.</p>`,
			email.Code)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;font-family:Arial,Helvetica,sans-serif;color:#1f2937;">
  <h2 style="margin:0 0 16px 0;">%s</h2>
  %s
  <p style="color:#6b7280;font-size:13px;">
    This code expires in %d minutes. If you didn't request it, you can safely ignore this email.
  </p>
</body>
</html>`, s.appName, body, int(email.ExpiresIn.Minutes()))

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", s.appName, s.fromEmail),
		To:      []string{email.To},
		Subject: fmt.Sprintf("Login to %s", s.appName),
		Html:    html,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send login email: %w", err)
	}
	return nil
}

// logEmailSender writes the code to the log instead of sending anything.
// Meant for local development, where a real provider key is overkill.
type logEmailSender struct {
	log *slog.Logger
}

// NewLogEmailSender builds the development EmailSender.
func NewLogEmailSender(log *slog.Logger) EmailSender {
	if log == nil {
		log = slogx.New(slogx.Config{Service: "delivery"})
	}
	return &logEmailSender{log: log}
}

func (s *logEmailSender) SendLoginEmail(ctx context.Context, email LoginEmail) error {
	s.log.InfoContext(ctx, "login email (dev mode, not sent)",
		"to", email.To,
		"code", email.Code,
		"magic_link", email.MagicLink,
	)
	return nil
}
