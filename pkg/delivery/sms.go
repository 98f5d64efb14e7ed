package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/authlink/authlink/pkg/slogx"
)

// LoginSMS is one passwordless login attempt delivered by text message.
type LoginSMS struct {
	To        string // E.164 phone number
	Code      string
	MagicLink string
	ExpiresIn time.Duration
}

// SMSSender delivers login text messages.
type SMSSender interface {
	SendLoginSMS(ctx context.Context, sms LoginSMS) error
}

// webhookSMSSender posts the message to an operator-supplied webhook,
// which bridges to whatever SMS gateway the deployment uses.
type webhookSMSSender struct {
	url    string
	apiKey string
	client *http.Client
}

// NewWebhookSMSSender builds an SMSSender that POSTs each message as JSON
// to url. apiKey, when non-empty, is sent as a Bearer token.
func NewWebhookSMSSender(url, apiKey string, client *http.Client) SMSSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &webhookSMSSender{url: url, apiKey: apiKey, client: client}
}

func (s *webhookSMSSender) SendLoginSMS(ctx context.Context, sms LoginSMS) error {
	text := fmt.Sprintf("Your login code is %s. It expires in %d minutes.",
		sms.Code, int(sms.ExpiresIn.Minutes()))
	if sms.Code == "" {
		text = fmt.Sprintf("Log in here: %s", sms.MagicLink)
	}

	payload, err := json.Marshal(map[string]string{
		"to":      sms.To,
		"message": text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach sms webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// logSMSSender is the development stand-in; see NewLogEmailSender.
type logSMSSender struct {
	log *slog.Logger
}

// NewLogSMSSender builds the development SMSSender.
func NewLogSMSSender(log *slog.Logger) SMSSender {
	if log == nil {
		log = slogx.New(slogx.Config{Service: "delivery"})
	}
	return &logSMSSender{log: log}
}

func (s *logSMSSender) SendLoginSMS(ctx context.Context, sms LoginSMS) error {
	s.log.InfoContext(ctx, "login sms (dev mode, not sent)",
		"to", sms.To,
		"code", sms.Code,
		"magic_link", sms.MagicLink,
	)
	return nil
}
