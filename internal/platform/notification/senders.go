package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridSender delivers e-mail through the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey    string
	host      string
	fromEmail string
	fromName  string
	logger    zerolog.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides the API base URL.
	Host string
}

func NewSendGridSender(cfg SendGridConfig, logger zerolog.Logger) *SendGridSender {
	if cfg.Host == "" {
		cfg.Host = defaultSendGridHost
	}
	if cfg.FromName == "" {
		cfg.FromName = "SpeakBridge"
	}
	return &SendGridSender{
		apiKey:    cfg.APIKey,
		host:      cfg.Host,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

func (s *SendGridSender) SendEmail(ctx context.Context, to, subject, body string) error {
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		subject,
		mail.NewEmail("", to),
		body,
		body,
	)

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(message)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error().Int("status", resp.StatusCode).Str("body", resp.Body).Msg("sendgrid returned error status")
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Debug().Int("status", resp.StatusCode).Msg("email sent via sendgrid")
	return nil
}

// LogSender writes messages to the log instead of delivering them. It backs
// SMS everywhere and e-mail when SendGrid is not configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("simulated notification")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Int("length", len(body)).Msg("simulated notification")
	return nil
}
