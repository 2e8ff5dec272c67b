package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"

	"github.com/authvault/backend/internal/resilience"
	"github.com/authvault/backend/pkg/logger"
)

// EmailSender is the raw mail transport.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// SMTPSender speaks implicit-TLS SMTP (port 465 style).
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
}

func NewSMTPSender(host, port, username, password string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password}
}

func (s *SMTPSender) Send(_ context.Context, to, subject, htmlBody, textBody string) error {
	boundary := "authvault-alt"
	msg := []byte(
		fmt.Sprintf("From: %s\r\n", s.Username) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary) +
			"\r\n" +
			fmt.Sprintf("--%s\r\n", boundary) +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n" +
			textBody + "\r\n" +
			fmt.Sprintf("--%s\r\n", boundary) +
			"Content-Type: text/html; charset=\"utf-8\"\r\n\r\n" +
			htmlBody + "\r\n" +
			fmt.Sprintf("--%s--\r\n", boundary),
	)

	addr := s.Host + ":" + s.Port
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.Host})
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Quit()

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(s.Username); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

// EmailService renders and delivers challenge codes by mail, behind a rate
// limiter and circuit breaker like the SMS channel.
type EmailService struct {
	sender  EmailSender
	breaker *resilience.Breaker
	limiter *resilience.RateLimiter
}

func NewEmailService(sender EmailSender, limiter *resilience.RateLimiter, breakerCfg resilience.BreakerConfig) *EmailService {
	return &EmailService{
		sender:  sender,
		breaker: resilience.NewBreaker("email", breakerCfg),
		limiter: limiter,
	}
}

func (s *EmailService) SendCode(ctx context.Context, to, recipientName, code string) error {
	if s.sender == nil {
		return NewConfigurationError("no mail transport configured")
	}

	if err := s.limiter.Allow(ctx, to); err != nil {
		if errors.Is(err, resilience.ErrRateLimited) {
			return NewValidationError("too many codes requested; wait before retrying")
		}
		return NewServiceUnavailableError("email delivery unavailable", err)
	}

	subject := "Your verification code"
	htmlBody, textBody := renderCodeEmail(recipientName, code)

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.sender.Send(ctx, to, subject, htmlBody, textBody)
	})
	if err != nil {
		logger.Warn("email_send_failed", map[string]interface{}{"error": err.Error()})
		return NewServiceUnavailableError("email delivery unavailable", err)
	}
	return nil
}

func renderCodeEmail(name, code string) (html, text string) {
	if name == "" {
		name = "there"
	}
	html = fmt.Sprintf(
		"<p>Hi %s,</p><p>Your verification code is <strong>%s</strong>.</p><p>The code expires in 5 minutes. If you did not request it, ignore this message.</p>",
		name, code,
	)
	text = fmt.Sprintf(
		"Hi %s,\n\nYour verification code is %s.\n\nThe code expires in 5 minutes. If you did not request it, ignore this message.\n",
		name, code,
	)
	return html, text
}
