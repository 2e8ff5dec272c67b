package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/authvault/backend/internal/resilience"
)

type stubEmailSender struct {
	fail     bool
	calls    int
	lastText string
	lastHTML string
}

func (s *stubEmailSender) Send(_ context.Context, _, _, htmlBody, textBody string) error {
	s.calls++
	s.lastHTML = htmlBody
	s.lastText = textBody
	if s.fail {
		return errors.New("smtp connection refused")
	}
	return nil
}

func emailTestService(sender EmailSender, limit int) *EmailService {
	limiter := resilience.NewRateLimiter(resilience.NewMemoryCounterStore(), "email", 5*time.Minute, limit)
	cfg := resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1}
	return NewEmailService(sender, limiter, cfg)
}

func TestEmailService_SendCode(t *testing.T) {
	sender := &stubEmailSender{}
	svc := emailTestService(sender, 10)

	if err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one send, got %d", sender.calls)
	}
	for _, body := range []string{sender.lastText, sender.lastHTML} {
		if !strings.Contains(body, "123456") {
			t.Fatalf("expected code in body, got %q", body)
		}
		if !strings.Contains(body, "Ada") {
			t.Fatalf("expected recipient name in body, got %q", body)
		}
	}
}

func TestEmailService_EmptyNameGetsGreeting(t *testing.T) {
	sender := &stubEmailSender{}
	svc := emailTestService(sender, 10)

	if err := svc.SendCode(context.Background(), "user@test.com", "", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(sender.lastText, "Hi there") {
		t.Fatalf("expected fallback greeting, got %q", sender.lastText)
	}
}

func TestEmailService_TransportFailure(t *testing.T) {
	sender := &stubEmailSender{fail: true}
	svc := emailTestService(sender, 10)

	err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456")
	if !IsServiceUnavailable(err) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestEmailService_BreakerOpens(t *testing.T) {
	sender := &stubEmailSender{fail: true}
	svc := emailTestService(sender, 20)

	for i := 0; i < 2; i++ {
		if err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456"); !IsServiceUnavailable(err) {
			t.Fatalf("expected service unavailable on attempt %d, got %v", i+1, err)
		}
	}

	sender.fail = false
	err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit-open cause, got %v", err)
	}
	if sender.calls != 2 {
		t.Fatalf("expected sender untouched while open, got %d calls", sender.calls)
	}
}

func TestEmailService_RateLimited(t *testing.T) {
	sender := &stubEmailSender{}
	svc := emailTestService(sender, 1)

	if err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456")
	if !IsValidationError(err) {
		t.Fatalf("expected rate limit as validation error, got %v", err)
	}
}

func TestEmailService_NoTransport(t *testing.T) {
	svc := emailTestService(nil, 10)
	err := svc.SendCode(context.Background(), "user@test.com", "Ada", "123456")
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
