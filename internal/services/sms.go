package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authvault/backend/internal/resilience"
	"github.com/authvault/backend/pkg/logger"
)

// SMSProvider is one concrete SMS gateway. Providers are tried in
// registration order; each sits behind its own circuit breaker.
type SMSProvider interface {
	Name() string
	Send(ctx context.Context, phone, message string) error
}

// HTTPSMSProvider posts form-encoded messages to a gateway API.
type HTTPSMSProvider struct {
	ProviderName string
	APIURL       string
	APIKey       string
	SenderID     string
	client       *http.Client
}

func NewHTTPSMSProvider(name, apiURL, apiKey, senderID string) *HTTPSMSProvider {
	return &HTTPSMSProvider{
		ProviderName: name,
		APIURL:       apiURL,
		APIKey:       apiKey,
		SenderID:     senderID,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPSMSProvider) Name() string { return p.ProviderName }

func (p *HTTPSMSProvider) Send(ctx context.Context, phone, message string) error {
	form := url.Values{}
	form.Set("senderid", p.SenderID)
	form.Set("msgType", "text")
	form.Set("msg", message)
	form.Set("mobile", phone)
	form.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", p.APIKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms http error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		logger.Warn("sms_send_failed", map[string]interface{}{
			"provider": p.ProviderName,
			"status":   resp.StatusCode,
			"duration": time.Since(start).String(),
		})
		return fmt.Errorf("sms api status %d: %s", resp.StatusCode, string(body))
	}

	logger.Info("sms_send_success", map[string]interface{}{
		"provider": p.ProviderName,
		"duration": time.Since(start).String(),
	})
	return nil
}

type smsRoute struct {
	provider SMSProvider
	breaker  *resilience.Breaker
}

// SMSService delivers challenge codes with ordered provider fallback. The
// per-destination rate limit is checked before any provider is contacted.
type SMSService struct {
	routes  []smsRoute
	limiter *resilience.RateLimiter
}

func NewSMSService(limiter *resilience.RateLimiter, breakerCfg resilience.BreakerConfig, providers ...SMSProvider) *SMSService {
	s := &SMSService{limiter: limiter}
	for _, p := range providers {
		s.routes = append(s.routes, smsRoute{
			provider: p,
			breaker:  resilience.NewBreaker("sms:"+p.Name(), breakerCfg),
		})
	}
	return s
}

func (s *SMSService) SendCode(ctx context.Context, phone, code string) error {
	if len(s.routes) == 0 {
		return NewConfigurationError("no SMS providers configured")
	}

	if err := s.limiter.Allow(ctx, phone); err != nil {
		if errors.Is(err, resilience.ErrRateLimited) {
			return NewValidationError("too many codes requested; wait before retrying")
		}
		return NewServiceUnavailableError("SMS delivery unavailable", err)
	}

	message := fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", code)

	var lastErr error
	for _, route := range s.routes {
		err := route.breaker.Execute(ctx, func(ctx context.Context) error {
			return route.provider.Send(ctx, phone, message)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("sms_provider_fallback", map[string]interface{}{
			"provider": route.provider.Name(),
			"error":    err.Error(),
		})
	}

	return NewServiceUnavailableError("SMS delivery unavailable", lastErr)
}
