package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/ratelimit"
	"github.com/phrazzld/flare-worker/internal/redact"
)

var (
	// ErrDeliveryFailed is returned by the queue handler when the provider
	// rejected a send. The message is retried.
	ErrDeliveryFailed = errors.New("email delivery failed")

	// ErrRateLimited means the recipient's send budget for the current window
	// is spent. The message is retried after the queue's retry delay.
	ErrRateLimited = errors.New("email rate limit exceeded")
)

// Status is the outcome of a send.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusDisabled Status = "DISABLED"
	StatusFailed   Status = "FAILED"
)

// Request describes an email to send.
type Request struct {
	To             string
	Subject        string
	HTML           string
	Headers        map[string]string
	IdempotencyKey string
}

// Result is the outcome of Service.Send. Error is set for StatusFailed.
type Result struct {
	Status Status
	Error  string
}

// Throttle decides whether another send is allowed for a key. A send
// repeated with the same token inside a window is counted once.
type Throttle interface {
	CheckOnce(ctx context.Context, key, token string, limit, windowSeconds int) (ratelimit.Decision, error)
}

// Service sends emails using the configured provider.
type Service struct {
	cfg        config.EmailConfig
	production bool
	newSender  SenderFactory
	throttle   Throttle
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// Option configures a Service.
type Option func(*Service)

// WithSenderFactory replaces the Resend sender.
func WithSenderFactory(f SenderFactory) Option {
	return func(s *Service) { s.newSender = f }
}

// WithThrottle enables per-recipient rate limiting when cfg.RateLimit > 0.
func WithThrottle(t Throttle) Option {
	return func(s *Service) { s.throttle = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service. Outside production every send is skipped.
func NewService(cfg config.EmailConfig, production bool, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		production: production,
		newSender:  NewResendSender,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "email_service")
	return s
}

// Configured reports whether an API key and sender address are set.
func (s *Service) Configured() bool {
	return s.cfg.APIKey != "" && s.cfg.SenderAddress != ""
}

// AdminAddress is the address that receives operational notifications.
func (s *Service) AdminAddress() string {
	return s.cfg.AdminEmail
}

// Send delivers req. Provider failures are reported in the Result; the error
// return is reserved for throttling and throttle failures.
func (s *Service) Send(ctx context.Context, req Request) (Result, error) {
	if !s.production {
		s.logger.InfoContext(ctx, "skipping email outside production",
			"to", redact.Email(req.To),
			"subject", req.Subject,
		)
		return s.record(Result{Status: StatusSuccess}), nil
	}

	if !s.Configured() {
		s.logger.WarnContext(ctx, "email delivery not configured, skipping", "to", redact.Email(req.To))
		return s.record(Result{Status: StatusDisabled}), nil
	}

	if err := s.checkRate(ctx, req.To, req.IdempotencyKey); err != nil {
		return Result{}, err
	}

	err := s.newSender(s.cfg.APIKey).Send(ctx, Outgoing{
		From:    formatSender(s.cfg.SenderName, s.cfg.SenderAddress),
		To:      req.To,
		Subject: req.Subject,
		HTML:    req.HTML,
		Headers: req.Headers,
	}, req.IdempotencyKey)
	if err != nil {
		return s.record(Result{Status: StatusFailed, Error: err.Error()}), nil
	}
	return s.record(Result{Status: StatusSuccess}), nil
}

// checkRate keys the window on the recipient and counts each idempotency key
// once, so redeliveries of one message do not use up the recipient's budget.
func (s *Service) checkRate(ctx context.Context, to, idempotencyKey string) error {
	if s.throttle == nil || s.cfg.RateLimit <= 0 {
		return nil
	}
	decision, err := s.throttle.CheckOnce(ctx, "email:"+strings.ToLower(to), idempotencyKey, s.cfg.RateLimit, s.cfg.RateWindowSeconds)
	if err != nil {
		return fmt.Errorf("failed to check email rate limit: %w", err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w for %s until %s", ErrRateLimited, to, decision.ResetAt.UTC().Format("15:04:05"))
	}
	return nil
}

func (s *Service) record(r Result) Result {
	s.metrics.EmailDelivery(string(r.Status))
	return r
}

// ConnectionSettings are candidate provider settings to probe.
type ConnectionSettings struct {
	APIKey        string
	SenderAddress string
	SenderName    string
}

// ConnectionResult reports whether a probe email was accepted.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection sends a probe email to the admin address using settings
// rather than the live configuration. It always sends, even outside production.
func (s *Service) TestConnection(ctx context.Context, settings ConnectionSettings) ConnectionResult {
	if s.cfg.AdminEmail == "" {
		return ConnectionResult{Error: "admin email is not configured"}
	}
	if settings.APIKey == "" || settings.SenderAddress == "" {
		return ConnectionResult{Error: "api key and sender address are required"}
	}

	err := s.newSender(settings.APIKey).Send(ctx, Outgoing{
		From:    formatSender(settings.SenderName, settings.SenderAddress),
		To:      s.cfg.AdminEmail,
		Subject: "Test Connection",
		HTML:    "<p>This is a test email.</p>",
	}, "")
	if err != nil {
		s.logger.WarnContext(ctx, "email connection test failed", "error", redact.Error(err))
		return ConnectionResult{Error: err.Error()}
	}
	return ConnectionResult{Success: true}
}

func formatSender(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
