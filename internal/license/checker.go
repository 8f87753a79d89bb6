package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "chaingate/internal/errors"
	"chaingate/pkg/contracts/domain"
)

const (
	maxResponseBytes = 64 << 10
	maxRawResponse   = 512
)

var errEmptyBody = errors.New("empty response body")

// CheckerConfig configures the upstream licensing authority client
type CheckerConfig struct {
	URL            string
	AttemptTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	ActiveMarker   string
}

// Checker performs bounded, retried product checks against the licensing
// authority. It holds no per-call state and is safe for concurrent use.
type Checker struct {
	cfg      CheckerConfig
	client   *http.Client
	validate *validator.Validate
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   *slog.Logger
	metrics  *LicenseMetrics
}

// CheckerOption customizes a Checker
type CheckerOption func(*Checker)

// WithHTTPClient sets the HTTP client used for upstream calls
func WithHTTPClient(client *http.Client) CheckerOption {
	return func(c *Checker) { c.client = client }
}

// WithSleeper replaces the inter-attempt delay, mainly for tests
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CheckerOption {
	return func(c *Checker) { c.sleep = sleep }
}

// WithCheckerClock sets the clock used for ObservedAt
func WithCheckerClock(now func() time.Time) CheckerOption {
	return func(c *Checker) { c.now = now }
}

// WithCheckerLogger sets the logger
func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) { c.logger = logger }
}

// WithCheckerMetrics sets the metrics sink
func WithCheckerMetrics(m *LicenseMetrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker validates cfg and builds a Checker
func NewChecker(cfg CheckerConfig, opts ...CheckerOption) (*Checker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("retry delay must not be negative")
	}
	cfg.ActiveMarker = strings.TrimSpace(cfg.ActiveMarker)
	if cfg.ActiveMarker == "" {
		cfg.ActiveMarker = "active"
	}

	c := &Checker{
		cfg:      cfg,
		client:   http.DefaultClient,
		validate: validator.New(),
		sleep:    sleepContext,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "license_checker"))

	return c, nil
}

// ValidateIdentity reports whether identity is a plausible email address
func (c *Checker) ValidateIdentity(identity string) error {
	if err := c.validate.Var(strings.TrimSpace(identity), "required,email"); err != nil {
		return apperrors.NewInputError("identity must be a valid email address")
	}
	return nil
}

// Check asks the licensing authority whether identity holds product.
// It never returns an error; failures are encoded in the result status.
func (c *Checker) Check(ctx context.Context, identity, product string) domain.UpstreamCheckResult {
	start := time.Now()
	result := c.check(ctx, strings.TrimSpace(identity), product)
	result.ObservedAt = c.now()

	c.metrics.RecordCheck(ctx, product, string(result.Status), result.Attempts, time.Since(start))

	level := slog.LevelDebug
	if result.Status == domain.CheckStatusError {
		level = slog.LevelWarn
	}
	c.logger.LogAttrs(ctx, level, "upstream check finished",
		slog.String("product", product),
		slog.String("status", string(result.Status)),
		slog.Int("attempts", result.Attempts),
		slog.String("error_detail", result.ErrorDetail),
		slog.Duration("duration", time.Since(start)),
	)

	return result
}

func (c *Checker) check(ctx context.Context, identity, product string) domain.UpstreamCheckResult {
	result := domain.UpstreamCheckResult{Identifier: product}

	if err := c.ValidateIdentity(identity); err != nil {
		result.Status = domain.CheckStatusError
		result.ErrorDetail = err.Error()
		return result
	}

	maxAttempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				lastErr = apperrors.NewTransportError("retry aborted", err)
				break
			}
		}
		result.Attempts = attempt

		body, err := c.attempt(ctx, identity, product)
		if err != nil {
			lastErr = err
			continue
		}

		result.RawResponse = truncate(string(body), maxRawResponse)
		status, err := c.parse(body)
		if err != nil {
			// Received but unusable: terminal, and never treated as active
			result.Status = domain.CheckStatusInactive
			result.ErrorDetail = err.Error()
			return result
		}
		result.Status = status
		return result
	}

	result.ErrorDetail = lastErr.Error()
	if errors.Is(lastErr, errEmptyBody) {
		result.Status = domain.CheckStatusInactive
		return result
	}
	result.Status = domain.CheckStatusError
	return result
}

// attempt performs one POST under its own timeout and returns a non-empty body
func (c *Checker) attempt(ctx context.Context, identity, product string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"email":        identity,
		"product_code": product,
	})
	if err != nil {
		return nil, apperrors.NewTransportError("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewTransportError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewTransportError("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewTransportError(fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), nil)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperrors.NewTransportError("upstream returned no data", errEmptyBody)
	}

	return body, nil
}

type upstreamResponse struct {
	Status *string `json:"status"`
}

// parse maps a response body to a status; only the active marker grants
func (c *Checker) parse(body []byte) (domain.CheckStatus, error) {
	var resp upstreamResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.CheckStatusInactive, apperrors.NewProtocolError("unparsable response body", err)
	}
	if resp.Status == nil {
		return domain.CheckStatusInactive, apperrors.NewProtocolError("response has no status field", nil)
	}
	if strings.EqualFold(strings.TrimSpace(*resp.Status), c.cfg.ActiveMarker) {
		return domain.CheckStatusActive, nil
	}
	return domain.CheckStatusInactive, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
