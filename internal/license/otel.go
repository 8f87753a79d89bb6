package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "chaingate/license"
	MeterName  = "chaingate/license"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Upstream check metrics
	CheckAttempts metric.Int64Counter
	CheckRetries  metric.Int64Counter
	CheckDuration metric.Float64Histogram

	// Validation metrics
	ValidationTotal       metric.Int64Counter
	ValidationDuration    metric.Float64Histogram
	ValidationCacheHits   metric.Int64Counter
	ValidationCacheMisses metric.Int64Counter

	// Client-side metrics
	FallbackStage metric.Int64Counter
	SyncRuns      metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.CheckAttempts, err = meter.Int64Counter(
		"license_check_attempts_total",
		metric.WithDescription("Upstream license checks by product and resulting status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check attempts counter: %w", err)
	}

	metrics.CheckRetries, err = meter.Int64Counter(
		"license_check_retries_total",
		metric.WithDescription("Retries issued against the licensing authority"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check retries counter: %w", err)
	}

	metrics.CheckDuration, err = meter.Float64Histogram(
		"license_check_duration_seconds",
		metric.WithDescription("Duration of one product check including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	metrics.ValidationTotal, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validations by source and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.ValidationCacheHits, err = meter.Int64Counter(
		"license_validation_cache_hits_total",
		metric.WithDescription("Validations answered from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	metrics.ValidationCacheMisses, err = meter.Int64Counter(
		"license_validation_cache_misses_total",
		metric.WithDescription("Validations that missed the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	metrics.FallbackStage, err = meter.Int64Counter(
		"license_fallback_stage_total",
		metric.WithDescription("Client verifications by the source that answered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback stage counter: %w", err)
	}

	metrics.SyncRuns, err = meter.Int64Counter(
		"license_sync_runs_total",
		metric.WithDescription("Sync loop runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync runs counter: %w", err)
	}

	return metrics, nil
}

// NoopMetrics returns metrics backed by a no-op meter
func NoopMetrics() *LicenseMetrics {
	m, err := InitializeLicenseMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(fmt.Sprintf("noop meter failed: %v", err))
	}
	return m
}

// RecordCheck records one finished product check
func (m *LicenseMetrics) RecordCheck(ctx context.Context, product, status string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("product", product),
		attribute.String("status", status),
	)
	m.CheckAttempts.Add(ctx, 1, attrs)
	m.CheckDuration.Record(ctx, duration.Seconds(), attrs)
	if attempts > 1 {
		m.CheckRetries.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("product", product)))
	}
}

// RecordValidation records a finished validation
func (m *LicenseMetrics) RecordValidation(ctx context.Context, source string, success, hasLicense bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
		attribute.Bool("has_license", hasLicense),
	)
	m.ValidationTotal.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a cache hit or miss
func (m *LicenseMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ValidationCacheHits.Add(ctx, 1)
		return
	}
	m.ValidationCacheMisses.Add(ctx, 1)
}

// RecordFallback records which verification source answered
func (m *LicenseMetrics) RecordFallback(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.FallbackStage.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSync records a sync loop run
func (m *LicenseMetrics) RecordSync(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SyncRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
