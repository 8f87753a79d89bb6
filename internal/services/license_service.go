package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chaingate/internal/infrastructure"
	"chaingate/internal/license"
	"chaingate/pkg/contracts/domain"
)

// LicenseService validates identities against the licensing authority
type LicenseService interface {
	// Validate returns the resolved access for identity. It never fails;
	// errors are reported through Success=false.
	Validate(ctx context.Context, identity string, forceRefresh bool) *domain.ResolvedAccess
	// ClearCache drops the entry for identity, or every entry when empty
	ClearCache(ctx context.Context, identity string) int
	// CacheStats reports the cache population
	CacheStats(ctx context.Context) license.CacheStats
}

// ProductChecker performs one upstream check per product
type ProductChecker interface {
	ValidateIdentity(identity string) error
	Check(ctx context.Context, identity, product string) domain.UpstreamCheckResult
}

type licenseService struct {
	catalog *license.Catalog
	checker ProductChecker
	cache   *license.ValidationCache
	metrics *license.LicenseMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseService wires the catalog, checker and cache into a LicenseService
func NewLicenseService(catalog *license.Catalog, checker ProductChecker, cache *license.ValidationCache, metrics *license.LicenseMetrics, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		catalog: catalog,
		checker: checker,
		cache:   cache,
		metrics: metrics,
		tracer:  otel.Tracer(license.TracerName),
		logger:  logger.With(slog.String("component", "license_service")),
		now:     time.Now,
	}
}

// Validate implements LicenseService
func (s *licenseService) Validate(ctx context.Context, identity string, forceRefresh bool) (access *domain.ResolvedAccess) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "license.validate",
		trace.WithAttributes(attribute.Bool("license.force_refresh", forceRefresh)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "license validation panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, "panic recovered")
			access = domain.DeniedAccess(false, domain.SourceUpstream, "license validation failed unexpectedly", s.now())
		}

		span.SetAttributes(
			attribute.String("license.source", access.Source),
			attribute.Bool("license.success", access.Success),
			attribute.Bool("license.has_active", access.HasActiveLicense),
		)
		s.metrics.RecordValidation(ctx, access.Source, access.Success, access.HasActiveLicense, time.Since(start))
	}()

	key := domain.NormalizeIdentity(identity)
	if key == "" {
		return domain.DeniedAccess(false, domain.SourceValidation, "identity is required", s.now())
	}
	if err := s.checker.ValidateIdentity(key); err != nil {
		s.logger.InfoContext(ctx, "rejected malformed identity",
			slog.String("identity", infrastructure.MaskEmail(key)))
		return domain.DeniedAccess(false, domain.SourceValidation, "identity must be a valid email address", s.now())
	}

	if !forceRefresh {
		cached, ok := s.cache.Get(key)
		s.metrics.RecordCacheLookup(ctx, ok)
		if ok {
			cached.Source = domain.SourceCache
			s.logger.DebugContext(ctx, "license served from cache",
				slog.String("identity", infrastructure.MaskEmail(key)))
			return cached
		}
	}

	results := s.fanOut(ctx, key)

	success := false
	for _, r := range results {
		if r.Status != domain.CheckStatusError {
			success = true
			break
		}
	}

	resolution := license.Resolve(s.catalog, results)
	access = resolution.Access(success, results, domain.SourceUpstream, s.now())

	// An all-error answer says nothing about the identity, so it is not memoized
	if success {
		s.cache.Put(key, access, s.cache.TTL())
	} else {
		span.SetStatus(codes.Error, "all upstream checks failed")
	}

	s.logger.InfoContext(ctx, "license validated",
		slog.String("identity", infrastructure.MaskEmail(key)),
		slog.Bool("success", access.Success),
		slog.Bool("has_active_license", access.HasActiveLicense),
		slog.Int("failed_checks", resolution.FailedChecks),
		slog.Bool("force_refresh", forceRefresh),
		slog.Duration("duration", time.Since(start)),
	)

	return access
}

// fanOut checks every catalog product concurrently and waits for all of
// them. Siblings share the caller's context but never cancel each other.
func (s *licenseService) fanOut(ctx context.Context, identity string) []domain.UpstreamCheckResult {
	ids := s.catalog.Identifiers()
	results := make([]domain.UpstreamCheckResult, len(ids))

	var g errgroup.Group
	g.SetLimit(len(ids))

	for i, id := range ids {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.ErrorContext(ctx, "upstream check panicked",
						slog.String("product", id),
						slog.Any("panic", r))
					results[i] = domain.UpstreamCheckResult{
						Identifier:  id,
						Status:      domain.CheckStatusError,
						ErrorDetail: fmt.Sprintf("check panicked: %v", r),
						ObservedAt:  s.now(),
					}
				}
			}()

			results[i] = s.checker.Check(ctx, identity, id)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// ClearCache implements LicenseService
func (s *licenseService) ClearCache(ctx context.Context, identity string) int {
	key := domain.NormalizeIdentity(identity)
	if key == "" {
		n := s.cache.Clear()
		s.logger.InfoContext(ctx, "license cache cleared", slog.Int("entries", n))
		return n
	}

	if !s.cache.Invalidate(key) {
		return 0
	}
	s.logger.InfoContext(ctx, "license cache entry invalidated",
		slog.String("identity", infrastructure.MaskEmail(key)))
	return 1
}

// CacheStats implements LicenseService
func (s *licenseService) CacheStats(_ context.Context) license.CacheStats {
	return s.cache.Stats()
}
