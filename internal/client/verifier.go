package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/license"
	"chaingate/internal/mirror"
	"chaingate/pkg/contracts/domain"
)

// Verifier is the agent's single entry point for a license decision
type Verifier struct {
	backend Backend
	sources []FallbackSource
	catalog *license.Catalog
	mirror  mirror.Mirror
	metrics *license.LicenseMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Verifier
type Option func(*Verifier)

// WithSources sets the ordered fallback stages consulted after the backend
func WithSources(sources ...FallbackSource) Option {
	return func(v *Verifier) { v.sources = sources }
}

// WithMetrics records which stage answered
func WithMetrics(m *license.LicenseMetrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a Verifier. A nil mirror keeps results in memory only.
func NewVerifier(backend Backend, catalog *license.Catalog, m mirror.Mirror, opts ...Option) *Verifier {
	if m == nil {
		m = mirror.NewMemory()
	}
	v := &Verifier{
		backend: backend,
		catalog: catalog,
		mirror:  m,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("component", "license_verifier"))
	return v
}

// Verify returns the access decision for identity. The backend is asked
// first; manual forces it past its cache. When it cannot answer, the
// fallback stages run in order and the first one that returns rows, even
// none, decides. If every stage fails the answer is a local denial with
// Success=false. Verify never panics and never grants access on error.
func (v *Verifier) Verify(ctx context.Context, identity string, manual bool) (access *domain.ResolvedAccess) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.ErrorContext(ctx, "license verification panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			access = domain.DeniedAccess(false, domain.SourceSynthesized, "license verification failed unexpectedly", v.now())
		}
	}()

	ctx = infrastructure.EnsureTraceID(ctx)
	key := domain.NormalizeIdentity(identity)
	masked := infrastructure.MaskEmail(key)
	if key == "" {
		return domain.DeniedAccess(false, domain.SourceValidation, "identity is required", v.now())
	}

	var causes []error

	if v.backend != nil {
		res, err := v.backend.CheckLicense(ctx, key, manual)
		switch {
		case err != nil:
			causes = append(causes, fmt.Errorf("%s: %w", domain.SourceBackend, err))
			v.logger.WarnContext(ctx, "backend unavailable, falling back",
				slog.String("identity", masked),
				slog.String("error", err.Error()))
		case !res.Success && res.Source == domain.SourceValidation:
			// a rejected identity is final
			return domain.DeniedAccess(false, domain.SourceValidation, res.Message, v.now())
		case !res.Success:
			causes = append(causes, fmt.Errorf("%s: %s", domain.SourceBackend, res.Message))
			v.logger.WarnContext(ctx, "backend could not verify, falling back",
				slog.String("identity", masked),
				slog.String("message", res.Message))
		default:
			if res.Source == "" {
				res.Source = domain.SourceBackend
			}
			v.metrics.RecordFallback(ctx, domain.SourceBackend)
			v.remember(ctx, res)
			return res
		}
	}

	for _, src := range v.sources {
		rows, err := src.Attempt(ctx, key)
		if err != nil {
			causes = append(causes, fmt.Errorf("%s: %w", src.Name(), err))
			v.logger.WarnContext(ctx, "fallback source failed",
				slog.String("source", src.Name()),
				slog.String("identity", masked),
				slog.String("error", err.Error()))
			continue
		}

		now := v.now()
		results := rowsToResults(rows, now)
		res := license.Resolve(v.catalog, results).Access(true, results, src.Name(), now)

		v.logger.InfoContext(ctx, "license resolved from fallback source",
			slog.String("source", src.Name()),
			slog.String("identity", masked),
			slog.Int("rows", len(rows)),
			slog.Bool("has_active_license", res.HasActiveLicense))
		v.metrics.RecordFallback(ctx, src.Name())
		v.remember(ctx, res)
		return res
	}

	err := apperrors.NewAggregateError(causes...)
	v.logger.ErrorContext(ctx, "no verification source answered",
		slog.String("identity", masked),
		slog.String("error", err.Error()))
	v.metrics.RecordFallback(ctx, domain.SourceSynthesized)

	return domain.DeniedAccess(false, domain.SourceSynthesized,
		fmt.Sprintf("license could not be verified (%d sources failed)", len(causes)), v.now())
}

// remember overwrites the local mirror; a failed write only logs
func (v *Verifier) remember(ctx context.Context, res *domain.ResolvedAccess) {
	rec := domain.MirrorRecord{
		HasLicense:           res.HasActiveLicense,
		UnlockedCapabilities: append([]string{}, res.UnlockedCapabilities...),
		CheckedAt:            res.CheckedAt,
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = v.now()
	}
	if err := v.mirror.Save(ctx, rec); err != nil {
		v.logger.WarnContext(ctx, "failed to update license mirror", slog.String("error", err.Error()))
	}
}

// WarmState returns the last mirrored decision for an instant start. The
// boolean is false when nothing has been mirrored yet.
func (v *Verifier) WarmState(ctx context.Context) (domain.MirrorRecord, bool) {
	rec, err := v.mirror.Load(ctx)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			v.logger.WarnContext(ctx, "failed to read license mirror", slog.String("error", err.Error()))
		}
		return domain.MirrorRecord{UnlockedCapabilities: []string{}}, false
	}
	// a mirrored denial can never carry capabilities
	if !rec.HasLicense {
		rec.UnlockedCapabilities = []string{}
	}
	return *rec, true
}
