package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chaingate/internal/license"
	"chaingate/internal/shared/testutil"
	"chaingate/pkg/contracts/domain"
)

func newUpstreamService(t *testing.T, behaviors map[string]string) (LicenseService, *testutil.FakeUpstream) {
	t.Helper()

	upstream := testutil.NewFakeUpstream(t, behaviors)
	logger, _ := testutil.NewTestLogger(t)

	checker, err := license.NewChecker(license.CheckerConfig{
		URL:            upstream.URL(),
		AttemptTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryDelay:     2 * time.Second,
	},
		license.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		license.WithCheckerLogger(logger),
	)
	require.NoError(t, err)

	svc := NewLicenseService(
		license.DefaultCatalog(),
		checker,
		license.NewValidationCache(5*time.Minute, nil),
		license.NoopMetrics(),
		logger,
	)
	return svc, upstream
}

// MockChecker is a mock implementation of ProductChecker
type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) ValidateIdentity(identity string) error {
	args := m.Called(identity)
	return args.Error(0)
}

func (m *MockChecker) Check(ctx context.Context, identity, product string) domain.UpstreamCheckResult {
	args := m.Called(ctx, identity, product)
	return args.Get(0).(domain.UpstreamCheckResult)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestValidate_CleanActiveLicense(t *testing.T) {
	svc, upstream := newUpstreamService(t, map[string]string{license.ProductDuoChain: testutil.BehaviorActive})

	access := svc.Validate(context.Background(), "a@x.com", false)

	assert.True(t, access.Success)
	assert.True(t, access.HasActiveLicense)
	assert.Equal(t, []string{license.CapabilityBitcoin, license.CapabilityEthereum}, access.UnlockedCapabilities)
	require.NotNil(t, access.ActiveEntitlement)
	assert.Equal(t, license.ProductDuoChain, access.ActiveEntitlement.Identifier)
	assert.Equal(t, domain.SourceUpstream, access.Source)
	assert.Len(t, access.PerProductResults, license.DefaultCatalog().Len())
	assert.Equal(t, license.DefaultCatalog().Len(), upstream.TotalCalls())
}

func TestValidate_HigherTierWins(t *testing.T) {
	svc, _ := newUpstreamService(t, map[string]string{
		license.ProductBtcOnly:    testutil.BehaviorActive,
		license.ProductMultiChain: testutil.BehaviorActive,
		license.ProductBoost2X:    testutil.BehaviorActive,
	})

	access := svc.Validate(context.Background(), "a@x.com", false)

	assert.Equal(t, license.ProductMultiChain, access.ActiveEntitlement.Identifier)
	assert.True(t, access.PerformanceFlagEnabled)
	assert.ElementsMatch(t, []string{
		license.CapabilityBitcoin, license.CapabilityEthereum,
		license.CapabilityLitecoin, license.CapabilityDogecoin,
		license.CapabilityPerformanceBoost,
	}, access.UnlockedCapabilities)
}

func TestValidate_UpstreamFullyDown(t *testing.T) {
	behaviors := make(map[string]string)
	for _, id := range license.DefaultCatalog().Identifiers() {
		behaviors[id] = testutil.BehaviorFail
	}
	svc, upstream := newUpstreamService(t, behaviors)

	access := svc.Validate(context.Background(), "a@x.com", false)

	assert.False(t, access.Success)
	assert.False(t, access.HasActiveLicense)
	assert.Empty(t, access.UnlockedCapabilities)
	assert.Equal(t, "no active license (6 checks failed)", access.Message)
	// each product: one attempt plus two retries
	assert.Equal(t, 18, upstream.TotalCalls())

	// failures are not cached
	svc.Validate(context.Background(), "a@x.com", false)
	assert.Equal(t, 36, upstream.TotalCalls())
	assert.Equal(t, 0, svc.CacheStats(context.Background()).TotalEntries)
}

func TestValidate_ForcedRefreshBypassesWarmCache(t *testing.T) {
	svc, upstream := newUpstreamService(t, map[string]string{license.ProductAllChain: testutil.BehaviorActive})
	ctx := context.Background()
	n := license.DefaultCatalog().Len()

	first := svc.Validate(ctx, "a@x.com", false)
	require.True(t, first.HasActiveLicense)
	assert.Equal(t, n, upstream.TotalCalls())

	cached := svc.Validate(ctx, "A@X.com ", false)
	assert.Equal(t, domain.SourceCache, cached.Source)
	assert.Equal(t, first.UnlockedCapabilities, cached.UnlockedCapabilities)
	assert.Equal(t, n, upstream.TotalCalls(), "cache hit must not reach upstream")

	forced := svc.Validate(ctx, "a@x.com", true)
	assert.Equal(t, domain.SourceUpstream, forced.Source)
	assert.Equal(t, 2*n, upstream.TotalCalls())
}

func TestValidate_ForcedRefreshOverwritesCache(t *testing.T) {
	svc, upstream := newUpstreamService(t, map[string]string{license.ProductAllChain: testutil.BehaviorActive})
	ctx := context.Background()

	require.True(t, svc.Validate(ctx, "a@x.com", false).HasActiveLicense)

	upstream.SetBehavior(license.ProductAllChain, testutil.BehaviorInactive)
	revoked := svc.Validate(ctx, "a@x.com", true)
	assert.False(t, revoked.HasActiveLicense)

	cached := svc.Validate(ctx, "a@x.com", false)
	assert.Equal(t, domain.SourceCache, cached.Source)
	assert.False(t, cached.HasActiveLicense)
}

// ============================================================================
// Fan-out isolation
// ============================================================================

func TestValidate_FanOutIsolation(t *testing.T) {
	svc, upstream := newUpstreamService(t, map[string]string{
		license.ProductAllChain: testutil.BehaviorFail,
		license.ProductEthOnly:  testutil.BehaviorActive,
	})

	access := svc.Validate(context.Background(), "a@x.com", false)

	assert.True(t, access.Success)
	assert.Equal(t, []string{license.CapabilityEthereum}, access.UnlockedCapabilities)

	byID := make(map[string]domain.CheckStatus)
	for _, r := range access.PerProductResults {
		byID[r.Identifier] = r.Status
	}
	assert.Equal(t, domain.CheckStatusError, byID[license.ProductAllChain])
	assert.Equal(t, domain.CheckStatusActive, byID[license.ProductEthOnly])
	assert.Equal(t, domain.CheckStatusInactive, byID[license.ProductBtcOnly])
	assert.Equal(t, 3, upstream.Calls(license.ProductAllChain))
	assert.Equal(t, 1, upstream.Calls(license.ProductEthOnly))
}

func TestValidate_CheckerPanicIsContained(t *testing.T) {
	checker := new(MockChecker)
	checker.On("ValidateIdentity", "a@x.com").Return(nil)
	checker.On("Check", mock.Anything, "a@x.com", license.ProductAllChain).Run(func(mock.Arguments) {
		panic("boom")
	})
	checker.On("Check", mock.Anything, "a@x.com", license.ProductBtcOnly).Return(domain.UpstreamCheckResult{
		Identifier: license.ProductBtcOnly,
		Status:     domain.CheckStatusActive,
	})
	checker.On("Check", mock.Anything, "a@x.com", mock.Anything).Return(domain.UpstreamCheckResult{
		Status: domain.CheckStatusInactive,
	})

	svc := NewLicenseService(license.DefaultCatalog(), checker, license.NewValidationCache(time.Minute, nil), nil, nil)
	access := svc.Validate(context.Background(), "a@x.com", false)

	assert.True(t, access.Success)
	assert.Equal(t, []string{license.CapabilityBitcoin}, access.UnlockedCapabilities)

	var panicked *domain.UpstreamCheckResult
	for i := range access.PerProductResults {
		if access.PerProductResults[i].Identifier == license.ProductAllChain {
			panicked = &access.PerProductResults[i]
		}
	}
	require.NotNil(t, panicked)
	assert.Equal(t, domain.CheckStatusError, panicked.Status)
	assert.Contains(t, panicked.ErrorDetail, "boom")
}

func TestValidate_TopLevelPanicYieldsDenial(t *testing.T) {
	checker := new(MockChecker)
	checker.On("ValidateIdentity", mock.Anything).Run(func(mock.Arguments) {
		panic("validator exploded")
	})

	svc := NewLicenseService(license.DefaultCatalog(), checker, license.NewValidationCache(time.Minute, nil), nil, nil)

	var access *domain.ResolvedAccess
	require.NotPanics(t, func() {
		access = svc.Validate(context.Background(), "a@x.com", false)
	})
	assert.False(t, access.Success)
	assert.False(t, access.HasActiveLicense)
	assert.Empty(t, access.UnlockedCapabilities)
}

// ============================================================================
// Input validation
// ============================================================================

func TestValidate_RejectsBadIdentity(t *testing.T) {
	svc, upstream := newUpstreamService(t, map[string]string{license.ProductAllChain: testutil.BehaviorActive})

	for _, identity := range []string{"", "   ", "nobody"} {
		t.Run(identity, func(t *testing.T) {
			access := svc.Validate(context.Background(), identity, true)
			assert.False(t, access.Success)
			assert.False(t, access.HasActiveLicense)
			assert.Equal(t, domain.SourceValidation, access.Source)
			assert.NotEmpty(t, access.Message)
		})
	}
	assert.Equal(t, 0, upstream.TotalCalls())
}

// ============================================================================
// Cache management
// ============================================================================

func TestClearCache(t *testing.T) {
	svc, _ := newUpstreamService(t, map[string]string{license.ProductAllChain: testutil.BehaviorActive})
	ctx := context.Background()

	svc.Validate(ctx, "a@x.com", false)
	svc.Validate(ctx, "b@x.com", false)
	svc.Validate(ctx, "c@x.com", false)

	stats := svc.CacheStats(ctx)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 3, stats.ValidEntries)

	assert.Equal(t, 1, svc.ClearCache(ctx, "A@x.com"))
	assert.Equal(t, 0, svc.ClearCache(ctx, "a@x.com"))
	assert.Equal(t, 2, svc.ClearCache(ctx, ""))
	assert.Equal(t, 0, svc.CacheStats(ctx).TotalEntries)
}

// ============================================================================
// Health
// ============================================================================

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	svc, _ := newUpstreamService(t, nil)

	t.Run("healthy", func(t *testing.T) {
		hs := NewHealthService("1.0.0", svc, map[string]Pinger{
			"store": pingerFunc(func(context.Context) error { return nil }),
		}, nil)

		status := hs.HealthCheck(context.Background())
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "1.0.0", status.Version)
		assert.Equal(t, "healthy", status.Services["store"].Status)
		assert.Equal(t, "0/0 entries valid", status.Services["license_cache"].Message)
	})

	t.Run("degraded dependency", func(t *testing.T) {
		hs := NewHealthService("1.0.0", svc, map[string]Pinger{
			"store": pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
		}, nil)

		status := hs.HealthCheck(context.Background())
		assert.Equal(t, "degraded", status.Status)
		assert.Equal(t, "unhealthy", status.Services["store"].Status)
		assert.Equal(t, "connection refused", status.Services["store"].Message)
	})
}
