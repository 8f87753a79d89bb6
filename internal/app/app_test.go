package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaingate/internal/config"
	"chaingate/internal/license"
	"chaingate/internal/licensesync"
	"chaingate/internal/services"
	"chaingate/internal/shared/testutil"
	"chaingate/internal/store"
	"chaingate/pkg/contracts/domain"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.MaxRetries = 1
	cfg.Security.RateLimit.Enabled = false
	cfg.Telemetry.EnableMetrics = true
	cfg.Agent.UIPort = 0
	cfg.Agent.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestApplication(t *testing.T, upstream *testutil.FakeUpstream, st store.Store) (*Application, *httptest.Server) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)

	a, err := NewApplication(context.Background(), testConfig(upstream.URL()), logger,
		WithStore(st),
		WithCheckerOptions(license.WithSleeper(noSleep)))
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router)
	t.Cleanup(func() {
		srv.Close()
		a.release(context.Background())
	})
	return a, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// ============================================================================
// License server
// ============================================================================

func TestNewApplication_RequiresUpstream(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewApplication(context.Background(), testConfig(""), logger)

	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestApplication_LicenseCheckEndToEnd(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, map[string]string{
		license.ProductDuoChain: testutil.BehaviorActive,
		license.ProductBtcOnly:  testutil.BehaviorActive,
	})
	st := store.NewMemoryStore()
	a, srv := newTestApplication(t, upstream, st)
	products := a.Services.Catalog.Len()

	resp := postJSON(t, srv.URL+"/license-check", `{"email":"Buyer@Example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := decode[domain.ResolvedAccess](t, resp)

	assert.True(t, access.Success)
	assert.True(t, access.HasActiveLicense)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, access.UnlockedCapabilities)
	require.NotNil(t, access.ActiveEntitlement)
	assert.Equal(t, license.ProductDuoChain, access.ActiveEntitlement.Identifier)
	assert.Equal(t, products, upstream.TotalCalls())

	rec, ok := st.Access("buyer@example.com")
	require.True(t, ok)
	assert.True(t, rec.HasLicense)

	// served from cache: no new upstream traffic
	resp = postJSON(t, srv.URL+"/license-check", `{"email":"buyer@example.com"}`)
	cached := decode[domain.ResolvedAccess](t, resp)
	assert.Equal(t, domain.SourceCache, cached.Source)
	assert.Equal(t, products, upstream.TotalCalls())

	// forced refresh always reaches the upstream
	resp = postJSON(t, srv.URL+"/license-check", `{"email":"buyer@example.com","forceRefresh":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2*products, upstream.TotalCalls())

	statsResp, err := http.Get(srv.URL + "/license-stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	stats := decode[domain.CacheStatsResponse](t, statsResp)
	assert.Equal(t, domain.CacheStatsResponse{TotalEntries: 1, ValidEntries: 1}, stats)

	resp = postJSON(t, srv.URL+"/license-clear-cache", `{"email":"buyer@example.com"}`)
	cleared := decode[domain.ClearCacheResponse](t, resp)
	assert.Equal(t, 1, cleared.Cleared)
}

func TestApplication_UpstreamDownFailsClosed(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, nil)
	for _, id := range license.DefaultCatalog().Identifiers() {
		upstream.SetBehavior(id, testutil.BehaviorFail)
	}
	_, srv := newTestApplication(t, upstream, nil)

	resp := postJSON(t, srv.URL+"/license-check", `{"email":"a@x.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := decode[domain.ResolvedAccess](t, resp)

	assert.False(t, access.Success)
	assert.False(t, access.HasActiveLicense)
	assert.Empty(t, access.UnlockedCapabilities)

	statsResp, err := http.Get(srv.URL + "/license-stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	assert.Equal(t, 0, decode[domain.CacheStatsResponse](t, statsResp).TotalEntries)
}

func TestApplication_Router(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, nil)
	_, srv := newTestApplication(t, upstream, store.NewMemoryStore())

	t.Run("health reports the store", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decode[services.HealthStatus](t, resp)
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "healthy", status.Services["store"].Status)
	})

	t.Run("metrics exposition", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "go_goroutines")
	})

	t.Run("malformed request", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/license-check", `not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestApplication_StartStop(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, nil)
	logger, _ := testutil.NewTestLogger(t)
	cfg := testConfig(upstream.URL())

	a, err := NewApplication(context.Background(), cfg, logger, WithStore(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx, cancel))
	assert.NoError(t, a.Stop(ctx))
}

// ============================================================================
// License agent
// ============================================================================

func newTestAgent(t *testing.T, backendURL string, opts ...AgentOption) *Agent {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	cfg := testConfig("")
	cfg.Agent.BackendURL = backendURL

	opts = append([]AgentOption{WithoutMirror(), WithAgentStore(nil)}, opts...)
	agent, err := NewAgent(context.Background(), cfg, logger, "Buyer@Example.com", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close(context.Background()) })
	return agent
}

func TestNewAgent_ConfigErrors(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewAgent(context.Background(), testConfig(""), logger, "  ")
	assert.True(t, IsConfigError(err))

	cfg := testConfig("")
	cfg.Agent.BackendURL = "ftp://backend"
	_, err = NewAgent(context.Background(), cfg, logger, "a@x.com")
	assert.True(t, IsConfigError(err))
}

func TestAgent_VerifyAgainstServer(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, map[string]string{license.ProductAllChain: testutil.BehaviorActive})
	_, srv := newTestApplication(t, upstream, nil)
	agent := newTestAgent(t, srv.URL)

	access := agent.Verify(context.Background())

	assert.True(t, access.Success)
	assert.True(t, access.HasActiveLicense)
	assert.Len(t, access.UnlockedCapabilities, 6)
	for _, req := range upstream.Requests() {
		assert.Equal(t, "buyer@example.com", req.Email)
	}

	warm, ok := agent.Verifier.WarmState(context.Background())
	require.True(t, ok)
	assert.True(t, warm.HasLicense)
}

func TestAgent_FallsBackToStoreWhenBackendDown(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	st := store.NewMemoryStore()
	st.SetStats(store.AggregateStats{
		Email:          "buyer@example.com",
		HasLicense:     true,
		ActiveProducts: []string{license.ProductEthOnly},
	})
	agent := newTestAgent(t, down.URL, WithAgentStore(st))

	access := agent.Verify(context.Background())

	assert.True(t, access.Success)
	assert.Equal(t, domain.SourceStats, access.Source)
	assert.Equal(t, []string{"ethereum"}, access.UnlockedCapabilities)
}

func TestAgent_WatchServesLocalUI(t *testing.T) {
	upstream := testutil.NewFakeUpstream(t, map[string]string{license.ProductBtcOnly: testutil.BehaviorActive})
	_, srv := newTestApplication(t, upstream, nil)
	agent := newTestAgent(t, srv.URL, WithSyncOptions(licensesync.WithTicks(make(chan time.Time))))

	events := make(chan licensesync.Event, 4)
	require.NoError(t, agent.Start(context.Background(), func(ev licensesync.Event) { events <- ev }))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })

	select {
	case ev := <-events:
		assert.True(t, ev.Changed)
		assert.Equal(t, []string{"bitcoin"}, ev.State.UnlockedCapabilities)
	case <-time.After(5 * time.Second):
		t.Fatal("initial sync did not complete")
	}

	ui := httptest.NewServer(agent.Router)
	defer ui.Close()

	resp, err := http.Get(ui.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	state := decode[licensesync.SyncState](t, resp)
	assert.True(t, state.HasLicense)

	syncResp := postJSON(t, ui.URL+"/sync", "")
	require.Equal(t, http.StatusOK, syncResp.StatusCode)
	manual := <-events
	assert.True(t, manual.Manual)
	assert.False(t, manual.Changed)
}
