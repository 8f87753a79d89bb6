package licensesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chaingate/internal/errors"
	"chaingate/internal/shared/testutil"
	"chaingate/pkg/contracts/domain"
)

type fakeVerifier struct {
	mu      sync.Mutex
	answers []*domain.ResolvedAccess
	calls   []bool
	warm    *domain.MirrorRecord
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeVerifier) Verify(_ context.Context, _ string, manual bool) *domain.ResolvedAccess {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, manual)
	if len(f.answers) == 0 {
		return denied()
	}
	next := f.answers[0]
	if len(f.answers) > 1 {
		f.answers = f.answers[1:]
	}
	return next
}

func (f *fakeVerifier) WarmState(context.Context) (domain.MirrorRecord, bool) {
	if f.warm == nil {
		return domain.MirrorRecord{}, false
	}
	return *f.warm, true
}

func (f *fakeVerifier) Calls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

func granted(caps ...string) *domain.ResolvedAccess {
	return &domain.ResolvedAccess{Success: true, HasActiveLicense: true, UnlockedCapabilities: caps, Source: domain.SourceBackend}
}

func denied() *domain.ResolvedAccess {
	return domain.DeniedAccess(true, domain.SourceBackend, "no active license", time.Now())
}

func failed() *domain.ResolvedAccess {
	return domain.DeniedAccess(false, domain.SourceSynthesized, "license could not be verified (4 sources failed)", time.Now())
}

func newTestLoop(t *testing.T, v Verifier, ticks chan time.Time, opts ...Option) *Loop {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	opts = append([]Option{WithTicks(ticks), WithLogger(logger)}, opts...)
	l := New(v, Config{Identity: "a@x.com", SuspendThreshold: 3}, opts...)
	t.Cleanup(l.Stop)
	return l
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestLoop_InitialSyncAndTicks(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{granted("bitcoin")}}
	ticks := make(chan time.Time)
	l := newTestLoop(t, v, ticks)
	log := &eventLog{}
	l.Subscribe(log.add)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)

	first := log.all()[0]
	assert.True(t, first.Changed)
	assert.False(t, first.Manual)
	assert.True(t, first.State.HasLicense)
	assert.Equal(t, []string{"bitcoin"}, first.State.UnlockedCapabilities)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, log.all()[1].Changed, "same answer is not a change")
	assert.Equal(t, []bool{false, false}, v.Calls())
}

func TestLoop_WarmStartFromMirror(t *testing.T) {
	v := &fakeVerifier{
		warm:  &domain.MirrorRecord{HasLicense: true, UnlockedCapabilities: []string{"ethereum", "bitcoin"}},
		block: make(chan struct{}),
	}
	l := newTestLoop(t, v, make(chan time.Time))

	require.NoError(t, l.Start(context.Background()))
	state := l.State()
	assert.True(t, state.Warm)
	assert.True(t, state.HasLicense)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, state.UnlockedCapabilities)

	close(v.block)
}

func TestLoop_StartTwiceAndAfterStop(t *testing.T) {
	l := newTestLoop(t, &fakeVerifier{}, make(chan time.Time))

	require.NoError(t, l.Start(context.Background()))
	assert.Error(t, l.Start(context.Background()))

	l.Stop()
	l.Stop()
	assert.ErrorIs(t, l.Start(context.Background()), apperrors.ErrLoopStopped)

	_, err := l.Trigger(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrLoopStopped)
}

func TestLoop_InactiveHostSkipsTicks(t *testing.T) {
	v := &fakeVerifier{}
	ticks := make(chan time.Time)
	var active atomic.Bool
	l := newTestLoop(t, v, ticks, WithActiveFunc(active.Load))

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(v.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ticks <- time.Now()
	ticks <- time.Now()
	assert.Len(t, v.Calls(), 1)

	active.Store(true)
	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(v.Calls()) == 2 }, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Manual trigger and overlap
// ============================================================================

func TestLoop_TriggerIsManual(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{granted("solana")}}
	l := newTestLoop(t, v, make(chan time.Time))

	state, err := l.Trigger(context.Background())
	require.NoError(t, err)
	assert.True(t, state.HasLicense)
	assert.Equal(t, []bool{true}, v.Calls())
}

func TestLoop_OverlappingSyncIsNoop(t *testing.T) {
	v := &fakeVerifier{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLoop(t, v, make(chan time.Time))

	require.NoError(t, l.Start(context.Background()))
	<-v.entered
	assert.True(t, l.State().SyncInProgress)

	_, err := l.Trigger(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSyncInProgress)

	close(v.block)
	require.Eventually(t, func() bool { return !l.State().SyncInProgress }, time.Second, 5*time.Millisecond)
	assert.Len(t, v.Calls(), 1)
}

// ============================================================================
// Change detection
// ============================================================================

func TestLoop_ChangeIsOrderIndependent(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{
		granted("bitcoin", "ethereum"),
		granted("ethereum", "bitcoin"),
		granted("ethereum"),
		denied(),
	}}
	l := newTestLoop(t, v, make(chan time.Time))
	log := &eventLog{}
	unsubscribe := l.Subscribe(log.add)

	for i := 0; i < 4; i++ {
		_, err := l.Trigger(context.Background())
		require.NoError(t, err)
	}

	events := log.all()
	require.Len(t, events, 4)
	assert.True(t, events[0].Changed)
	assert.False(t, events[1].Changed)
	assert.True(t, events[2].Changed)
	assert.True(t, events[3].Changed)
	assert.Empty(t, events[3].State.UnlockedCapabilities)

	unsubscribe()
	_, err := l.Trigger(context.Background())
	require.NoError(t, err)
	assert.Len(t, log.all(), 4)
}

func TestLoop_SubscriberPanicIsContained(t *testing.T) {
	l := newTestLoop(t, &fakeVerifier{}, make(chan time.Time))
	l.Subscribe(func(Event) { panic("bad subscriber") })
	log := &eventLog{}
	l.Subscribe(log.add)

	require.NotPanics(t, func() {
		_, _ = l.Trigger(context.Background())
	})
	assert.Len(t, log.all(), 1)
}

// ============================================================================
// Suspension
// ============================================================================

func TestLoop_SuspendsAfterConsecutiveFailures(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{failed()}}
	ticks := make(chan time.Time)
	l := newTestLoop(t, v, ticks)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(v.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(v.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, l.State().Suspended)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return l.State().Suspended }, time.Second, 5*time.Millisecond)

	state := l.State()
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.False(t, state.HasLicense)
	assert.Equal(t, "license could not be verified (4 sources failed)", state.LastError)

	// ticks are ignored while suspended
	ticks <- time.Now()
	ticks <- time.Now()
	assert.Len(t, v.Calls(), 3)

	// a successful manual trigger resumes the loop
	v.mu.Lock()
	v.answers = []*domain.ResolvedAccess{granted("bitcoin")}
	v.mu.Unlock()

	state, err := l.Trigger(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Suspended)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Empty(t, state.LastError)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(v.Calls()) == 5 }, time.Second, 5*time.Millisecond)
}

func TestLoop_FailedManualTriggerResumesTicking(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{failed()}}
	ticks := make(chan time.Time)
	l := newTestLoop(t, v, ticks)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(v.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	ticks <- time.Now()
	ticks <- time.Now()
	require.Eventually(t, func() bool { return l.State().Suspended }, time.Second, 5*time.Millisecond)

	// the verifier keeps failing
	state, err := l.Trigger(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Suspended)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.False(t, state.HasLicense)
	assert.NotEmpty(t, state.LastError)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(v.Calls()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.State().ConsecutiveFailures)
}

func TestLoop_FailureNeverKeepsAccess(t *testing.T) {
	v := &fakeVerifier{answers: []*domain.ResolvedAccess{granted("bitcoin"), failed()}}
	l := newTestLoop(t, v, make(chan time.Time))

	state, err := l.Trigger(context.Background())
	require.NoError(t, err)
	require.True(t, state.HasLicense)

	state, err = l.Trigger(context.Background())
	require.NoError(t, err)
	assert.False(t, state.HasLicense)
	assert.Empty(t, state.UnlockedCapabilities)
	assert.Equal(t, 1, state.ConsecutiveFailures)
}
