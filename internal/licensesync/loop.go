// Package licensesync keeps the agent's license state fresh. A Loop verifies
// once on start, then on every interval tick while the host reports itself
// active, and on demand. Subscribers are told about every completed sync and
// whether the access set actually changed.
package licensesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/license"
	"chaingate/pkg/contracts/domain"
)

// Sync outcomes recorded in metrics
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSuspended = "suspended"
)

// Verifier produces access decisions; *client.Verifier satisfies it
type Verifier interface {
	Verify(ctx context.Context, identity string, manual bool) *domain.ResolvedAccess
	WarmState(ctx context.Context) (domain.MirrorRecord, bool)
}

// ActiveFunc reports whether the host is in the foreground. Interval ticks
// are skipped while it returns false.
type ActiveFunc func() bool

// SyncState is the agent's view of the license
type SyncState struct {
	HasLicense           bool      `json:"hasLicense"`
	UnlockedCapabilities []string  `json:"unlockedCapabilities"`
	LastSyncAt           time.Time `json:"lastSyncAt"`
	SyncInProgress       bool      `json:"syncInProgress"`
	LastError            string    `json:"lastError,omitempty"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	Suspended            bool      `json:"suspended"`
	Source               string    `json:"source,omitempty"`
	Warm                 bool      `json:"warm,omitempty"`
}

func (s SyncState) clone() SyncState {
	s.UnlockedCapabilities = append([]string{}, s.UnlockedCapabilities...)
	return s
}

// Event is delivered to subscribers after every sync
type Event struct {
	State   SyncState `json:"state"`
	Changed bool      `json:"changed"`
	Manual  bool      `json:"manual"`
}

// Config controls a Loop
type Config struct {
	Identity         string
	Interval         time.Duration
	SuspendThreshold int
}

// Option configures a Loop
type Option func(*Loop)

// WithActiveFunc gates interval ticks
func WithActiveFunc(fn ActiveFunc) Option {
	return func(l *Loop) { l.active = fn }
}

// WithTicks replaces the interval ticker with ch
func WithTicks(ch <-chan time.Time) Option {
	return func(l *Loop) { l.ticks = ch }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records sync outcomes
func WithMetrics(m *license.LicenseMetrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the continuous sync loop
type Loop struct {
	cfg      Config
	verifier Verifier
	active   ActiveFunc
	ticks    <-chan time.Time
	metrics  *license.LicenseMetrics
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	state       SyncState
	subscribers map[int]func(Event)
	nextID      int
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a stopped loop for cfg.Identity
func New(v Verifier, cfg Config, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultSyncInterval
	}
	if cfg.SuspendThreshold <= 0 {
		cfg.SuspendThreshold = config.DefaultSuspendThreshold
	}

	l := &Loop{
		cfg:         cfg,
		verifier:    v,
		active:      func() bool { return true },
		logger:      slog.Default(),
		now:         time.Now,
		state:       SyncState{UnlockedCapabilities: []string{}},
		subscribers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "license_sync"))
	return l
}

// Start seeds the state from the local mirror, runs the initial sync and
// begins the interval timer. It returns once the loop goroutine is running.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return apperrors.ErrLoopStopped
	}
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("sync loop already started")
	}
	l.started = true

	if rec, ok := l.verifier.WarmState(ctx); ok {
		l.state.HasLicense = rec.HasLicense
		l.state.UnlockedCapabilities = domain.SortedCapabilities(rec.UnlockedCapabilities)
		l.state.LastSyncAt = rec.CheckedAt
		l.state.Warm = true
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	ticks := l.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(l.cfg.Interval)
		ticks = ticker.C
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "license sync loop started",
		slog.String("identity", infrastructure.MaskEmail(l.cfg.Identity)),
		slog.Duration("interval", l.cfg.Interval))

	go func() {
		defer close(l.done)
		if ticker != nil {
			defer ticker.Stop()
		}

		l.runSync(ctx, false)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				if l.State().Suspended {
					continue
				}
				if !l.active() {
					l.logger.DebugContext(ctx, "host inactive, skipping sync tick")
					continue
				}
				l.runSync(ctx, false)
			}
		}
	}()

	return nil
}

// Stop halts the timer and waits for an in-flight interval sync to finish
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	l.logger.Info("license sync loop stopped")
}

// Subscribe registers fn for every completed sync and returns a function
// that removes it. fn runs on the syncing goroutine and must not block.
func (l *Loop) Subscribe(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.subscribers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// Trigger runs a manual sync on the caller's goroutine, forcing the backend
// past its cache and lifting a suspension. It fails with ErrSyncInProgress
// if another sync is running and ErrLoopStopped after Stop.
func (l *Loop) Trigger(ctx context.Context) (SyncState, error) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return l.State(), apperrors.ErrLoopStopped
	}
	return l.runSync(ctx, true)
}

// State returns a snapshot of the current state
func (l *Loop) State() SyncState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

func (l *Loop) runSync(ctx context.Context, manual bool) (SyncState, error) {
	l.mu.Lock()
	if l.state.SyncInProgress {
		snapshot := l.state.clone()
		l.mu.Unlock()
		return snapshot, apperrors.ErrSyncInProgress
	}
	l.state.SyncInProgress = true
	l.mu.Unlock()

	access := l.verifier.Verify(ctx, l.cfg.Identity, manual)
	if access == nil {
		access = domain.DeniedAccess(false, domain.SourceSynthesized, "verifier returned no answer", l.now())
	}

	l.mu.Lock()
	prev := l.state
	next := prev.clone()
	next.SyncInProgress = false
	next.LastSyncAt = l.now()
	next.Source = access.Source
	next.Warm = false
	next.HasLicense = access.HasActiveLicense
	next.UnlockedCapabilities = domain.SortedCapabilities(access.UnlockedCapabilities)
	if !next.HasLicense {
		next.UnlockedCapabilities = []string{}
	}

	// a manual trigger restarts the failure count even when it fails
	if manual {
		next.ConsecutiveFailures = 0
		next.Suspended = false
	}

	outcome := OutcomeSuccess
	if access.Success {
		next.ConsecutiveFailures = 0
		next.LastError = ""
		next.Suspended = false
	} else {
		outcome = OutcomeFailure
		next.ConsecutiveFailures++
		next.LastError = access.Message
		if next.ConsecutiveFailures >= l.cfg.SuspendThreshold {
			next.Suspended = true
			outcome = OutcomeSuspended
		}
	}

	changed := prev.HasLicense != next.HasLicense ||
		!domain.SameCapabilities(prev.UnlockedCapabilities, next.UnlockedCapabilities)

	l.state = next
	subscribers := make([]func(Event), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subscribers = append(subscribers, fn)
	}
	l.mu.Unlock()

	l.metrics.RecordSync(ctx, outcome)
	l.logger.InfoContext(ctx, "license sync completed",
		slog.Bool("manual", manual),
		slog.String("outcome", outcome),
		slog.Bool("has_license", next.HasLicense),
		slog.Bool("changed", changed),
		slog.Int("consecutive_failures", next.ConsecutiveFailures))
	if outcome == OutcomeSuspended && !prev.Suspended {
		l.logger.WarnContext(ctx, "license sync suspended until manual trigger",
			slog.Int("failures", next.ConsecutiveFailures))
	}

	event := Event{State: next.clone(), Changed: changed, Manual: manual}
	for _, fn := range subscribers {
		l.notify(ctx, fn, event)
	}

	return next.clone(), nil
}

func (l *Loop) notify(ctx context.Context, fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "sync subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn(Event{State: event.State.clone(), Changed: event.Changed, Manual: event.Manual})
}
