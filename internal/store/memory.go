package store

import (
	"context"
	"sync"
	"time"

	apperrors "chaingate/internal/errors"
)

// Method names accepted by MemoryStore.FailOn
const (
	MethodLookupUserID   = "LookupUserID"
	MethodRowsByEmail    = "RowsByEmail"
	MethodRowsByUserID   = "RowsByUserID"
	MethodAggregateStats = "AggregateStats"
	MethodPersistAccess  = "PersistAccess"
	MethodPing           = "Ping"
)

// AccessRecord is a persisted access decision
type AccessRecord struct {
	HasLicense bool
	CheckedAt  time.Time
}

// MemoryStore is an in-memory Store with per-method failure injection
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]string
	rows     []EntitlementRow
	stats    map[string]AggregateStats
	access   map[string]AccessRecord
	failures map[string]error
	calls    []string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]string),
		stats:    make(map[string]AggregateStats),
		access:   make(map[string]AccessRecord),
		failures: make(map[string]error),
	}
}

// AddUser registers a user id for email
func (m *MemoryStore) AddUser(userID, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[normalizeEmail(email)] = userID
}

// AddRow appends an entitlement row
func (m *MemoryStore) AddRow(row EntitlementRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
}

// SetStats stores the aggregate summary for its email
func (m *MemoryStore) SetStats(stats AggregateStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[normalizeEmail(stats.Email)] = stats
}

// FailOn makes method return err until cleared with a nil err
func (m *MemoryStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns the methods invoked so far, in order
func (m *MemoryStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Access returns the last persisted decision for email
func (m *MemoryStore) Access(email string) (AccessRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.access[normalizeEmail(email)]
	return rec, ok
}

// enter records the call and returns the injected failure; caller holds mu
func (m *MemoryStore) enter(method string) error {
	m.calls = append(m.calls, method)
	return m.failures[method]
}

// LookupUserID implements Store
func (m *MemoryStore) LookupUserID(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodLookupUserID); err != nil {
		return "", err
	}
	id, ok := m.users[normalizeEmail(email)]
	if !ok {
		return "", apperrors.NewNotFoundError("user")
	}
	return id, nil
}

// RowsByEmail implements Store
func (m *MemoryStore) RowsByEmail(_ context.Context, email string) ([]EntitlementRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodRowsByEmail); err != nil {
		return nil, err
	}
	want := normalizeEmail(email)
	return filterRows(m.rows, func(r EntitlementRow) bool { return normalizeEmail(r.Email) == want }), nil
}

// RowsByUserID implements Store
func (m *MemoryStore) RowsByUserID(_ context.Context, userID string) ([]EntitlementRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodRowsByUserID); err != nil {
		return nil, err
	}
	return filterRows(m.rows, func(r EntitlementRow) bool { return r.UserID == userID }), nil
}

// AggregateStats implements Store
func (m *MemoryStore) AggregateStats(_ context.Context, email string) (*AggregateStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodAggregateStats); err != nil {
		return nil, err
	}
	stats, ok := m.stats[normalizeEmail(email)]
	if !ok {
		return nil, apperrors.NewNotFoundError("license stats")
	}
	stats.ActiveProducts = append([]string{}, stats.ActiveProducts...)
	return &stats, nil
}

// PersistAccess implements Store
func (m *MemoryStore) PersistAccess(_ context.Context, email string, hasLicense bool, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodPersistAccess); err != nil {
		return err
	}
	m.access[normalizeEmail(email)] = AccessRecord{HasLicense: hasLicense, CheckedAt: checkedAt}
	return nil
}

// Ping implements Store
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(MethodPing)
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
