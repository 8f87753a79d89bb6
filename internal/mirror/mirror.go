// Package mirror persists the last successful license verification on the
// agent's machine so the UI can render a decision before the first sync.
//
// The mirror holds a single record under the license-status key. A missing
// record is reported with an error matching apperrors.ErrNotFound.
package mirror

import (
	"context"
	"sync"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/pkg/contracts/domain"
)

// Mirror is the local key-value copy of the last verification
type Mirror interface {
	Save(ctx context.Context, rec domain.MirrorRecord) error
	Load(ctx context.Context) (*domain.MirrorRecord, error)
	Close() error
}

// Memory is an in-process Mirror
type Memory struct {
	mu    sync.RWMutex
	rec   *domain.MirrorRecord
	saves int
}

// NewMemory creates an empty in-memory mirror
func NewMemory() *Memory {
	return &Memory{}
}

// Save implements Mirror
func (m *Memory) Save(_ context.Context, rec domain.MirrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UnlockedCapabilities = append([]string{}, rec.UnlockedCapabilities...)
	m.rec = &rec
	m.saves++
	return nil
}

// Load implements Mirror
func (m *Memory) Load(context.Context) (*domain.MirrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return nil, apperrors.NewNotFoundError(config.MirrorKey)
	}
	out := *m.rec
	out.UnlockedCapabilities = append([]string{}, m.rec.UnlockedCapabilities...)
	return &out, nil
}

// Saves reports how many records have been written
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close implements Mirror
func (m *Memory) Close() error {
	return nil
}
