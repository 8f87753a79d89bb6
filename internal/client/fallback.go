package client

import (
	"context"
	"fmt"
	"time"

	"chaingate/internal/store"
	"chaingate/pkg/contracts/domain"
)

// FallbackSource is one degraded source consulted when the backend cannot
// answer. A nil error with an empty slice is a terminal "no license" answer.
type FallbackSource interface {
	// Name is the ResolvedAccess.Source reported when this stage answers
	Name() string
	Attempt(ctx context.Context, identity string) ([]store.EntitlementRow, error)
}

// StatsSource reads the aggregate-stats view
type StatsSource struct{ Store store.Store }

// Name implements FallbackSource
func (StatsSource) Name() string { return domain.SourceStats }

// Attempt implements FallbackSource
func (s StatsSource) Attempt(ctx context.Context, identity string) ([]store.EntitlementRow, error) {
	stats, err := s.Store.AggregateStats(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	return stats.Rows(), nil
}

// RowsSource reads raw entitlement rows keyed by identity
type RowsSource struct{ Store store.Store }

// Name implements FallbackSource
func (RowsSource) Name() string { return domain.SourceRows }

// Attempt implements FallbackSource
func (s RowsSource) Attempt(ctx context.Context, identity string) ([]store.EntitlementRow, error) {
	rows, err := s.Store.RowsByEmail(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("rows by email: %w", err)
	}
	return rows, nil
}

// RowsByUserSource resolves the user id first and reads rows by that id
type RowsByUserSource struct{ Store store.Store }

// Name implements FallbackSource
func (RowsByUserSource) Name() string { return domain.SourceRowsByUser }

// Attempt implements FallbackSource
func (s RowsByUserSource) Attempt(ctx context.Context, identity string) ([]store.EntitlementRow, error) {
	userID, err := s.Store.LookupUserID(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("lookup user id: %w", err)
	}
	rows, err := s.Store.RowsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rows by user id: %w", err)
	}
	return rows, nil
}

// StoreSources returns the remote store stages in cascade order. A nil store
// yields no stages.
func StoreSources(s store.Store) []FallbackSource {
	if s == nil {
		return nil
	}
	return []FallbackSource{StatsSource{Store: s}, RowsSource{Store: s}, RowsByUserSource{Store: s}}
}

// rowsToResults maps each row to the check result it stands for
func rowsToResults(rows []store.EntitlementRow, now time.Time) []domain.UpstreamCheckResult {
	results := make([]domain.UpstreamCheckResult, 0, len(rows))
	for _, row := range rows {
		r := domain.UpstreamCheckResult{
			Identifier:  row.ProductCode,
			Status:      domain.CheckStatusInactive,
			RawResponse: row.Status,
			ObservedAt:  now,
		}
		if row.IsActive() {
			r.Status = domain.CheckStatusActive
		}
		if !row.UpdatedAt.IsZero() {
			r.ObservedAt = row.UpdatedAt
		}
		results = append(results, r)
	}
	return results
}
