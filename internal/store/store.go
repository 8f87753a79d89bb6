// Package store is the remote persistent store collaborator: previously
// synced entitlement rows, an aggregate view over them, and the user profile
// flag recording the last known access decision.
//
// Implementations: PostgreSQL (pgx pool), Google Sheets (Sheets v4 API) and
// an in-memory store for tests. Missing records are reported with an error
// matching apperrors.ErrNotFound.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chaingate/internal/config"
)

// EntitlementRow is one synced product entitlement of a user
type EntitlementRow struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	ProductCode string    `json:"productCode"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsActive reports whether the row carries the active marker
func (r EntitlementRow) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "active")
}

// AggregateStats is the materialized per-identity summary of entitlement rows
type AggregateStats struct {
	Email          string    `json:"email"`
	HasLicense     bool      `json:"hasLicense"`
	ActiveProducts []string  `json:"activeProducts"`
	LastSyncedAt   time.Time `json:"lastSyncedAt"`
}

// Rows expands the summary into one active row per product
func (s AggregateStats) Rows() []EntitlementRow {
	rows := make([]EntitlementRow, 0, len(s.ActiveProducts))
	for _, p := range s.ActiveProducts {
		rows = append(rows, EntitlementRow{
			Email:       s.Email,
			ProductCode: p,
			Status:      "active",
			UpdatedAt:   s.LastSyncedAt,
		})
	}
	return rows
}

// Store is the remote persistent store
type Store interface {
	// LookupUserID resolves an identity to its user id
	LookupUserID(ctx context.Context, email string) (string, error)
	// RowsByEmail returns the raw entitlement rows keyed by identity
	RowsByEmail(ctx context.Context, email string) ([]EntitlementRow, error)
	// RowsByUserID returns the raw entitlement rows of a user id
	RowsByUserID(ctx context.Context, userID string) ([]EntitlementRow, error)
	// AggregateStats returns the materialized summary for an identity
	AggregateStats(ctx context.Context, email string) (*AggregateStats, error)
	// PersistAccess records the last known access boolean on the profile
	PersistAccess(ctx context.Context, email string, hasLicense bool, checkedAt time.Time) error
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close releases resources
	Close() error
}

// Open connects the store selected by cfg.Driver. The "none" driver yields a
// nil Store and no error.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	switch cfg.Driver {
	case "", config.StoreDriverNone:
		return nil, nil
	case config.StoreDriverPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDriverSheets:
		s, err := OpenSheets(ctx, cfg.Sheets, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// parseBool accepts the spellings spreadsheets and CSV exports produce
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

// parseTime accepts RFC 3339 and a plain date; anything else is zero
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
