package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "chaingate/internal/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL UNIQUE,
	has_license        BOOLEAN NOT NULL DEFAULT FALSE,
	license_checked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS entitlements (
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email        TEXT NOT NULL,
	product_code TEXT NOT NULL,
	status       TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, product_code)
);

CREATE INDEX IF NOT EXISTS entitlements_email_idx ON entitlements (lower(email));

CREATE OR REPLACE VIEW license_stats AS
SELECT
	lower(email) AS email,
	bool_or(lower(status) = 'active') AS has_license,
	coalesce(array_remove(array_agg(CASE WHEN lower(status) = 'active' THEN product_code END), NULL), '{}') AS active_products,
	max(updated_at) AS last_synced_at
FROM entitlements
GROUP BY lower(email);
`

// pgDB is the subset of *pgxpool.Pool the store uses
type pgDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore is a Store backed by PostgreSQL
type PostgresStore struct {
	db     pgDB
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pool to dsn and verifies it with a ping
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{
		db:     pool,
		pool:   pool,
		logger: logger.With(slog.String("component", "postgres_store")),
	}, nil
}

// Migrate creates the tables and the aggregate view if they are missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// LookupUserID implements Store
func (s *PostgresStore) LookupUserID(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT id FROM users WHERE lower(email) = $1`, normalizeEmail(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.NewNotFoundError("user")
	}
	if err != nil {
		return "", fmt.Errorf("lookup user id: %w", err)
	}
	return id, nil
}

// RowsByEmail implements Store
func (s *PostgresStore) RowsByEmail(ctx context.Context, email string) ([]EntitlementRow, error) {
	return s.queryRows(ctx,
		`SELECT user_id, email, product_code, status, updated_at
		   FROM entitlements WHERE lower(email) = $1 ORDER BY product_code`,
		normalizeEmail(email))
}

// RowsByUserID implements Store
func (s *PostgresStore) RowsByUserID(ctx context.Context, userID string) ([]EntitlementRow, error) {
	return s.queryRows(ctx,
		`SELECT user_id, email, product_code, status, updated_at
		   FROM entitlements WHERE user_id = $1 ORDER BY product_code`,
		userID)
}

func (s *PostgresStore) queryRows(ctx context.Context, sql string, arg any) ([]EntitlementRow, error) {
	rows, err := s.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()

	out := make([]EntitlementRow, 0)
	for rows.Next() {
		var r EntitlementRow
		if err := rows.Scan(&r.UserID, &r.Email, &r.ProductCode, &r.Status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}
	return out, nil
}

// AggregateStats implements Store
func (s *PostgresStore) AggregateStats(ctx context.Context, email string) (*AggregateStats, error) {
	stats := AggregateStats{}
	var lastSynced *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT email, has_license, active_products, last_synced_at
		   FROM license_stats WHERE email = $1`, normalizeEmail(email)).
		Scan(&stats.Email, &stats.HasLicense, &stats.ActiveProducts, &lastSynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("license stats")
	}
	if err != nil {
		return nil, fmt.Errorf("query license stats: %w", err)
	}
	if lastSynced != nil {
		stats.LastSyncedAt = *lastSynced
	}
	return &stats, nil
}

// PersistAccess implements Store
func (s *PostgresStore) PersistAccess(ctx context.Context, email string, hasLicense bool, checkedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET has_license = $2, license_checked_at = $3 WHERE lower(email) = $1`,
		normalizeEmail(email), hasLicense, checkedAt)
	if err != nil {
		return fmt.Errorf("persist access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("user")
	}
	return nil
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
