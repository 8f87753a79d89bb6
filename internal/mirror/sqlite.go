package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/pkg/contracts/domain"
)

// SQLite is a Mirror stored in a single-file SQLite database
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (or creates) the mirror database at path
func OpenSQLite(path string) (*SQLite, error) {
	path = filepath.Clean(path)
	if strings.TrimSpace(path) == "" || path == "." {
		return nil, fmt.Errorf("mirror path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	m := &SQLite{db: db}
	if err := m.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close mirror db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return m, nil
}

func (m *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("init mirror schema: %w", err)
	}
	return nil
}

// Save implements Mirror
func (m *SQLite) Save(ctx context.Context, rec domain.MirrorRecord) error {
	if rec.UnlockedCapabilities == nil {
		rec.UnlockedCapabilities = []string{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode mirror record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return fmt.Errorf("mirror closed")
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		config.MirrorKey, string(data), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save mirror record: %w", err)
	}
	return nil
}

// Load implements Mirror
func (m *SQLite) Load(ctx context.Context) (*domain.MirrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, fmt.Errorf("mirror closed")
	}

	var data string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, config.MirrorKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(config.MirrorKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load mirror record: %w", err)
	}

	var rec domain.MirrorRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode mirror record: %w", err)
	}
	return &rec, nil
}

// Close implements Mirror
func (m *SQLite) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
