package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
)

// Sheet layouts, one record per row:
//
//	Users        A=user id  B=email
//	Entitlements A=user id  B=email  C=product code  D=status  E=updated at
//	Stats        A=email    B=has license  C=active products (comma separated)  D=last synced at
//	Access       A=email    B=has license  C=checked at (appended)

// SheetsStore is a Store backed by a Google Sheets spreadsheet
type SheetsStore struct {
	service *sheets.Service
	cfg     config.SheetsConfig
	logger  *slog.Logger
}

// OpenSheets creates the Sheets client. Extra options are appended after the
// credentials option so callers can redirect the endpoint.
func OpenSheets(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger, opts ...option.ClientOption) (*SheetsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets store: spreadsheet id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read sheets credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(credentialsJSON))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetsStore{
		service: service,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "sheets_store")),
	}, nil
}

func (s *SheetsStore) values(ctx context.Context, rng string) ([][]interface{}, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", rng, err)
	}
	return resp.Values, nil
}

// LookupUserID implements Store
func (s *SheetsStore) LookupUserID(ctx context.Context, email string) (string, error) {
	values, err := s.values(ctx, s.cfg.UsersRange)
	if err != nil {
		return "", err
	}
	if id, ok := findUserID(values, email); ok {
		return id, nil
	}
	return "", apperrors.NewNotFoundError("user")
}

// RowsByEmail implements Store
func (s *SheetsStore) RowsByEmail(ctx context.Context, email string) ([]EntitlementRow, error) {
	values, err := s.values(ctx, s.cfg.EntitlementsRange)
	if err != nil {
		return nil, err
	}
	want := normalizeEmail(email)
	return filterRows(parseEntitlementRows(values), func(r EntitlementRow) bool {
		return normalizeEmail(r.Email) == want
	}), nil
}

// RowsByUserID implements Store
func (s *SheetsStore) RowsByUserID(ctx context.Context, userID string) ([]EntitlementRow, error) {
	values, err := s.values(ctx, s.cfg.EntitlementsRange)
	if err != nil {
		return nil, err
	}
	return filterRows(parseEntitlementRows(values), func(r EntitlementRow) bool {
		return r.UserID == userID
	}), nil
}

// AggregateStats implements Store
func (s *SheetsStore) AggregateStats(ctx context.Context, email string) (*AggregateStats, error) {
	values, err := s.values(ctx, s.cfg.StatsRange)
	if err != nil {
		return nil, err
	}
	if stats, ok := findStats(values, email); ok {
		return stats, nil
	}
	return nil, apperrors.NewNotFoundError("license stats")
}

// PersistAccess appends the decision to the access sheet
func (s *SheetsStore) PersistAccess(ctx context.Context, email string, hasLicense bool, checkedAt time.Time) error {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{{normalizeEmail(email), hasLicense, checkedAt.UTC().Format(time.RFC3339)}},
	}
	_, err := s.service.Spreadsheets.Values.Append(s.cfg.SpreadsheetID, s.cfg.AccessRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append access row: %w", err)
	}

	s.logger.DebugContext(ctx, "access persisted",
		slog.String("email", infrastructure.MaskEmail(email)),
		slog.Bool("has_license", hasLicense))
	return nil
}

// Ping fetches the spreadsheet metadata
func (s *SheetsStore) Ping(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Get(s.cfg.SpreadsheetID).Context(ctx).Do()
	return err
}

// Close implements Store
func (s *SheetsStore) Close() error {
	return nil
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}

func findUserID(values [][]interface{}, email string) (string, bool) {
	want := normalizeEmail(email)
	for _, row := range values {
		if normalizeEmail(cell(row, 1)) == want && cell(row, 0) != "" {
			return cell(row, 0), true
		}
	}
	return "", false
}

// parseEntitlementRows skips rows without a product code
func parseEntitlementRows(values [][]interface{}) []EntitlementRow {
	rows := make([]EntitlementRow, 0, len(values))
	for _, row := range values {
		product := cell(row, 2)
		if product == "" {
			continue
		}
		rows = append(rows, EntitlementRow{
			UserID:      cell(row, 0),
			Email:       cell(row, 1),
			ProductCode: product,
			Status:      cell(row, 3),
			UpdatedAt:   parseTime(cell(row, 4)),
		})
	}
	return rows
}

func findStats(values [][]interface{}, email string) (*AggregateStats, bool) {
	want := normalizeEmail(email)
	for _, row := range values {
		if normalizeEmail(cell(row, 0)) != want {
			continue
		}
		products := splitList(cell(row, 2))
		if products == nil {
			products = []string{}
		}
		return &AggregateStats{
			Email:          want,
			HasLicense:     parseBool(cell(row, 1)),
			ActiveProducts: products,
			LastSyncedAt:   parseTime(cell(row, 3)),
		}, true
	}
	return nil, false
}

func filterRows(rows []EntitlementRow, keep func(EntitlementRow) bool) []EntitlementRow {
	out := make([]EntitlementRow, 0, len(rows))
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
