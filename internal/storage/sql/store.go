package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DefaultPageSize is the number of items returned per scan page.
const DefaultPageSize = 500

const itemColumns = `pk, country, event_type, date, rule, sequence, global_mirror, regional_mirror`

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db       *sqlx.DB
	driver   string
	pageSize int
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and runs migrations.
func New(driver, dsn string, pageSize int) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == "sqlite3" {
		// a single writer avoids "database is locked" under concurrent admissions
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{db: db, driver: driver, pageSize: pageSize}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================
// Keyed items
// ============================================

func (s *Store) GetItem(ctx context.Context, key string) (*domain.Item, error) {
	var item domain.Item
	err := s.db.GetContext(ctx, &item,
		`SELECT `+itemColumns+` FROM items WHERE pk = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) PutItem(ctx context.Context, item *domain.Item) error {
	if item.PK == "" {
		return domain.ErrInvalidInput
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (:pk, :country, :event_type, :date, :rule, :sequence, :global_mirror, :regional_mirror)
		 ON CONFLICT (pk) DO UPDATE SET
		   country = excluded.country,
		   event_type = excluded.event_type,
		   date = excluded.date,
		   rule = excluded.rule,
		   sequence = excluded.sequence,
		   global_mirror = excluded.global_mirror,
		   regional_mirror = excluded.regional_mirror`, item)
	return err
}

// PutItemIfAbsent relies on the primary key: a duplicate insert is reported as
// PutExists rather than an error.
func (s *Store) PutItemIfAbsent(ctx context.Context, item *domain.Item) (storage.PutResult, error) {
	if item.PK == "" {
		return storage.PutCreated, domain.ErrInvalidInput
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (:pk, :country, :event_type, :date, :rule, :sequence, :global_mirror, :regional_mirror)`, item)
	if isUniqueViolation(err) {
		return storage.PutExists, nil
	}
	if err != nil {
		return storage.PutCreated, err
	}
	return storage.PutCreated, nil
}

func (s *Store) DeleteItem(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE pk = $1`, key)
	return err
}

func (s *Store) BatchDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM items WHERE pk IN (?)`, keys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

// Scan pages through items in key order; the page token is the last key returned.
func (s *Store) Scan(ctx context.Context, filter storage.ScanFilter, pageToken string) (*storage.ScanPage, error) {
	var items []*domain.Item
	err := s.db.SelectContext(ctx, &items,
		`SELECT `+itemColumns+` FROM items
		 WHERE pk > CAST($1 AS TEXT)
		   AND (CAST($2 AS TEXT) = '' OR substr(pk, 1, length(CAST($2 AS TEXT))) = CAST($2 AS TEXT))
		   AND (CAST($3 AS TEXT) = '' OR date < CAST($3 AS TEXT))
		 ORDER BY pk
		 LIMIT $4`,
		pageToken, filter.KeyPrefix, filter.DateBefore, s.pageSize+1)
	if err != nil {
		return nil, err
	}

	page := &storage.ScanPage{Items: items}
	if len(items) > s.pageSize {
		page.Items = items[:s.pageSize]
		page.NextToken = page.Items[len(page.Items)-1].PK
	}
	return page, nil
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.LastUsedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.GetContext(ctx, &key,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	err := s.db.SelectContext(ctx, &keys,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

// ============================================
// Sync records
// ============================================

func (s *Store) CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sync_records (id, mirror_name, mirror_id, scope, members, status, error, created_at)
		 VALUES (:id, :mirror_name, :mirror_id, :scope, :members, :status, :error, :created_at)`, record)
	return err
}

func (s *Store) ListSyncRecords(ctx context.Context, limit, offset int) ([]*domain.SyncRecord, error) {
	records := []*domain.SyncRecord{}
	err := s.db.SelectContext(ctx, &records,
		`SELECT id, mirror_name, mirror_id, scope, members, status, error, created_at
		 FROM sync_records ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	return records, err
}
