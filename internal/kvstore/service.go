package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bullion-custody-go/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Sentinel errors shared by every store operation.
var (
	ErrNotFound        = errors.New("key not found")
	ErrKeyExists       = errors.New("key already exists")
	ErrVersionConflict = errors.New("version conflict detected")
)

// Record is one versioned value. Version increments on every accepted
// write, so it doubles as the compare-and-set token.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the durable state store: namespaced keys with atomic
// per-key read/write and version-guarded conditional update. Every
// component coordinates through it; no component caches authoritative
// state across requests.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, cfg models.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening state store", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open state store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping state store: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("State store initialized")
	return store, nil
}

// OpenInMemory returns an ephemeral store for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the in-memory database alive.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close state store", zap.Error(err))
	}
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schemaRecords)
	return err
}

// Get returns the record at (namespace, key) or ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Record, error) {
	rec := &Record{Key: key}
	err := s.db.QueryRowContext(ctx, queryGetRecord, namespace, key).Scan(&rec.Value, &rec.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", namespace, key, err)
	}
	return rec, nil
}

// Create inserts a new record, failing with ErrKeyExists if the key is
// already present. This is the primitive behind every uniqueness
// invariant (address strings, source-transaction idempotency keys).
func (s *Store) Create(ctx context.Context, namespace, key string, value []byte) error {
	res, err := s.db.ExecContext(ctx, queryInsertRecord, namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to create record %s/%s: %w", namespace, key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", ErrKeyExists, namespace, key)
	}
	return nil
}

// Put unconditionally upserts a record, bumping its version.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertRecord, namespace, key, value); err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Update writes a record only if its current version equals
// expectedVersion. Losing a race yields ErrVersionConflict; callers
// re-read and decide whether to retry or reject.
func (s *Store) Update(ctx context.Context, namespace, key string, value []byte, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, queryUpdateRecord, value, namespace, key, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update record %s/%s: %w", namespace, key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		if _, gerr := s.Get(ctx, namespace, key); errors.Is(gerr, ErrNotFound) {
			return gerr
		}
		return fmt.Errorf("%w: %s/%s", ErrVersionConflict, namespace, key)
	}
	return nil
}

// Delete removes a record. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, queryDeleteRecord, namespace, key); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all records in a namespace whose key starts with prefix,
// ordered by key. An empty prefix scans the whole namespace.
func (s *Store) List(ctx context.Context, namespace, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, queryListRecords, namespace, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s*: %w", namespace, prefix, err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
