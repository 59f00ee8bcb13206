package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/chmdznr/edusync/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - records, mutations, meta
// 2 - last confirmed value of each record (base_*)
const currentSchemaVersion = 2

var migrations = map[int][]string{
	2: {
		`ALTER TABLE records ADD COLUMN base_payload BLOB`,
		`ALTER TABLE records ADD COLUMN base_version INTEGER`,
		`ALTER TABLE records ADD COLUMN base_deleted INTEGER NOT NULL DEFAULT 0`,
		`UPDATE records SET base_payload = payload, base_version = version, base_deleted = deleted WHERE dirty = 0`,
	},
}

const (
	metaSession    = "session"
	metaCheckpoint = "checkpoint"
	metaOwner      = "owner"
)

var (
	// ErrStorageUnavailable is returned when the device denies storage access.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned when a record does not exist or was deleted.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record that already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidRecord is returned for records or mutations that cannot be stored.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrOwnerChanged is returned when remote data arrives for a user whose
	// cache was cleared or replaced in the meantime.
	ErrOwnerChanged = errors.New("cache owner changed")
	// ErrReadOnly is returned by writes on a store opened with OpenReadOnly.
	ErrReadOnly = fmt.Errorf("%w: opened read-only", ErrStorageUnavailable)
)

// DB is the on-device store: cached entities, the mutation outbox and a few
// reserved meta keys. It is the only component touching the database file.
type DB struct {
	*sql.DB

	path   string
	logger *zap.Logger
	now    func() time.Time

	// mu is held for reading by every call using the connection, so Close
	// waits for calls in flight.
	mu       sync.RWMutex
	ready    bool
	readOnly bool
}

// New creates a store for the database at path. Call Init before use.
func New(path string, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		path:   path,
		logger: logger.Named("db"),
		now:    time.Now,
	}
}

// Open is New followed by Init.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db := New(path, logger)
	if err := db.Init(); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenCached is Open, falling back to OpenReadOnly when the storage cannot be
// written but an existing database can still be read.
func OpenCached(path string, logger *zap.Logger) (*DB, error) {
	db, err := Open(path, logger)
	if err == nil || !errors.Is(err, ErrStorageUnavailable) {
		return db, err
	}
	if _, serr := os.Stat(path); serr != nil {
		return nil, err
	}
	ro, rerr := OpenReadOnly(path, logger)
	if rerr != nil {
		return nil, err
	}
	ro.logger.Warn("storage unavailable, using cached data read-only", zap.Error(err))
	return ro, nil
}

// OpenReadOnly opens an existing database without writing to it: no pragmas,
// no schema changes. Writes return ErrReadOnly.
func OpenReadOnly(path string, logger *zap.Logger) (*DB, error) {
	db := New(path, logger)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	// immutable works in read-only directories where the WAL index cannot be created
	var lastErr error
	for _, dsn := range []string{
		"file:" + path + "?mode=ro&_busy_timeout=5000",
		"file:" + path + "?mode=ro&immutable=1",
	} {
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			lastErr = err
			continue
		}
		var n int
		if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
			sqlDB.Close()
			lastErr = err
			continue
		}
		sqlDB.SetMaxOpenConns(1)
		db.DB = sqlDB
		db.ready = true
		db.readOnly = true
		db.logger.Debug("database opened read-only", zap.String("path", path))
		return db, nil
	}
	return nil, fmt.Errorf("%w: failed to open database read-only: %v", ErrStorageUnavailable, lastErr)
}

// Init opens or creates the database and applies the schema. It is safe to
// call multiple times; only the first successful call has side effects.
func (db *DB) Init() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.ready {
		return nil
	}

	if dir := filepath.Dir(db.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("%w: failed to create directory: %v", ErrStorageUnavailable, err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", db.path)
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return fmt.Errorf("%w: failed to connect to database: %v", ErrStorageUnavailable, err)
	}

	// One connection: every read-modify-write transaction is serialized,
	// which is what makes Put atomic per record.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := applySchema(sqlDB); err != nil {
		sqlDB.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	db.DB = sqlDB
	db.ready = true
	db.logger.Debug("database initialized", zap.String("path", db.path))
	return nil
}

// Close closes the database. Init may be called again afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.ready {
		return nil
	}
	db.ready = false
	db.readOnly = false
	return db.DB.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// ReadOnly reports whether the store was opened with OpenReadOnly.
func (db *DB) ReadOnly() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.readOnly
}

// conn returns the connection for one call; release must be called when the
// call is done with it.
func (db *DB) conn() (conn *sql.DB, release func(), err error) {
	db.mu.RLock()
	if !db.ready {
		db.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: database not initialized", ErrStorageUnavailable)
	}
	return db.DB, db.mu.RUnlock, nil
}

// writer is conn for calls that modify the database.
func (db *DB) writer() (*sql.DB, func(), error) {
	conn, release, err := db.conn()
	if err != nil {
		return nil, nil, err
	}
	if db.readOnly {
		release()
		return nil, nil, ErrReadOnly
	}
	return conn, release, nil
}

func applyPragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(sqlDB *sql.DB) error {
	var version int
	if err := sqlDB.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	// a fresh database gets the current schema from schemaSQL directly
	if version > 0 {
		for v := version + 1; v <= currentSchemaVersion; v++ {
			for _, stmt := range migrations[v] {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migrate to version %d: %w", v, err)
				}
			}
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, release, err := db.writer()
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getMeta(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func setMeta(ctx context.Context, q queryer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (db *DB) meta(ctx context.Context, key string) (string, bool, error) {
	conn, release, err := db.conn()
	if err != nil {
		return "", false, err
	}
	defer release()
	return getMeta(ctx, conn, key)
}

func (db *DB) setMeta(ctx context.Context, key, value string) error {
	conn, release, err := db.writer()
	if err != nil {
		return err
	}
	defer release()
	return setMeta(ctx, conn, key, value)
}

func (db *DB) deleteMeta(ctx context.Context, key string) error {
	conn, release, err := db.writer()
	if err != nil {
		return err
	}
	defer release()
	_, err = conn.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key)
	return err
}

// Checkpoint returns the last successful pull checkpoint ("" if none).
func (db *DB) Checkpoint(ctx context.Context) (string, error) {
	value, _, err := db.meta(ctx, metaCheckpoint)
	return value, err
}

// SetCheckpoint records the pull checkpoint.
func (db *DB) SetCheckpoint(ctx context.Context, checkpoint string) error {
	return db.setMeta(ctx, metaCheckpoint, checkpoint)
}

// Owner returns the user whose data is cached ("" if none).
func (db *DB) Owner(ctx context.Context) (string, error) {
	value, _, err := db.meta(ctx, metaOwner)
	return value, err
}

// SetOwner records the user whose data is cached.
func (db *DB) SetOwner(ctx context.Context, userID string) error {
	return db.setMeta(ctx, metaOwner, userID)
}

// LoadSession returns the persisted session, or nil if there is none.
// A session that cannot be decoded is discarded.
func (db *DB) LoadSession(ctx context.Context) (*models.Session, error) {
	value, ok, err := db.meta(ctx, metaSession)
	if err != nil || !ok {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(value), &session); err != nil {
		db.logger.Warn("discarding malformed persisted session", zap.Error(err))
		return nil, db.DeleteSession(ctx)
	}
	return &session, nil
}

// SaveSession persists session under the reserved session key.
func (db *DB) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return db.setMeta(ctx, metaSession, string(data))
}

// DeleteSession removes the persisted session.
func (db *DB) DeleteSession(ctx context.Context) error {
	return db.deleteMeta(ctx, metaSession)
}

// Clear wipes all records, mutations, the checkpoint and the cache owner in a
// single transaction. The persisted session is left to the auth manager.
func (db *DB) Clear(ctx context.Context) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM records`,
			`DELETE FROM mutations`,
			`DELETE FROM meta WHERE key IN ('checkpoint', 'owner')`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	db.logger.Info("local store cleared")
	return nil
}

// GetStats returns statistics about the cache and outbox.
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	conn, release, err := db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	var stats models.Stats
	err = conn.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN deleted = 0 THEN 1 END),
			COUNT(CASE WHEN dirty = 1 THEN 1 END),
			COALESCE(SUM(CASE WHEN deleted = 0 THEN LENGTH(payload) ELSE 0 END), 0)
		FROM records
	`).Scan(&stats.Records, &stats.DirtyRecords, &stats.PayloadSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(CASE WHEN last_error != '' THEN 1 END)
		FROM mutations
	`).Scan(&stats.PendingCount, &stats.RetryingCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats.Checkpoint, _, err = getMeta(ctx, conn, metaCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}
