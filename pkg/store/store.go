// Package store is a minimal key-value wrapper over an embedded sqlite
// database with a fixed set of partitions.
//
// Every operation opens the database, performs one statement (or one
// transaction for Batch) and closes it again. No connection outlives a call,
// so a process can be suspended or restarted at any point without leaking
// handles.
//
// The schema is versioned through PRAGMA user_version. Adding a partition
// means appending a migration and bumping SchemaVersion; Open applies pending
// migrations before the store is used.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Partition names one table of the store.
type Partition string

const (
	// PartitionInit holds the delivered content snapshot.
	PartitionInit Partition = "init"

	// PartitionRequests holds deferred write requests.
	PartitionRequests Partition = "requests"

	// PartitionState holds small pieces of gateway state.
	PartitionState Partition = "state"
)

// Partitions lists every partition of the current schema.
var Partitions = []Partition{PartitionInit, PartitionRequests, PartitionState}

// SchemaVersion is the version Open migrates to.
const SchemaVersion = 1

// migrations[i] upgrades the schema from version i to i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS init (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS requests (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS state (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

var (
	// ErrNotFound indicates the key does not exist in the partition
	ErrNotFound = errors.New("key not found")

	// ErrUnknownPartition indicates a partition outside the schema
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrSchemaTooNew indicates a database written by a newer schema
	ErrSchemaTooNew = errors.New("database schema is newer than supported")
)

// OpType is the kind of a batch operation.
type OpType int

const (
	// OpPut stores Value under Key.
	OpPut OpType = iota

	// OpDel removes Key.
	OpDel
)

// Op is one operation of a Batch.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Record is one key-value pair returned by All.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is the key-value wrapper. It holds no open connection.
type Store struct {
	dsn    string
	logger zerolog.Logger
}

// Open prepares the database at path and applies pending migrations.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	s := &Store{
		dsn:    dsn(path),
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	query := url.Values{}
	query.Add("_pragma", "busy_timeout(5000)")
	query.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + query.Encode()
}

// Migrate upgrades the schema to SchemaVersion.
func (s *Store) Migrate(ctx context.Context) error {
	return s.with(ctx, "migrate", "", func(db *sql.DB) error {
		var version int
		if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version > SchemaVersion {
			return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, version, SchemaVersion)
		}

		for v := version; v < SchemaVersion; v++ {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin migration %d: %w", v+1, err)
			}
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", v+1, err)
			}
			// PRAGMA does not accept bound parameters.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
				tx.Rollback()
				return fmt.Errorf("set schema version %d: %w", v+1, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration %d: %w", v+1, err)
			}
			s.logger.Info().Int("version", v+1).Msg("Store schema migrated")
		}
		return nil
	})
}

// Version returns the schema version of the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version int
	err := s.with(ctx, "version", "", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	})
	return version, err
}

// Get returns the value stored under key.
// Returns ErrNotFound if the key doesn't exist.
func (s *Store) Get(ctx context.Context, p Partition, key string) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	var value []byte
	err := s.with(ctx, "get", p, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, "SELECT value FROM "+string(p)+" WHERE key = ?", key)
		if err := row.Scan(&value); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select %s/%s: %w", p, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, p Partition, key string, value []byte) error {
	return s.Batch(ctx, p, []Op{{Type: OpPut, Key: key, Value: value}})
}

// Del removes key. Removing a missing key is not an error.
func (s *Store) Del(ctx context.Context, p Partition, key string) error {
	return s.Batch(ctx, p, []Op{{Type: OpDel, Key: key}})
}

// Batch applies ops in one transaction.
func (s *Store) Batch(ctx context.Context, p Partition, ops []Op) error {
	if err := validate(p); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	return s.with(ctx, "batch", p, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}

		now := time.Now().UnixMilli()
		for _, op := range ops {
			switch op.Type {
			case OpPut:
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				_, err = tx.ExecContext(ctx,
					"INSERT INTO "+string(p)+" (key, value, updated_at) VALUES (?, ?, ?) "+
						"ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
					op.Key, value, now)
			case OpDel:
				_, err = tx.ExecContext(ctx, "DELETE FROM "+string(p)+" WHERE key = ?", op.Key)
			default:
				err = fmt.Errorf("unknown op type %d", op.Type)
			}
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("batch %s/%s: %w", p, op.Key, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		return nil
	})
}

// All returns every record of p in insertion order.
func (s *Store) All(ctx context.Context, p Partition) ([]Record, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	var records []Record
	err := s.with(ctx, "all", p, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, "SELECT key, value, updated_at FROM "+string(p)+" ORDER BY seq")
		if err != nil {
			return fmt.Errorf("select %s: %w", p, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     Record
				updated int64
			)
			if err := rows.Scan(&rec.Key, &rec.Value, &updated); err != nil {
				return fmt.Errorf("scan %s: %w", p, err)
			}
			rec.UpdatedAt = time.UnixMilli(updated)
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// with opens the database, runs fn and closes the database again.
func (s *Store) with(ctx context.Context, operation string, p Partition, fn func(db *sql.DB) error) error {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		storeErrors.WithLabelValues(operation).Inc()
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	storeOperations.WithLabelValues(string(p), operation).Inc()
	if err := fn(db); err != nil {
		if !errors.Is(err, ErrNotFound) {
			storeErrors.WithLabelValues(operation).Inc()
			s.logger.Debug().Err(err).Str("partition", string(p)).Str("operation", operation).Msg("Store operation failed")
		}
		return err
	}
	return nil
}

func validate(p Partition) error {
	for _, known := range Partitions {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownPartition, p)
}
