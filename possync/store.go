// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Table kinds. Each registered entity type owns one physical table per kind,
// named "<entity>_<kind>" (e.g. stockouts_offline_add), surviving restarts.
const (
	TableAll           = "all"
	TableOfflineAdd    = "offline_add"
	TableOfflineUpdate = "offline_update"
	TableOfflineDelete = "offline_delete"
	TableSyncedIDs     = "synced_ids"
)

// metaTable holds engine bookkeeping (last sync/fetch timestamps).
const metaTable = "sync_meta"

// TableName returns the physical table for an entity/kind pair.
func TableName(entity, kind string) string {
	return entity + "_" + kind
}

// Store is the local durable store: a transactional key-value table store
// over SQLite. Values are JSON documents keyed by record id; queue tables
// preserve enqueue order via their insertion timestamp. Writers are
// serialized by a mutex to avoid SQLite lock contention.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	tables  map[string]bool
	logger  *slog.Logger
}

// OpenStore opens (or creates) the SQLite database at path and prepares the
// engine schema for the given entity types.
func OpenStore(path string, entities []string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	store, err := NewStore(db, entities, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and creates the per-entity
// tables. The handle stays owned by the caller.
func NewStore(db *sql.DB, entities []string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, tables: map[string]bool{metaTable: true}, logger: logger}
	for _, entity := range entities {
		for _, kind := range []string{TableAll, TableOfflineAdd, TableOfflineUpdate, TableOfflineDelete, TableSyncedIDs} {
			s.tables[TableName(entity, kind)] = true
		}
	}
	for table := range s.tables {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			k         TEXT NOT NULL PRIMARY KEY,
			v         TEXT NOT NULL,
			queued_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
		)`, table)
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// checkTable guards the fmt.Sprintf table interpolation: only tables created
// at init time are addressable.
func (s *Store) checkTable(table string) error {
	if !s.tables[table] {
		return fmt.Errorf("possync: table %q not registered", table)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putIn(ctx context.Context, q querier, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s/%s: %w", table, key, err)
	}
	// Overwrite keeps the original queued_at so coalesced mutations retain
	// their first enqueue position.
	_, err = q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, table),
		key, string(data))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, key, err)
	}
	return nil
}

func getFrom(ctx context.Context, q querier, table, key string, out any) error {
	var data string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT v FROM "%s" WHERE k = ?`, table), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, key)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", table, key, err)
	}
	return nil
}

func deleteFrom(ctx context.Context, q querier, table, key string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE k = ?`, table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func scanOver(ctx context.Context, q querier, table string, fn func(key string, value json.RawMessage) error) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT k, v FROM "%s" ORDER BY queued_at, rowid`, table))
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("failed to scan row in %s: %w", table, err)
		}
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", table, err)
	}
	return nil
}

func countIn(ctx context.Context, q querier, table string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM "%s"`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Put writes value under key in table, overwriting any previous value.
func (s *Store) Put(ctx context.Context, table, key string, value any) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return putIn(ctx, s.db, table, key, value)
}

// Get unmarshals the value stored under key into out. Missing keys return
// ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, table, key string, out any) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	return getFrom(ctx, s.db, table, key, out)
}

// Delete removes key from table. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return deleteFrom(ctx, s.db, table, key)
}

// Scan visits every row of table in enqueue order. Returning an error from
// fn aborts the scan.
func (s *Store) Scan(ctx context.Context, table string, fn func(key string, value json.RawMessage) error) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	return scanOver(ctx, s.db, table, fn)
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	return countIn(ctx, s.db, table)
}

// Tx is an atomic multi-table write scope. All writes inside the callback
// become visible together or not at all, even across a crash mid-write.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// Update runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(&Tx{tx: tx, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Put writes value under key within the transaction.
func (t *Tx) Put(ctx context.Context, table, key string, value any) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	return putIn(ctx, t.tx, table, key, value)
}

// Get reads key within the transaction, seeing its own uncommitted writes.
func (t *Tx) Get(ctx context.Context, table, key string, out any) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	return getFrom(ctx, t.tx, table, key, out)
}

// Delete removes key within the transaction.
func (t *Tx) Delete(ctx context.Context, table, key string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	return deleteFrom(ctx, t.tx, table, key)
}

// Scan visits every row of table within the transaction, in enqueue order.
func (t *Tx) Scan(ctx context.Context, table string, fn func(key string, value json.RawMessage) error) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	return scanOver(ctx, t.tx, table, fn)
}

// Clear removes every row of table within the transaction. Used by the
// reconciliation fetch when a whole collection is replaced.
func (t *Tx) Clear(ctx context.Context, table string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}
