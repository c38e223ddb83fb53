// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	actor       TEXT NOT NULL,
	operation   TEXT NOT NULL,
	target      TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	chain_hash  BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_log_recorded_at
	ON audit_log(recorded_at);

CREATE TABLE IF NOT EXISTS audit_anchor (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	archived_to  INTEGER NOT NULL,
	chain_hash   BLOB NOT NULL
);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the audit log. Append is serialized by a mutex: the chain
// hash of record N is an input to record N+1, so writes cannot
// interleave. Reads go through the pool concurrently.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	head Hash // chain hash of the newest record
}

// Open opens or creates the audit store and loads the chain head.
func Open(cfg Config) (*Store, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	store := &Store{pool: pool, clock: clk, logger: logger}
	if err := store.loadHead(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// loadHead seeds the in-memory chain head from the newest row, falling
// back to the archive anchor, falling back to the zero hash for an
// empty store.
func (s *Store) loadHead(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		`SELECT chain_hash FROM audit_log ORDER BY id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stmt.ColumnBytes(0, s.head[:])
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("audit: loading chain head: %w", err)
	}
	if found {
		return nil
	}

	err = sqlitex.Execute(conn,
		`SELECT chain_hash FROM audit_anchor WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stmt.ColumnBytes(0, s.head[:])
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("audit: loading archive anchor: %w", err)
	}
	return nil
}

// Append commits one record and returns it with its assigned ID and
// chain hash. Synchronous: when Append returns nil, the record is in
// the database. The caller must not respond to the mediated request
// before this returns.
func (s *Store) Append(ctx context.Context, entry Entry) (*Record, error) {
	if entry.Actor == "" || entry.Operation == "" {
		return nil, fmt.Errorf("audit: entry requires actor and operation")
	}
	if entry.Decision == DecisionDeny && entry.Reason == "" {
		return nil, fmt.Errorf("audit: denial requires a reason")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	hash, err := chainHash(s.head, now, entry)
	if err != nil {
		return nil, fmt.Errorf("audit: hashing record: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO audit_log
			(recorded_at, actor, operation, target, decision, reason, chain_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				now.UnixNano(),
				entry.Actor,
				entry.Operation,
				entry.Target,
				string(entry.Decision),
				entry.Reason,
				hash[:],
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: appending record: %w", err)
	}

	s.head = hash

	return &Record{
		ID:        conn.LastInsertRowID(),
		Time:      now,
		Actor:     entry.Actor,
		Operation: entry.Operation,
		Target:    entry.Target,
		Decision:  entry.Decision,
		Reason:    entry.Reason,
		ChainHash: hash,
	}, nil
}

// Verify recomputes the chain over every live row and checks it
// against the stored hashes and the in-memory head. Returns the number
// of records verified. Any mismatch — a rewritten field, a missing or
// reordered row, a truncated tail — returns an error naming the first
// bad record.
func (s *Store) Verify(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	previous, err := anchorHash(conn)
	if err != nil {
		return 0, err
	}

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT id, recorded_at, actor, operation, target, decision, reason, chain_hash
			FROM audit_log ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnInt64(0)
				entry := Entry{
					Actor:     stmt.ColumnText(2),
					Operation: stmt.ColumnText(3),
					Target:    stmt.ColumnText(4),
					Decision:  Decision(stmt.ColumnText(5)),
					Reason:    stmt.ColumnText(6),
				}
				var stored Hash
				stmt.ColumnBytes(7, stored[:])

				expected, err := chainHash(previous, time.Unix(0, stmt.ColumnInt64(1)), entry)
				if err != nil {
					return err
				}
				if expected != stored {
					return fmt.Errorf("audit: chain broken at record %d", id)
				}
				previous = expected
				count++
				return nil
			},
		})
	if err != nil {
		return count, err
	}

	if previous != s.head {
		return count, fmt.Errorf("audit: chain head mismatch: log tail has been truncated or rewritten")
	}
	return count, nil
}

// Recent returns up to limit newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn,
		`SELECT id, recorded_at, actor, operation, target, decision, reason, chain_hash
			FROM audit_log ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := Record{
					ID:        stmt.ColumnInt64(0),
					Time:      time.Unix(0, stmt.ColumnInt64(1)),
					Actor:     stmt.ColumnText(2),
					Operation: stmt.ColumnText(3),
					Target:    stmt.ColumnText(4),
					Decision:  Decision(stmt.ColumnText(5)),
					Reason:    stmt.ColumnText(6),
				}
				stmt.ColumnBytes(7, record.ChainHash[:])
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: reading recent records: %w", err)
	}
	return records, nil
}

// anchorHash returns the archive anchor's chain hash, or the zero hash
// when nothing has been archived.
func anchorHash(conn *sqlite.Conn) (Hash, error) {
	var hash Hash
	err := sqlitex.Execute(conn,
		`SELECT chain_hash FROM audit_anchor WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stmt.ColumnBytes(0, hash[:])
				return nil
			},
		})
	if err != nil {
		return Hash{}, fmt.Errorf("audit: reading archive anchor: %w", err)
	}
	return hash, nil
}
