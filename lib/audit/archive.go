// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/forgeguard/forgeguard/lib/codec"
)

// Archive moves every record older than cutoff into a zstd-compressed
// CBOR stream at path and deletes the rows. The archived range is
// always a prefix of the chain — rows are archived up to the newest
// row older than cutoff, regardless of small timestamp wobble — so the
// anchor row can seed verification of the remaining live chain.
// Returns the number of records archived.
//
// Archive holds the append lock for its duration. Run it from a
// maintenance path, not a request path.
func (s *Store) Archive(ctx context.Context, cutoff time.Time, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	// The newest row older than cutoff bounds the archived prefix.
	var through int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(id), 0) FROM audit_log WHERE recorded_at < ?`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				through = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("audit: finding archive bound: %w", err)
	}
	if through == 0 {
		return 0, nil
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("audit: creating archive: %w", err)
	}
	defer file.Close()

	compressor, err := zstd.NewWriter(file)
	if err != nil {
		return 0, fmt.Errorf("audit: creating zstd writer: %w", err)
	}

	encoder := codec.NewEncoder(compressor)
	count := 0
	var lastHash Hash
	err = sqlitex.Execute(conn,
		`SELECT id, recorded_at, actor, operation, target, decision, reason, chain_hash
			FROM audit_log WHERE id <= ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{through},
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
				lastHash = record.ChainHash
				count++
				return encoder.Encode(record)
			},
		})
	if err != nil {
		return 0, fmt.Errorf("audit: writing archive: %w", err)
	}

	if err := compressor.Close(); err != nil {
		return 0, fmt.Errorf("audit: flushing archive: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("audit: syncing archive: %w", err)
	}

	// Only after the archive is durable: pin the anchor and drop the
	// archived rows in one transaction.
	release := sqlitex.Transaction(conn)
	txErr := func() error {
		err := sqlitex.Execute(conn,
			`INSERT INTO audit_anchor (id, archived_to, chain_hash) VALUES (1, ?, ?)
				ON CONFLICT (id) DO UPDATE SET archived_to = excluded.archived_to,
					chain_hash = excluded.chain_hash`,
			&sqlitex.ExecOptions{Args: []any{through, lastHash[:]}})
		if err != nil {
			return fmt.Errorf("audit: updating anchor: %w", err)
		}
		err = sqlitex.Execute(conn,
			`DELETE FROM audit_log WHERE id <= ?`,
			&sqlitex.ExecOptions{Args: []any{through}})
		if err != nil {
			return fmt.Errorf("audit: pruning archived rows: %w", err)
		}
		return nil
	}()
	release(&txErr)
	if txErr != nil {
		return 0, txErr
	}

	s.logger.Info("audit records archived", "count", count, "through", through, "path", path)
	return count, nil
}

// ReadArchive decodes an archive file written by Archive.
func ReadArchive(reader io.Reader) ([]Record, error) {
	decompressor, err := zstd.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("audit: opening zstd stream: %w", err)
	}
	defer decompressor.Close()

	decoder := codec.NewDecoder(decompressor.IOReadCloser())
	var records []Record
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("audit: decoding archive record: %w", err)
		}
		records = append(records, record)
	}
}
