// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/sqlitepool"
)

func testStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "audit.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendN(t *testing.T, store *Store, n int, decision Decision) []Record {
	t.Helper()
	var records []Record
	for i := range n {
		record, err := store.Append(context.Background(), Entry{
			Actor:     "forgeguard-bot",
			Operation: "push",
			Target:    "owner/repo@agent/feature-1",
			Decision:  decision,
			Reason:    "reserved prefix",
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		records = append(records, *record)
	}
	return records
}

func TestAppendAndVerify(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := testStore(t, clk)

	records := appendN(t, store, 5, DecisionAllow)

	for i := 1; i < len(records); i++ {
		if records[i].ChainHash == records[i-1].ChainHash {
			t.Fatal("consecutive records share a chain hash")
		}
		if records[i].ID <= records[i-1].ID {
			t.Fatal("IDs not monotonic")
		}
	}

	count, err := store.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if count != 5 {
		t.Errorf("Verify count = %d, want 5", count)
	}
}

func TestDenialRequiresReason(t *testing.T) {
	store := testStore(t, clock.Real())
	_, err := store.Append(context.Background(), Entry{
		Actor:     "forgeguard-bot",
		Operation: "merge",
		Target:    "owner/repo#7",
		Decision:  DecisionDeny,
	})
	if err == nil {
		t.Fatal("Append accepted a denial without a reason")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(Config{Path: dbPath, Clock: clk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for range 3 {
		if _, err := store.Append(context.Background(), Entry{
			Actor:     "forgeguard-bot",
			Operation: "push",
			Target:    "owner/repo@agent/x",
			Decision:  DecisionAllow,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Rewrite a record behind the store's back.
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("opening raw pool: %v", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		`UPDATE audit_log SET decision = 'deny', reason = 'forged' WHERE id = 2`, nil)
	pool.Put(conn)
	pool.Close()
	if err != nil {
		t.Fatalf("tampering update: %v", err)
	}

	_, err = store.Verify(context.Background())
	if err == nil {
		t.Fatal("Verify accepted a tampered log")
	}
	if !strings.Contains(err.Error(), "record 2") {
		t.Errorf("Verify error = %v, want it to name record 2", err)
	}
}

func TestVerifyDetectsTailTruncation(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(Config{Path: dbPath, Clock: clk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for range 3 {
		if _, err := store.Append(context.Background(), Entry{
			Actor:     "forgeguard-bot",
			Operation: "pr_create",
			Target:    "owner/repo",
			Decision:  DecisionAllow,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("opening raw pool: %v", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn, `DELETE FROM audit_log WHERE id = 3`, nil)
	pool.Put(conn)
	pool.Close()
	if err != nil {
		t.Fatalf("truncating delete: %v", err)
	}

	if _, err := store.Verify(context.Background()); err == nil {
		t.Fatal("Verify accepted a truncated log")
	}
}

func TestRecent(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := testStore(t, clk)
	appendN(t, store, 4, DecisionAllow)

	records, err := store.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].ID != 4 || records[1].ID != 3 {
		t.Errorf("IDs = %d, %d, want newest first (4, 3)", records[0].ID, records[1].ID)
	}
}

func TestArchive(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	store := testStore(t, clk)

	appendN(t, store, 5, DecisionAllow)
	clk.Advance(48 * time.Hour)
	appendN(t, store, 2, DecisionDeny)

	archivePath := filepath.Join(t.TempDir(), "audit-archive.cbor.zst")
	count, err := store.Archive(context.Background(), start.Add(24*time.Hour), archivePath)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if count != 5 {
		t.Errorf("archived %d records, want 5", count)
	}

	// The live chain still verifies, seeded from the anchor.
	live, err := store.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify after archive: %v", err)
	}
	if live != 2 {
		t.Errorf("live records = %d, want 2", live)
	}

	// Appends continue on the same chain.
	appendN(t, store, 1, DecisionAllow)
	if _, err := store.Verify(context.Background()); err != nil {
		t.Fatalf("Verify after post-archive append: %v", err)
	}

	// The archive round-trips.
	file, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer file.Close()
	archived, err := ReadArchive(file)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(archived) != 5 {
		t.Fatalf("archive holds %d records, want 5", len(archived))
	}
	if archived[0].ID != 1 || archived[4].ID != 5 {
		t.Errorf("archive IDs = %d..%d, want 1..5", archived[0].ID, archived[4].ID)
	}
	if archived[2].Actor != "forgeguard-bot" {
		t.Errorf("archived actor = %q", archived[2].Actor)
	}
}

func TestArchiveNothingOld(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	store := testStore(t, clk)
	appendN(t, store, 2, DecisionAllow)

	archivePath := filepath.Join(t.TempDir(), "empty.cbor.zst")
	count, err := store.Archive(context.Background(), start.Add(-time.Hour), archivePath)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if count != 0 {
		t.Errorf("archived %d records, want 0", count)
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("archive file created with nothing to archive")
	}
}

func TestReopenContinuesChain(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	store, err := Open(Config{Path: dbPath, Clock: clk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Append(context.Background(), Entry{
		Actor: "forgeguard-bot", Operation: "push", Target: "owner/repo@agent/a", Decision: DecisionAllow,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.Close()

	reopened, err := Open(Config{Path: dbPath, Clock: clk})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Append(context.Background(), Entry{
		Actor: "forgeguard-bot", Operation: "push", Target: "owner/repo@agent/b", Decision: DecisionAllow,
	}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if count, err := reopened.Verify(context.Background()); err != nil || count != 2 {
		t.Fatalf("Verify = %d, %v; want 2, nil", count, err)
	}
}
