// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the append-only decision log. Every mediated
// operation — allowed or denied — becomes one Record, written
// synchronously before the caller sees a response.
//
// Records form a BLAKE3 hash chain: each record's ChainHash covers the
// previous record's hash plus the canonical CBOR encoding of the
// record's fields. Rewriting, reordering, or deleting an interior
// record breaks the chain and is caught by Verify. Tail truncation is
// caught while the store is open (the expected head hash lives in
// memory); after archival, the anchor row pins the chain seed so
// verification survives pruning.
package audit

import (
	"time"

	"github.com/zeebo/blake3"

	"github.com/forgeguard/forgeguard/lib/codec"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// chainDomainKey is the BLAKE3 keyed-hashing key for the audit chain.
// A fixed constant — changing it invalidates every existing chain.
// ASCII-encoded and zero-padded so it reads cleanly in hex dumps.
var chainDomainKey = [32]byte{
	'f', 'o', 'r', 'g', 'e', 'g', 'u', 'a', 'r', 'd', '.',
	'a', 'u', 'd', 'i', 't', '.', 'c', 'h', 'a', 'i', 'n',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Decision is the outcome recorded for an operation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// Entry is the caller-supplied portion of a record.
type Entry struct {
	// Actor is the normalized identity that requested the operation.
	Actor string

	// Operation is the operation class, e.g. "push", "pr_create",
	// "merge".
	Operation string

	// Target names what the operation acted on, e.g.
	// "owner/repo@agent/feature-1" or "owner/repo#42".
	Target string

	// Decision is the outcome.
	Decision Decision

	// Reason is the human-readable explanation. Required for denials.
	Reason string
}

// Record is one committed audit log row.
type Record struct {
	ID        int64     `cbor:"id"`
	Time      time.Time `cbor:"time"`
	Actor     string    `cbor:"actor"`
	Operation string    `cbor:"operation"`
	Target    string    `cbor:"target"`
	Decision  Decision  `cbor:"decision"`
	Reason    string    `cbor:"reason"`
	ChainHash Hash      `cbor:"chain_hash"`
}

// chainPayload is the hashed portion of a record. Deterministic CBOR
// keeps the byte encoding stable across processes and releases.
type chainPayload struct {
	Time      int64    `cbor:"time"` // unix nanoseconds
	Actor     string   `cbor:"actor"`
	Operation string   `cbor:"operation"`
	Target    string   `cbor:"target"`
	Decision  Decision `cbor:"decision"`
	Reason    string   `cbor:"reason"`
}

// chainHash computes the next chain link from the previous hash and a
// record's payload fields.
func chainHash(previous Hash, recordTime time.Time, entry Entry) (Hash, error) {
	payload, err := codec.Marshal(chainPayload{
		Time:      recordTime.UnixNano(),
		Actor:     entry.Actor,
		Operation: entry.Operation,
		Target:    entry.Target,
		Decision:  entry.Decision,
		Reason:    entry.Reason,
	})
	if err != nil {
		return Hash{}, err
	}

	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		return Hash{}, err
	}
	hasher.Write(previous[:])
	hasher.Write(payload)

	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash, nil
}
