// Package store provides BlockStore backends for the ledger chain: an
// in-memory store for tests and embedded use, a JSON-lines file store, and
// SQL stores over SQLite and Postgres.
package store

import "errors"

var (
	// ErrNotFound is returned when a requested block index does not exist.
	ErrNotFound = errors.New("block not found")

	// ErrOutOfOrder is returned when an append does not extend the tail by
	// exactly one index. The chain serializes appends, so this indicates a
	// second writer or a corrupted store.
	ErrOutOfOrder = errors.New("append out of order")
)
