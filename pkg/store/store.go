package store

import (
	"github.com/seastack/bosun/pkg/types"
)

// ExecutionsStore holds the agent's committed executions ledger as a
// single value that is replaced wholesale.
//
// Set must be atomic and durable: after it returns, a crash leaves
// either the previous map or the new one on disk, never a torn state.
// Per-entry persistence is deliberately not offered; port disjointness
// is a whole-map invariant and partial writes could violate it.
type ExecutionsStore interface {
	// Get returns the current map. On first startup, before any Set,
	// it returns an empty map.
	Get() (types.ExecutionsMap, error)

	// Set atomically replaces the persisted map.
	Set(executions types.ExecutionsMap) error

	// Close releases the underlying storage.
	Close() error
}
