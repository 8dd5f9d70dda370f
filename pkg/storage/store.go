// Package storage provides the keyed table store abstraction used by both
// the server reader backend and the client pool manager: insert (by
// explicit key or autogenerated id), get, update, delete, enumerate, with
// optional per-entry expiration. Two independent stores exist in the
// system (client, server); each owns its own lifetime.
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Table.Get, Update and GetAndDelete when the
// key is absent or expired. Delete never returns it.
var ErrNotFound = errors.New("storage: not found")

// Store opens named tables backed by a single underlying database.
type Store interface {
	// Table returns a handle to a permanent (non-expiring) table.
	Table(name string) Table
	// TableWithTTL returns a handle to a table whose entries expire ttl
	// after insertion, independent of read/write activity.
	TableWithTTL(name string, ttl time.Duration) Table
	Close() error
}

// Table is a single keyed collection of opaque byte-string values.
type Table interface {
	// Insert stores value under key, failing if key already exists.
	Insert(key string, value []byte) error
	// InsertAutoKey stores value under a fresh, store-generated key and
	// returns that key.
	InsertAutoKey(value []byte) (string, error)
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// GetAndDelete atomically returns and removes the value stored under
	// key, or ErrNotFound. Used for single-use consumption (nonces).
	GetAndDelete(key string) ([]byte, error)
	// Update overwrites the value stored under key, failing with
	// ErrNotFound if key does not exist.
	Update(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error, so
	// that eviction retries are idempotent.
	Delete(key string) error
	// Enumerate returns every non-expired entry currently in the table.
	Enumerate() (map[string][]byte, error)
}

// NewAutoKey generates the random key InsertAutoKey uses by default.
func NewAutoKey() string {
	return uuid.NewString()
}
