package storage

import (
	"errors"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// ErrNotFound is returned by KVStore.Get for a missing key.
var ErrNotFound = errors.New("storage: key not found")

// KVStore is a durable key-value string store.
type KVStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) (string, error)
	// Set overwrites the value stored under key.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases resources held by the store.
	Close() error
}

// TxStore provides idempotent transaction storage.
type TxStore interface {
	// Get returns a previously stored transaction by idempotency key, or nil if not found.
	Get(idempotencyKey string) (*models.Transaction, error)
	// Put stores a transaction keyed by idempotency key.
	Put(idempotencyKey string, tx *models.Transaction) error
}

// WatchStore manages the set of watched remote object ids.
type WatchStore interface {
	// Add adds an object id to the watch set.
	Add(objectID string) error
	// Remove removes an object id from the watch set.
	Remove(objectID string) error
	// List returns all currently watched object ids.
	List() ([]string, error)
	// Contains checks if an object id is in the watch set.
	Contains(objectID string) (bool, error)
	// Clear empties the watch set.
	Clear() error
}
