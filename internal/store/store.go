package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the client's local persistence. Only the token store and the
// offline queue talk to it; everything else treats it as opaque.
type Store interface {
	KV() KV
	Actions() Actions

	ApplyMigrations() error

	// WithTx executes fn within a transaction. A non-nil error from fn rolls
	// the transaction back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx exposes the same repositories scoped to one transaction.
type Tx interface {
	KV() KV
	Actions() Actions
}

// KV is a flat string key-value space that survives restarts.
type KV interface {
	// Get returns ErrNotFound when the key has never been set or was deleted.
	Get(ctx context.Context, key string) (string, error)

	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Action is a persisted user mutation waiting to be replayed.
type Action struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Actions is an append-only log of pending actions. Removal only ever
// happens after a successful replay, so entries are never rewritten.
type Actions interface {
	// Append adds an action at the tail. ErrAlreadyExists on duplicate id.
	Append(ctx context.Context, a Action) error

	// List returns every queued action in insertion order.
	List(ctx context.Context) ([]Action, error)

	// Delete removes one action by id. ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Count returns the number of queued actions.
	Count(ctx context.Context) (int, error)
}
