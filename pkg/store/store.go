// Package store defines the contracts between the sync core and its
// backing stores: an ordered append log per document, a per-document
// presence map, and a reverse-chronological feed collection.
//
// Implementations must be safe for concurrent use. Subscription callbacks
// are invoked without any store lock held and may call back into the store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the addressed path, key or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed indicates the store (or a connection it depends on) has
	// been closed and no further operations will succeed.
	ErrClosed = errors.New("store closed")
)

// CancelFunc stops a subscription. Safe to call more than once.
type CancelFunc func()

// Entry is one record in an append log: an opaque blob at an ordered key.
// Keys sort lexicographically in creation order and are never reused.
type Entry struct {
	Key  string
	Blob []byte
}

// LogStore is an ordered, key-addressable append log.
type LogStore interface {
	// Append atomically assigns the next lexicographically-sortable key
	// under path and stores blob there, returning the key.
	Append(ctx context.Context, path string, blob []byte) (string, error)

	// ReadOrdered returns all entries under path in ascending key order.
	ReadOrdered(ctx context.Context, path string) ([]Entry, error)

	// ReplaceAll atomically discards every entry under path and stores
	// exactly one entry in their place.
	ReplaceAll(ctx context.Context, path string, key string, blob []byte) error

	// OnChildAdded subscribes to entries under path. Existing entries are
	// replayed in ascending key order before the call returns; subsequent
	// entries are delivered in append order.
	OnChildAdded(path string, fn func(Entry)) (CancelFunc, error)
}

// DisconnectGuard is an armed server-side cleanup trigger.
type DisconnectGuard interface {
	// Disarm cancels the trigger. The guard may be re-armed afterwards by
	// calling OnDisconnect again.
	Disarm() error
}

// PresenceStore is a per-document map from client id to an opaque state
// blob. Each client writes only its own entry; all clients read all entries.
type PresenceStore interface {
	// Write stores state under path for clientID, overwriting any previous
	// value.
	Write(ctx context.Context, path, clientID string, state []byte) error

	// Remove deletes clientID's entry under path. Removing a missing entry
	// is not an error.
	Remove(ctx context.Context, path, clientID string) error

	// Read returns the full current snapshot of entries under path.
	Read(ctx context.Context, path string) (map[string][]byte, error)

	// OnValue subscribes to path. fn receives the full current snapshot
	// immediately and again after every change to any entry.
	OnValue(path string, fn func(map[string][]byte)) (CancelFunc, error)

	// OnDisconnect arms a trigger that removes clientID's entry under path
	// if this client's connection drops without a graceful Disarm.
	OnDisconnect(path, clientID string) (DisconnectGuard, error)
}

// FeedItem is one document metadata record in the feed. CreatedAt is unix
// milliseconds, assigned once at creation, and is the sole pagination key.
type FeedItem struct {
	ID        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// FeedStore is a reverse-chronological collection of feed items.
type FeedStore interface {
	// QueryNewest returns up to limit items sorted descending by creation
	// timestamp.
	QueryNewest(ctx context.Context, limit int) ([]FeedItem, error)

	// QueryOlderThan returns up to limit items with creation timestamp
	// strictly less than ts, sorted descending.
	QueryOlderThan(ctx context.Context, ts int64, limit int) ([]FeedItem, error)

	// SubscribeSingle subscribes to one item. fn receives the current item
	// immediately if it exists, the new value on every update, and nil on
	// deletion.
	SubscribeSingle(id string, fn func(*FeedItem)) (CancelFunc, error)
}

// FetchError wraps a failed feed query so callers can distinguish a
// retryable pagination failure from programming errors.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("feed fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
