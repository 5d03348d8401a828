// Package sqlitestore is the durable store backend used by syncd. Blobs
// are stored base64-encoded in TEXT columns; change fanout to subscribers
// is in-process, since the daemon is the single writer to its database.
package sqlitestore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/driftpad/padsync/pkg/store"
	"github.com/driftpad/padsync/pkg/store/notify"
)

// Store implements store.LogStore, store.PresenceStore (minus disconnect
// guards, which the daemon tracks per connection) and store.FeedStore.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
	logSubs  map[string]map[int]*notify.Sub[store.Entry]
	presSubs map[string]map[int]*notify.Sub[map[string][]byte]
	feedSubs map[string]map[int]*notify.Sub[*store.FeedItem]
	nextSub  int
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{
		db:       db,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		logSubs:  map[string]map[int]*notify.Sub[store.Entry]{},
		presSubs: map[string]map[int]*notify.Sub[map[string][]byte]{},
		feedSubs: map[string]map[int]*notify.Sub[*store.FeedItem]{},
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
		path text not null,
		key text not null,
		blob text not null,
		PRIMARY KEY (path, key)
		)`,
		`CREATE TABLE IF NOT EXISTS presence (
		path text not null,
		client_id text not null,
		blob text not null,
		PRIMARY KEY (path, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feed_items (
		id text not null primary key,
		created_at integer not null,
		data text not null
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) nextKey() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) Append(ctx context.Context, path string, blob []byte) (string, error) {
	s.mu.Lock()
	key := s.nextKey()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries(path, key, blob) VALUES (?, ?, ?)`,
		path, key, base64.StdEncoding.EncodeToString(blob),
	); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to append: %w", err)
	}
	e := store.Entry{Key: key, Blob: blob}
	subs := make([]*notify.Sub[store.Entry], 0, len(s.logSubs[path]))
	for _, sb := range s.logSubs[path] {
		sb.Enqueue(e)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return key, nil
}

func (s *Store) ReadOrdered(ctx context.Context, path string) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, blob FROM log_entries WHERE path = ? ORDER BY key ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		blob, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode log entry %s: %w", key, err)
		}
		out = append(out, store.Entry{Key: key, Blob: blob})
	}
	return out, rows.Err()
}

func (s *Store) ReplaceAll(ctx context.Context, path string, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to clear log: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO log_entries(path, key, blob) VALUES (?, ?, ?)`,
		path, key, base64.StdEncoding.EncodeToString(blob),
	); err != nil {
		return fmt.Errorf("failed to write snapshot entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// OnChildAdded replays existing entries then streams appends. The store
// lock covers the replay read and subscriber registration together so no
// append can fall between them.
func (s *Store) OnChildAdded(path string, fn func(store.Entry)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	existing, err := s.ReadOrdered(context.Background(), path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, e := range existing {
		sb.Enqueue(e)
	}
	id := s.nextSub
	s.nextSub++
	if s.logSubs[path] == nil {
		s.logSubs[path] = map[int]*notify.Sub[store.Entry]{}
	}
	s.logSubs[path][id] = sb
	s.mu.Unlock()

	sb.Flush()

	return func() {
		sb.Cancel()
		s.mu.Lock()
		delete(s.logSubs[path], id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) Write(ctx context.Context, path, clientID string, state []byte) error {
	s.mu.Lock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO presence(path, client_id, blob) VALUES (?, ?, ?)
		ON CONFLICT(path, client_id) DO UPDATE SET blob = excluded.blob`,
		path, clientID, base64.StdEncoding.EncodeToString(state),
	); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write presence: %w", err)
	}
	subs, err := s.snapshotPresenceLocked(ctx, path)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path, clientID string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM presence WHERE path = ? AND client_id = ?`, path, clientID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.mu.Unlock()
		return nil
	}
	subs, err := s.snapshotPresenceLocked(ctx, path)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, blob FROM presence WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var clientID, raw string
		if err := rows.Scan(&clientID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		blob, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode presence for %s: %w", clientID, err)
		}
		out[clientID] = blob
	}
	return out, rows.Err()
}

func (s *Store) OnValue(path string, fn func(map[string][]byte)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	snap, err := s.Read(context.Background(), path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sb.Enqueue(snap)
	id := s.nextSub
	s.nextSub++
	if s.presSubs[path] == nil {
		s.presSubs[path] = map[int]*notify.Sub[map[string][]byte]{}
	}
	s.presSubs[path][id] = sb
	s.mu.Unlock()

	sb.Flush()

	return func() {
		sb.Cancel()
		s.mu.Lock()
		delete(s.presSubs[path], id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) snapshotPresenceLocked(ctx context.Context, path string) ([]*notify.Sub[map[string][]byte], error) {
	if len(s.presSubs[path]) == 0 {
		return nil, nil
	}
	snap, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	subs := make([]*notify.Sub[map[string][]byte], 0, len(s.presSubs[path]))
	for _, sb := range s.presSubs[path] {
		sb.Enqueue(snap)
		subs = append(subs, sb)
	}
	return subs, nil
}

func (s *Store) QueryNewest(ctx context.Context, limit int) ([]store.FeedItem, error) {
	return s.queryFeed(ctx,
		`SELECT id, created_at, data FROM feed_items ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) QueryOlderThan(ctx context.Context, ts int64, limit int) ([]store.FeedItem, error) {
	return s.queryFeed(ctx,
		`SELECT id, created_at, data FROM feed_items WHERE created_at < ? ORDER BY created_at DESC, id DESC LIMIT ?`, ts, limit)
}

func (s *Store) queryFeed(ctx context.Context, query string, args ...any) ([]store.FeedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed: %w", err)
	}
	defer rows.Close()

	var out []store.FeedItem
	for rows.Next() {
		var it store.FeedItem
		var data string
		if err := rows.Scan(&it.ID, &it.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("failed to scan feed item: %w", err)
		}
		it.Data = []byte(data)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) SubscribeSingle(id string, fn func(*store.FeedItem)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	it, err := s.getItemLocked(context.Background(), id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if it != nil {
		sb.Enqueue(it)
	}
	subID := s.nextSub
	s.nextSub++
	if s.feedSubs[id] == nil {
		s.feedSubs[id] = map[int]*notify.Sub[*store.FeedItem]{}
	}
	s.feedSubs[id][subID] = sb
	s.mu.Unlock()

	sb.Flush()

	return func() {
		sb.Cancel()
		s.mu.Lock()
		delete(s.feedSubs[id], subID)
		s.mu.Unlock()
	}, nil
}

func (s *Store) getItemLocked(ctx context.Context, id string) (*store.FeedItem, error) {
	var it store.FeedItem
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, data FROM feed_items WHERE id = ?`, id,
	).Scan(&it.ID, &it.CreatedAt, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feed item: %w", err)
	}
	it.Data = []byte(data)
	return &it, nil
}

// PutItem creates or updates a feed item; an existing item's creation
// timestamp is preserved.
func (s *Store) PutItem(ctx context.Context, item store.FeedItem) error {
	s.mu.Lock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_items(id, created_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		item.ID, item.CreatedAt, string(item.Data),
	); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to put feed item: %w", err)
	}
	stored, err := s.getItemLocked(ctx, item.ID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	subs := make([]*notify.Sub[*store.FeedItem], 0, len(s.feedSubs[item.ID]))
	for _, sb := range s.feedSubs[item.ID] {
		sb.Enqueue(stored)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

// DeleteItem removes a feed item and signals subscribers with nil.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM feed_items WHERE id = ?`, id)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete feed item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.mu.Unlock()
		return nil
	}
	subs := make([]*notify.Sub[*store.FeedItem], 0, len(s.feedSubs[id]))
	for _, sb := range s.feedSubs[id] {
		sb.Enqueue(nil)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}
