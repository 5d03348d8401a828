// Package memstore is an in-memory implementation of the store contracts.
// It backs tests and single-process setups, and is the reference for the
// notification semantics the other implementations must match.
package memstore

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftpad/padsync/pkg/store"
	"github.com/driftpad/padsync/pkg/store/notify"
)

// Store implements store.LogStore, store.PresenceStore and store.FeedStore.
type Store struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy

	logs    map[string][]store.Entry
	logSubs map[string]map[int]*notify.Sub[store.Entry]

	presence map[string]map[string][]byte
	presSubs map[string]map[int]*notify.Sub[map[string][]byte]
	guards   map[string]map[string]*guard

	feed     map[string]store.FeedItem
	feedSubs map[string]map[int]*notify.Sub[*store.FeedItem]

	nextSub int
}

func New() *Store {
	return &Store{
		entropy:  ulid.Monotonic(rand.Reader, 0),
		logs:     map[string][]store.Entry{},
		logSubs:  map[string]map[int]*notify.Sub[store.Entry]{},
		presence: map[string]map[string][]byte{},
		presSubs: map[string]map[int]*notify.Sub[map[string][]byte]{},
		guards:   map[string]map[string]*guard{},
		feed:     map[string]store.FeedItem{},
		feedSubs: map[string]map[int]*notify.Sub[*store.FeedItem]{},
	}
}

// nextKey assigns a lexicographically-sortable key; monotonic entropy keeps
// same-millisecond keys ordered.
func (s *Store) nextKey() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) Append(ctx context.Context, path string, blob []byte) (string, error) {
	s.mu.Lock()
	e := store.Entry{Key: s.nextKey(), Blob: blob}
	s.logs[path] = append(s.logs[path], e)
	subs := make([]*notify.Sub[store.Entry], 0, len(s.logSubs[path]))
	for _, sb := range s.logSubs[path] {
		sb.Enqueue(e)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return e.Key, nil
}

func (s *Store) ReadOrdered(ctx context.Context, path string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Entry, len(s.logs[path]))
	copy(out, s.logs[path])
	return out, nil
}

func (s *Store) ReplaceAll(ctx context.Context, path string, key string, blob []byte) error {
	s.mu.Lock()
	e := store.Entry{Key: key, Blob: blob}
	s.logs[path] = []store.Entry{e}
	subs := make([]*notify.Sub[store.Entry], 0, len(s.logSubs[path]))
	for _, sb := range s.logSubs[path] {
		sb.Enqueue(e)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

func (s *Store) OnChildAdded(path string, fn func(store.Entry)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	for _, e := range s.logs[path] {
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
	if s.presence[path] == nil {
		s.presence[path] = map[string][]byte{}
	}
	s.presence[path][clientID] = state
	subs := s.snapshotPresenceLocked(path)
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path, clientID string) error {
	s.mu.Lock()
	if _, ok := s.presence[path][clientID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.presence[path], clientID)
	subs := s.snapshotPresenceLocked(path)
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPresence(s.presence[path]), nil
}

func (s *Store) OnValue(path string, fn func(map[string][]byte)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	sb.Enqueue(copyPresence(s.presence[path]))
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

// snapshotPresenceLocked enqueues the current snapshot on every subscriber
// and returns them for flushing once the lock is released.
func (s *Store) snapshotPresenceLocked(path string) []*notify.Sub[map[string][]byte] {
	subs := make([]*notify.Sub[map[string][]byte], 0, len(s.presSubs[path]))
	for _, sb := range s.presSubs[path] {
		sb.Enqueue(copyPresence(s.presence[path]))
		subs = append(subs, sb)
	}
	return subs
}

func copyPresence(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type guard struct {
	s        *Store
	path     string
	clientID string
	armed    bool
}

func (g *guard) Disarm() error {
	g.s.mu.Lock()
	g.armed = false
	if cur := g.s.guards[g.path][g.clientID]; cur == g {
		delete(g.s.guards[g.path], g.clientID)
	}
	g.s.mu.Unlock()
	return nil
}

func (s *Store) OnDisconnect(path, clientID string) (store.DisconnectGuard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &guard{s: s, path: path, clientID: clientID, armed: true}
	if s.guards[path] == nil {
		s.guards[path] = map[string]*guard{}
	}
	s.guards[path][clientID] = g
	return g, nil
}

// Disconnect simulates an ungraceful connection drop for one client: if a
// guard is armed for (path, clientID) its presence entry is removed.
func (s *Store) Disconnect(path, clientID string) {
	s.mu.Lock()
	g := s.guards[path][clientID]
	if g == nil || !g.armed {
		s.mu.Unlock()
		return
	}
	delete(s.guards[path], clientID)
	s.mu.Unlock()

	_ = s.Remove(context.Background(), path, clientID)
}

func (s *Store) QueryNewest(ctx context.Context, limit int) ([]store.FeedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(func(store.FeedItem) bool { return true }, limit), nil
}

func (s *Store) QueryOlderThan(ctx context.Context, ts int64, limit int) ([]store.FeedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(func(it store.FeedItem) bool { return it.CreatedAt < ts }, limit), nil
}

func (s *Store) queryLocked(keep func(store.FeedItem) bool, limit int) []store.FeedItem {
	items := make([]store.FeedItem, 0, len(s.feed))
	for _, it := range s.feed {
		if keep(it) {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID > items[j].ID
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *Store) SubscribeSingle(id string, fn func(*store.FeedItem)) (store.CancelFunc, error) {
	sb := notify.NewSub(fn)

	s.mu.Lock()
	if it, ok := s.feed[id]; ok {
		c := it
		sb.Enqueue(&c)
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

// PutItem creates or updates a feed item. The creation timestamp of an
// existing item is preserved; it never changes after creation.
func (s *Store) PutItem(item store.FeedItem) {
	s.mu.Lock()
	if prev, ok := s.feed[item.ID]; ok {
		item.CreatedAt = prev.CreatedAt
	}
	s.feed[item.ID] = item
	subs := make([]*notify.Sub[*store.FeedItem], 0, len(s.feedSubs[item.ID]))
	for _, sb := range s.feedSubs[item.ID] {
		c := item
		sb.Enqueue(&c)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
}

// DeleteItem removes a feed item and signals subscribers with nil.
func (s *Store) DeleteItem(id string) {
	s.mu.Lock()
	if _, ok := s.feed[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.feed, id)
	subs := make([]*notify.Sub[*store.FeedItem], 0, len(s.feedSubs[id]))
	for _, sb := range s.feedSubs[id] {
		sb.Enqueue(nil)
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.Flush()
	}
}
