// Package window maps an unbounded reverse-chronological feed onto a
// bounded set of live per-item listeners driven by viewport visibility,
// with cursor-based pagination for loading older items.
package window

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftpad/padsync/pkg/debounce"
	"github.com/driftpad/padsync/pkg/store"
)

const (
	DefaultPageSize         = 10
	DefaultDisconnectFactor = 2
	DefaultLoadMoreDebounce = 300 * time.Millisecond
	DefaultCleanupDebounce  = 1000 * time.Millisecond
)

// Config configures a Manager; zero values take the defaults above.
type Config struct {
	// PageSize is both the initial load size and the load-more page size.
	PageSize int
	// DisconnectFactor sets the listener cleanup threshold to
	// DisconnectFactor * PageSize list positions from the nearest visible
	// item. Listeners within the threshold stay open while scrolled
	// slightly out of view, trading idle connections for churn.
	DisconnectFactor int
	LoadMoreDebounce time.Duration
	CleanupDebounce  time.Duration
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DisconnectFactor <= 0 {
		c.DisconnectFactor = DefaultDisconnectFactor
	}
	if c.LoadMoreDebounce <= 0 {
		c.LoadMoreDebounce = DefaultLoadMoreDebounce
	}
	if c.CleanupDebounce <= 0 {
		c.CleanupDebounce = DefaultCleanupDebounce
	}
}

// Manager owns the sliding window over one feed. All exported methods are
// safe for concurrent use.
type Manager struct {
	feed     store.FeedStore
	cfg      Config
	loadDeb  *debounce.Debouncer
	cleanDeb *debounce.Debouncer

	mu        sync.Mutex
	items     map[string]store.FeedItem
	visible   map[string]struct{}
	listeners map[string]store.CancelFunc
	oldest    int64
	hasMore   bool
	loading   bool
	closed    bool
	onChange  func()
}

func New(feed store.FeedStore, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		feed:      feed,
		cfg:       cfg,
		loadDeb:   debounce.New(cfg.LoadMoreDebounce),
		cleanDeb:  debounce.New(cfg.CleanupDebounce),
		items:     map[string]store.FeedItem{},
		visible:   map[string]struct{}{},
		listeners: map[string]store.CancelFunc{},
	}
}

// OnChange registers a single callback fired after any change to the
// working set (live update, deletion, pagination merge).
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Load performs the initial page load: the newest PageSize items, with one
// extra fetched to detect whether older items exist. Every retained item
// gets a live listener immediately since the first page is presumptively
// on screen.
func (m *Manager) Load(ctx context.Context) error {
	fetched, err := m.feed.QueryNewest(ctx, m.cfg.PageSize+1)
	if err != nil {
		return &store.FetchError{Op: "initial", Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return store.ErrClosed
	}
	m.hasMore = len(fetched) > m.cfg.PageSize
	if m.hasMore {
		fetched = fetched[:m.cfg.PageSize]
	}
	var opened []string
	for _, it := range fetched {
		m.items[it.ID] = it
		if it.CreatedAt < m.oldest || m.oldest == 0 {
			m.oldest = it.CreatedAt
		}
		opened = append(opened, it.ID)
	}
	m.mu.Unlock()

	for _, id := range opened {
		m.ensureListener(id)
	}
	m.notify()
	return nil
}

// Items returns the working set sorted strictly descending by creation
// timestamp; equal timestamps tie-break by id so the order is stable
// across renders within a session.
func (m *Manager) Items() []store.FeedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []store.FeedItem {
	out := make([]store.FeedItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// HasMore reports whether older items may exist beyond the current cursor.
func (m *Manager) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// ListenerCount returns the number of currently open per-item listeners.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// SetVisible records an item entering or leaving the viewport. Entering
// opens its listener if needed (idempotent); leaving only removes it from
// the visible set, deferring listener closure to the debounced cleanup so
// fast scrolling does not thrash connections.
func (m *Manager) SetVisible(id string, visible bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if visible {
		m.visible[id] = struct{}{}
	} else {
		delete(m.visible, id)
	}
	m.mu.Unlock()

	if visible {
		m.ensureListener(id)
	}
	m.cleanDeb.Trigger(m.cleanup)
}

// RequestMore is the sentinel-driven pagination trigger: debounced, with
// failures logged rather than surfaced (the sentinel will re-trigger).
func (m *Manager) RequestMore() {
	m.loadDeb.Trigger(func() {
		if err := m.LoadMore(context.Background()); err != nil {
			slog.Error("load-more failed", "err", err)
		}
	})
}

// LoadMore fetches the next page of strictly older items and merges it
// into the working set. A load already in flight suppresses the call. On
// failure the working set and cursor are unchanged and the call is safely
// retryable.
func (m *Manager) LoadMore(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.loading || !m.hasMore {
		m.mu.Unlock()
		return nil
	}
	m.loading = true
	cursor := m.oldest
	m.mu.Unlock()

	fetched, err := m.feed.QueryOlderThan(ctx, cursor, m.cfg.PageSize+1)

	m.mu.Lock()
	m.loading = false
	if m.closed {
		m.mu.Unlock()
		return store.ErrClosed
	}
	if err != nil {
		m.mu.Unlock()
		return &store.FetchError{Op: "load-more", Err: err}
	}
	if len(fetched) == 0 {
		m.hasMore = false
		m.mu.Unlock()
		return nil
	}
	m.hasMore = len(fetched) > m.cfg.PageSize
	if len(fetched) > m.cfg.PageSize {
		fetched = fetched[:m.cfg.PageSize]
	}
	var added []string
	for _, it := range fetched {
		if _, ok := m.items[it.ID]; !ok {
			added = append(added, it.ID)
		}
		m.items[it.ID] = it
		if it.CreatedAt < m.oldest {
			m.oldest = it.CreatedAt
		}
	}
	m.mu.Unlock()

	for _, id := range added {
		m.ensureListener(id)
	}
	m.notify()
	return nil
}

// ensureListener opens a live listener for id if one is not already open.
// The placeholder registered before subscribing makes concurrent calls
// idempotent; the subscription itself happens outside the lock because it
// replays the current value synchronously.
func (m *Manager) ensureListener(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.listeners[id]; ok {
		m.mu.Unlock()
		return
	}
	m.listeners[id] = func() {}
	m.mu.Unlock()

	cancel, err := m.feed.SubscribeSingle(id, func(it *store.FeedItem) { m.onItem(id, it) })
	if err != nil {
		slog.Error("failed to open item listener", "id", id, "err", err)
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if _, ok := m.listeners[id]; ok && !m.closed {
		m.listeners[id] = cancel
		m.mu.Unlock()
		return
	}
	// deleted or closed while subscribing
	m.mu.Unlock()
	cancel()
}

// onItem applies one live update: a value overwrites the cached item in
// place (its position never moves, being a function of the immutable
// creation timestamp); nil removes the item entirely and closes its own
// listener.
func (m *Manager) onItem(id string, it *store.FeedItem) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var cancel store.CancelFunc
	if it == nil {
		delete(m.items, id)
		delete(m.visible, id)
		cancel = m.listeners[id]
		delete(m.listeners, id)
	} else {
		if _, ok := m.items[id]; ok {
			m.items[id] = *it
		}
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.notify()
}

// cleanup closes listeners for items whose list-position distance to the
// nearest visible item is at or beyond the disconnect threshold. With
// nothing visible (mid-flight scroll), distance is undefined and the pass
// is skipped.
func (m *Manager) cleanup() {
	threshold := m.cfg.DisconnectFactor * m.cfg.PageSize

	m.mu.Lock()
	if m.closed || len(m.visible) == 0 {
		m.mu.Unlock()
		return
	}
	order := m.sortedLocked()
	pos := make(map[string]int, len(order))
	var visiblePos []int
	for i, it := range order {
		pos[it.ID] = i
		if _, ok := m.visible[it.ID]; ok {
			visiblePos = append(visiblePos, i)
		}
	}

	var cancels []store.CancelFunc
	for id, cancel := range m.listeners {
		if _, ok := m.visible[id]; ok {
			continue
		}
		p, ok := pos[id]
		if !ok {
			continue
		}
		nearest := -1
		for _, vp := range visiblePos {
			d := vp - p
			if d < 0 {
				d = -d
			}
			if nearest < 0 || d < nearest {
				nearest = d
			}
		}
		if nearest >= threshold {
			cancels = append(cancels, cancel)
			delete(m.listeners, id)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close disconnects every open listener and cancels all pending debounced
// work. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := make([]store.CancelFunc, 0, len(m.listeners))
	for _, c := range m.listeners {
		cancels = append(cancels, c)
	}
	m.listeners = map[string]store.CancelFunc{}
	m.mu.Unlock()

	m.loadDeb.Stop()
	m.cleanDeb.Stop()
	for _, c := range cancels {
		c()
	}
}
