// Package provider bridges one replicated document and its presence
// registry to the document's remote representation: an ordered append log
// of encoded deltas plus a per-client presence map.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/driftpad/padsync/pkg/crdt"
	"github.com/driftpad/padsync/pkg/debounce"
	"github.com/driftpad/padsync/pkg/presence"
	"github.com/driftpad/padsync/pkg/store"
)

const (
	// DefaultPresenceDebounce coalesces rapid local presence changes
	// (typing, cursor movement) into one remote write.
	DefaultPresenceDebounce = 100 * time.Millisecond

	// compactionMinDeltas is the smallest log worth rewriting as a
	// snapshot; below this there is nothing to save.
	compactionMinDeltas = 2
)

// Config configures a Provider. Log, Presence, Doc, DocID and UserID are
// required.
type Config struct {
	Log      store.LogStore
	Presence store.PresenceStore
	Doc      *crdt.Document

	// DocID is the logical document id; it determines the remote paths.
	DocID string
	// UserID is the caller's durable identity, recorded in presence
	// entries so peers can label cursors. The presence entry address is
	// keyed by the document's client id instead, so two tabs of the same
	// user coexist as distinct entries.
	UserID string

	// PresenceDebounce defaults to DefaultPresenceDebounce.
	PresenceDebounce time.Duration
}

// LogPath is the append-log address for a document id.
func LogPath(docID string) string { return "docs/" + docID + "/log" }

// PresencePath is the presence-map address for a document id.
func PresencePath(docID string) string { return "docs/" + docID + "/presence" }

// Provider keeps one local replicated document consistent with its remote
// append log, and one local presence registry consistent with all peers'
// presence entries, without echoing remote changes back to the log.
type Provider struct {
	cfg      Config
	clientID string
	logPath  string
	presPath string

	registry *presence.Registry
	deb      *debounce.Debouncer

	guard        store.DisconnectGuard
	cancelLog    store.CancelFunc
	cancelPres   store.CancelFunc
	removeDocFn  func()
	removeRegFn  func()

	mu      sync.Mutex
	focused bool
	ready   bool
	closed  bool
}

// New constructs a provider and immediately starts both synchronization
// loops. The returned provider is attached but not yet ready: readiness
// (and the initial "present, no cursor" write) is deferred one scheduling
// tick so a previous instance's teardown at the same address is not
// clobbered by this one's setup.
func New(cfg Config) (*Provider, error) {
	if cfg.Log == nil || cfg.Presence == nil || cfg.Doc == nil || cfg.DocID == "" {
		return nil, fmt.Errorf("log, presence, doc and doc id are all required")
	}
	if cfg.PresenceDebounce <= 0 {
		cfg.PresenceDebounce = DefaultPresenceDebounce
	}

	p := &Provider{
		cfg:      cfg,
		clientID: cfg.Doc.ClientID(),
		logPath:  LogPath(cfg.DocID),
		presPath: PresencePath(cfg.DocID),
		deb:      debounce.New(cfg.PresenceDebounce),
	}
	p.registry = presence.NewRegistry(p.clientID)

	guard, err := cfg.Presence.OnDisconnect(p.presPath, p.clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to arm disconnect cleanup: %w", err)
	}
	p.guard = guard

	cancelLog, err := cfg.Log.OnChildAdded(p.logPath, p.onRemoteEntry)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to subscribe to log: %w", err)
	}
	p.cancelLog = cancelLog

	p.removeDocFn = cfg.Doc.OnUpdate(p.onDocUpdate)
	p.removeRegFn = p.registry.OnChange(p.onRegistryChange)

	cancelPres, err := cfg.Presence.OnValue(p.presPath, p.onRemotePresence)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}
	p.cancelPres = cancelPres

	time.AfterFunc(0, p.announce)
	return p, nil
}

// Registry returns the presence registry owned by this provider. Callers
// set their local state through it; peers' states appear in it.
func (p *Provider) Registry() *presence.Registry { return p.registry }

// ClientID returns the replicated document's client identifier, which is
// also this provider's presence entry key.
func (p *Provider) ClientID() string { return p.clientID }

// IsReady reports whether the remote session is confirmed attached.
func (p *Provider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// announce runs one tick after construction: flips the ready flag and
// writes the initial presence entry.
func (p *Provider) announce() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.ready = true
	p.mu.Unlock()

	if err := p.writeIdentity(); err != nil {
		slog.Error("failed to write initial presence", "doc", p.cfg.DocID, "err", err)
	}
}

// writeIdentity writes the bare "user has this open" entry, carrying the
// identity fields and no cursor.
func (p *Provider) writeIdentity() error {
	return p.writeEntry(&presence.Entry{
		WriterID:  p.cfg.UserID,
		UpdatedAt: time.Now().UnixMilli(),
		State:     presence.State{User: p.cfg.UserID},
	})
}

// onDocUpdate handles every local document update. Events caused by this
// provider applying a remote delta carry it as origin and are never echoed
// back to the log.
func (p *Provider) onDocUpdate(delta []byte, origin any) {
	if origin == p {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if _, err := p.cfg.Log.Append(context.Background(), p.logPath, delta); err != nil {
		// The local doc already holds the change; peers catch up on the
		// next successful append of a superseding delta.
		slog.Error("failed to append delta", "doc", p.cfg.DocID, "err", err)
	}
}

// onRemoteEntry applies one log record, in key order, tagged with this
// provider as origin. Malformed records are logged and skipped; they must
// not block subsequent records.
func (p *Provider) onRemoteEntry(e store.Entry) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if err := p.cfg.Doc.ApplyDelta(e.Blob, p); err != nil {
		slog.Error("skipping malformed log record", "doc", p.cfg.DocID, "key", e.Key, "err", err)
	}
}

// onRegistryChange debounces local presence changes into one remote write.
func (p *Provider) onRegistryChange(c presence.Change) {
	id := p.clientID
	if !slices.Contains(c.Added, id) && !slices.Contains(c.Updated, id) && !slices.Contains(c.Removed, id) {
		return
	}
	p.deb.Trigger(p.writePresence)
}

// writePresence writes the full current local state remotely, or removes
// the remote entry when the local state has been cleared.
func (p *Provider) writePresence() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	local := p.registry.Local()
	if local == nil {
		if err := p.cfg.Presence.Remove(context.Background(), p.presPath, p.clientID); err != nil {
			slog.Error("failed to remove presence", "doc", p.cfg.DocID, "err", err)
		}
		return
	}
	entry := &presence.Entry{
		WriterID:  p.cfg.UserID,
		UpdatedAt: time.Now().UnixMilli(),
		State:     *local,
	}
	if err := p.writeEntry(entry); err != nil {
		slog.Error("failed to write presence", "doc", p.cfg.DocID, "err", err)
	}
}

// writeEntry gates cursor visibility: while the editor is unfocused the
// cursor fields are stripped before writing, leaving the identity fields
// so the "has this open" indicator survives.
func (p *Provider) writeEntry(entry *presence.Entry) error {
	p.mu.Lock()
	focused := p.focused
	p.mu.Unlock()
	if !focused {
		entry.State = *entry.State.WithoutCursor()
	}
	b, err := presence.EncodeEntry(entry)
	if err != nil {
		return err
	}
	return p.cfg.Presence.Write(context.Background(), p.presPath, p.clientID, b)
}

// SetEditorFocused toggles cursor visibility. focused to unfocused writes
// the stripped state immediately; unfocused to focused waits for the next
// local state change. Repeating the current value is a no-op.
func (p *Provider) SetEditorFocused(focused bool) {
	p.mu.Lock()
	if p.closed || p.focused == focused {
		p.mu.Unlock()
		return
	}
	p.focused = focused
	p.mu.Unlock()

	if focused {
		return
	}
	// Strip-and-write: the entry must survive with its identity fields.
	// When the caller never set a local state the announced entry is all
	// there is, so rewrite it; removal is reserved for explicit clears.
	if p.registry.Local() == nil {
		if err := p.writeIdentity(); err != nil {
			slog.Error("failed to write presence", "doc", p.cfg.DocID, "err", err)
		}
		return
	}
	p.writePresence()
}

// onRemotePresence folds a full remote snapshot into the registry. Writer
// metadata is stripped, the provider's own entry is ignored, and removals
// apply before additions so one batched notification reaches consumers.
func (p *Provider) onRemotePresence(snap map[string][]byte) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	remote := make(map[string]*presence.State, len(snap))
	for id, blob := range snap {
		if id == p.clientID {
			continue
		}
		entry, err := presence.DecodeEntry(blob)
		if err != nil {
			slog.Error("skipping malformed presence entry", "doc", p.cfg.DocID, "client", id, "err", err)
			continue
		}
		s := entry.State
		remote[id] = &s
	}
	p.registry.Sync(remote)
}

// Close tears the provider down idempotently, in an order that guarantees
// no callback can trigger a write after its resources are gone, then
// checks compaction eligibility. Safe on a partially-constructed provider.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.cancelLog != nil {
		p.cancelLog()
	}
	if p.removeDocFn != nil {
		p.removeDocFn()
	}
	p.deb.Stop()
	if p.removeRegFn != nil {
		p.removeRegFn()
	}
	if err := p.cfg.Presence.Remove(context.Background(), p.presPath, p.clientID); err != nil {
		slog.Error("failed to remove own presence", "doc", p.cfg.DocID, "err", err)
	}
	p.registry.SetLocal(nil)
	if p.cancelPres != nil {
		p.cancelPres()
	}
	// Disarm last: the entry is already gone, and a guard left armed
	// could delete a future session's entry at the same address.
	if p.guard != nil {
		if err := p.guard.Disarm(); err != nil {
			slog.Error("failed to disarm disconnect cleanup", "doc", p.cfg.DocID, "err", err)
		}
	}

	p.maybeCompact()
}
