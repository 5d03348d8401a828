// Package crdt wraps an automerge document with the surface the sync
// provider needs: a stable client identifier, incremental delta
// encode/apply, full-state snapshots, and an update event stream where
// every event carries the origin that caused it.
package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Document owns one automerge doc. All mutations go through Change or
// ApplyDelta so that every update fires exactly one tagged event.
//
// Update handlers run without the document lock held, so a handler may
// call back into the Document (a sync loop applying an echoed delta does
// exactly that).
type Document struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	handlers map[int]func(delta []byte, origin any)
	nextID   int
}

// New creates an empty document with a freshly assigned client identifier.
func New() *Document {
	return &Document{doc: automerge.New(), handlers: map[int]func([]byte, any){}}
}

// LoadSnapshot reconstructs a document from a full-state snapshot. The
// loaded document gets its own fresh client identifier.
func LoadSnapshot(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &Document{doc: doc, handlers: map[int]func([]byte, any){}}, nil
}

// ClientID returns the stable identifier distinguishing this writer from
// all others, assigned once per Document.
func (d *Document) ClientID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// OnUpdate registers fn to run on every update. Local changes fire with a
// nil origin; remote deltas fire with the origin passed to ApplyDelta.
// The returned func removes the handler.
func (d *Document) OnUpdate(fn func(delta []byte, origin any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// Change applies a local mutation, commits it, and fires an update event
// carrying the encoded delta with a nil origin.
func (d *Document) Change(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	if err := fn(d.doc); err != nil {
		d.mu.Unlock()
		return err
	}
	if _, err := d.doc.Commit("", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to commit change: %w", err)
	}
	delta := d.doc.SaveIncremental()
	d.mu.Unlock()
	if len(delta) == 0 {
		return nil
	}
	d.fire(delta, nil)
	return nil
}

// ApplyDelta merges a remote delta into the document and fires an update
// event tagged with origin. Applying a delta the document has already seen
// is a no-op merge.
func (d *Document) ApplyDelta(delta []byte, origin any) error {
	d.mu.Lock()
	if err := d.doc.LoadIncremental(delta); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply delta: %w", err)
	}
	d.mu.Unlock()
	d.fire(delta, origin)
	return nil
}

// Snapshot encodes the entire current state, including any changes merged
// from remote deltas.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Save moves the incremental cursor, but by the time Snapshot is used
	// (compaction) every local delta has already been emitted via Change.
	return d.doc.Save()
}

// Set writes a value at path and commits, firing a local update.
func (d *Document) Set(value any, path ...any) error {
	return d.Change(func(doc *automerge.Doc) error {
		return doc.Path(path...).Set(value)
	})
}

// Get reads the value at path, or nil if unset.
func (d *Document) Get(path ...any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(path...).Get()
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// GoString renders the root map, for logs and tests.
func (d *Document) GoString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.RootMap().GoString()
}

// Fork returns an independent copy of the underlying doc at its current
// heads, for read-only inspection (rendering, debugging).
func (d *Document) Fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Fork()
}

func (d *Document) fire(delta []byte, origin any) {
	d.mu.Lock()
	fns := make([]func([]byte, any), 0, len(d.handlers))
	for _, fn := range d.handlers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(delta, origin)
	}
}
