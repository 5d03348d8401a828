// Package presence tracks per-client liveness state for one document: who
// has it open and, while they are actively editing, where their cursor is.
package presence

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Cursor is a selection range in the document body.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the application-visible presence state for one client. Cursor
// is nil while the client is not actively editing; User survives cursor
// stripping so the "has this open" indicator remains.
type State struct {
	User   string  `json:"user,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// WithoutCursor returns a copy of s narrowed to its identity fields.
func (s *State) WithoutCursor() *State {
	if s == nil {
		return nil
	}
	return &State{User: s.User}
}

// Entry is the wire form persisted to the presence store: the state plus
// writer metadata that is stripped before folding into peers' registries.
type Entry struct {
	WriterID  string `json:"writerId"`
	UpdatedAt int64  `json:"updatedAt"`
	State
}

// EncodeEntry marshals an entry for the presence store.
func EncodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry unmarshals a presence store blob.
func DecodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode presence entry: %w", err)
	}
	return &e, nil
}

// Change is one batched registry notification. A client id appears in at
// most one of the three sets.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Registry is the local view of all clients' presence on one document.
// The local client's entry is authoritative here; remote snapshots never
// overwrite it.
type Registry struct {
	clientID string

	mu       sync.Mutex
	states   map[string]*State
	handlers map[int]func(Change)
	nextID   int
}

// NewRegistry creates a registry owned by the given client id.
func NewRegistry(clientID string) *Registry {
	return &Registry{
		clientID: clientID,
		states:   map[string]*State{},
		handlers: map[int]func(Change){},
	}
}

func (r *Registry) ClientID() string { return r.clientID }

// Local returns the local client's state, nil if cleared or never set.
func (r *Registry) Local() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[r.clientID]
}

// SetLocal replaces the local client's state. nil clears it, which
// downstream turns into a remote entry removal.
func (r *Registry) SetLocal(s *State) {
	r.mu.Lock()
	_, had := r.states[r.clientID]
	var c Change
	if s == nil {
		if had {
			delete(r.states, r.clientID)
			c.Removed = []string{r.clientID}
		}
	} else {
		r.states[r.clientID] = s
		if had {
			c.Updated = []string{r.clientID}
		} else {
			c.Added = []string{r.clientID}
		}
	}
	r.mu.Unlock()
	r.fire(c)
}

// Get returns the state for a client id.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

// All returns a copy of the current id -> state map.
func (r *Registry) All() map[string]*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*State, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// OnChange registers fn for batched change notifications. Handlers run
// without the registry lock held, so a handler may call back into the
// registry. The returned func removes the handler.
func (r *Registry) OnChange(fn func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// Sync folds a full remote snapshot into the registry. The local client's
// id is always ignored; ids missing from the snapshot are removed before
// additions and updates are applied, so a peer that reconnected under a
// new id within one snapshot is never transiently double-present. One
// batched notification fires if anything changed.
func (r *Registry) Sync(remote map[string]*State) Change {
	r.mu.Lock()
	var c Change
	for id := range r.states {
		if id == r.clientID {
			continue
		}
		if _, ok := remote[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}
	for _, id := range c.Removed {
		delete(r.states, id)
	}

	for id, s := range remote {
		if id == r.clientID {
			continue
		}
		if _, ok := r.states[id]; ok {
			c.Updated = append(c.Updated, id)
		} else {
			c.Added = append(c.Added, id)
		}
		r.states[id] = s
	}

	r.mu.Unlock()
	r.fire(c)
	return c
}

func (r *Registry) fire(c Change) {
	if c.empty() {
		return
	}
	r.mu.Lock()
	fns := make([]func(Change), 0, len(r.handlers))
	for _, fn := range r.handlers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
