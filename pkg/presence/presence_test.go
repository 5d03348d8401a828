package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocalTransitions(t *testing.T) {
	r := NewRegistry("me")

	var changes []Change
	remove := r.OnChange(func(c Change) { changes = append(changes, c) })
	defer remove()

	r.SetLocal(&State{User: "ann"})
	r.SetLocal(&State{User: "ann", Cursor: &Cursor{Anchor: 1, Head: 4}})
	r.SetLocal(nil)
	r.SetLocal(nil) // already clear, no event

	require.Len(t, changes, 3)
	assert.Equal(t, []string{"me"}, changes[0].Added)
	assert.Equal(t, []string{"me"}, changes[1].Updated)
	assert.Equal(t, []string{"me"}, changes[2].Removed)
	assert.Nil(t, r.Local())
}

func TestSyncExcludesSelf(t *testing.T) {
	r := NewRegistry("me")
	r.SetLocal(&State{User: "ann"})

	c := r.Sync(map[string]*State{
		"me":   {User: "impostor"},
		"peer": {User: "bob"},
	})

	assert.Equal(t, []string{"peer"}, c.Added)
	assert.Empty(t, c.Updated)
	assert.Empty(t, c.Removed)

	// local state untouched by the remote "me" entry
	local := r.Local()
	require.NotNil(t, local)
	assert.Equal(t, "ann", local.User)
}

func TestSyncDiffSets(t *testing.T) {
	r := NewRegistry("me")
	r.Sync(map[string]*State{"a": {User: "a"}, "b": {User: "b"}})

	c := r.Sync(map[string]*State{"b": {User: "b2"}, "c": {User: "c"}})
	assert.Equal(t, []string{"c"}, c.Added)
	assert.Equal(t, []string{"b"}, c.Updated)
	assert.Equal(t, []string{"a"}, c.Removed)

	_, ok := r.Get("a")
	assert.False(t, ok)
	s, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b2", s.User)
}

func TestSyncNoChangeNoEvent(t *testing.T) {
	r := NewRegistry("me")
	fired := 0
	remove := r.OnChange(func(Change) { fired++ })
	defer remove()

	r.Sync(map[string]*State{})
	assert.Equal(t, 0, fired)
}

// Handlers run after the registry lock is released, so a handler reading
// the registry back must observe the new state without deadlocking.
func TestHandlerMayReadRegistry(t *testing.T) {
	r := NewRegistry("me")
	var seen []string
	remove := r.OnChange(func(c Change) {
		for id := range r.All() {
			seen = append(seen, id)
		}
		if s, ok := r.Get("peer"); ok {
			assert.Equal(t, "bob", s.User)
		}
		_ = r.Local()
	})
	defer remove()

	r.SetLocal(&State{User: "ann"})
	r.Sync(map[string]*State{"peer": {User: "bob"}})

	assert.Contains(t, seen, "me")
	assert.Contains(t, seen, "peer")
}

func TestWithoutCursor(t *testing.T) {
	s := &State{User: "ann", Cursor: &Cursor{Anchor: 3, Head: 9}}
	stripped := s.WithoutCursor()
	assert.Equal(t, "ann", stripped.User)
	assert.Nil(t, stripped.Cursor)
	// original untouched
	assert.NotNil(t, s.Cursor)

	var nilState *State
	assert.Nil(t, nilState.WithoutCursor())
}

func TestEntryRoundTrip(t *testing.T) {
	e := &Entry{WriterID: "w1", UpdatedAt: 123, State: State{User: "ann", Cursor: &Cursor{Anchor: 1, Head: 2}}}
	b, err := EncodeEntry(e)
	require.NoError(t, err)
	got, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = DecodeEntry([]byte("{broken"))
	assert.Error(t, err)
}
