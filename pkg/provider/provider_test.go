package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpad/padsync/pkg/crdt"
	"github.com/driftpad/padsync/pkg/presence"
	"github.com/driftpad/padsync/pkg/store/memstore"
)

func newProvider(t *testing.T, ms *memstore.Store, docID, userID string) *Provider {
	t.Helper()
	p, err := New(Config{
		Log:              ms,
		Presence:         ms,
		Doc:              crdt.New(),
		DocID:            docID,
		UserID:           userID,
		PresenceDebounce: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitReady(t *testing.T, p *Provider) {
	t.Helper()
	require.Eventually(t, p.IsReady, time.Second, time.Millisecond)
}

func TestTwoClientsConverge(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	require.NoError(t, a.cfg.Doc.Set("hello", "title"))
	require.NoError(t, b.cfg.Doc.Set(7, "count"))
	require.NoError(t, a.cfg.Doc.Set("hello again", "title"))

	require.Eventually(t, func() bool {
		ta, _ := a.cfg.Doc.Get("title")
		tb, _ := b.cfg.Doc.Get("title")
		ca, _ := a.cfg.Doc.Get("count")
		cb, _ := b.cfg.Doc.Get("count")
		return ta == "hello again" && tb == "hello again" && ca == cb && ca != nil
	}, time.Second, 2*time.Millisecond)
}

func TestLateJoinerReplaysHistory(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)

	require.NoError(t, a.cfg.Doc.Set("v1", "body"))
	require.NoError(t, a.cfg.Doc.Set("v2", "body"))

	b := newProvider(t, ms, "d1", "bob")
	require.Eventually(t, func() bool {
		v, _ := b.cfg.Doc.Get("body")
		return v == "v2"
	}, time.Second, 2*time.Millisecond)
}

func TestNoFeedbackLoop(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	require.NoError(t, a.cfg.Doc.Set("x", "k"))

	require.Eventually(t, func() bool {
		v, _ := b.cfg.Doc.Get("k")
		return v == "x"
	}, time.Second, 2*time.Millisecond)

	entries, err := ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	count := len(entries)

	// let any would-be echo settle; applying the remote delta at B must
	// never cause B to append it again
	time.Sleep(50 * time.Millisecond)
	entries, err = ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	assert.Equal(t, count, len(entries))
}

func TestMalformedRecordSkipped(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)
	require.NoError(t, a.cfg.Doc.Set("before", "k"))

	_, err := ms.Append(ctx, LogPath("d1"), []byte("not an automerge delta"))
	require.NoError(t, err)

	b := newProvider(t, ms, "d1", "bob")
	// the malformed record mid-log must not block the records around it
	require.NoError(t, a.cfg.Doc.Set("after", "k2"))
	require.Eventually(t, func() bool {
		v1, _ := b.cfg.Doc.Get("k")
		v2, _ := b.cfg.Doc.Get("k2")
		return v1 == "before" && v2 == "after"
	}, time.Second, 2*time.Millisecond)
}

func TestPresenceSelfExclusion(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	require.Eventually(t, func() bool {
		_, ok := a.Registry().Get(b.ClientID())
		return ok
	}, time.Second, 2*time.Millisecond)

	// a's own id must never appear in its registry as a remote entry,
	// and its local state slot stays whatever it set locally (nil here)
	s, ok := a.Registry().Get(a.ClientID())
	assert.False(t, ok, "own presence mirrored back as remote: %v", s)
}

func TestPresenceMetadataStripped(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	require.Eventually(t, func() bool {
		s, ok := a.Registry().Get(b.ClientID())
		return ok && s.User == "bob"
	}, time.Second, 2*time.Millisecond)
}

func TestPresenceDebounceCoalesces(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)
	a.SetEditorFocused(true)

	var mu sync.Mutex
	writes := 0
	cancel, err := ms.OnValue(PresencePath("d1"), func(map[string][]byte) {
		mu.Lock()
		writes++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 20; i++ {
		a.Registry().SetLocal(&presence.State{User: "ann", Cursor: &presence.Cursor{Anchor: i, Head: i}})
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// initial snapshot on subscribe plus one debounced write
	assert.LessOrEqual(t, writes, 3, "rapid cursor moves must coalesce")
	assert.GreaterOrEqual(t, writes, 2)
}

func TestCursorGating(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)

	a.SetEditorFocused(true)
	a.Registry().SetLocal(&presence.State{User: "ann", Cursor: &presence.Cursor{Anchor: 1, Head: 2}})

	readCursor := func() *presence.Cursor {
		snap, err := ms.Read(ctx, PresencePath("d1"))
		require.NoError(t, err)
		blob, ok := snap[a.ClientID()]
		if !ok {
			return nil
		}
		e, err := presence.DecodeEntry(blob)
		require.NoError(t, err)
		return e.Cursor
	}

	require.Eventually(t, func() bool { return readCursor() != nil }, time.Second, 2*time.Millisecond)

	// focused -> unfocused strips the cursor immediately
	a.SetEditorFocused(false)
	cur := readCursor()
	assert.Nil(t, cur)

	snap, err := ms.Read(ctx, PresencePath("d1"))
	require.NoError(t, err)
	e, err := presence.DecodeEntry(snap[a.ClientID()])
	require.NoError(t, err)
	assert.Equal(t, "ann", e.User, "identity fields survive cursor stripping")
}

func TestCursorGatingWithoutLocalState(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)

	require.Eventually(t, func() bool {
		snap, err := ms.Read(ctx, PresencePath("d1"))
		require.NoError(t, err)
		_, ok := snap[a.ClientID()]
		return ok
	}, time.Second, 2*time.Millisecond)

	// No SetLocal call: only the announced entry exists. A focus toggle
	// must rewrite it, not delete it.
	a.SetEditorFocused(true)
	a.SetEditorFocused(false)

	snap, err := ms.Read(ctx, PresencePath("d1"))
	require.NoError(t, err)
	require.Contains(t, snap, a.ClientID(), "focus toggle must not delete the open indicator")
	e, err := presence.DecodeEntry(snap[a.ClientID()])
	require.NoError(t, err)
	assert.Equal(t, "ann", e.User)
	assert.Nil(t, e.Cursor)
}

func TestCursorGatingIdempotent(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)

	a.SetEditorFocused(true)
	a.Registry().SetLocal(&presence.State{User: "ann", Cursor: &presence.Cursor{Anchor: 1, Head: 2}})
	time.Sleep(30 * time.Millisecond)

	var mu sync.Mutex
	writes := 0
	cancel, err := ms.OnValue(PresencePath("d1"), func(map[string][]byte) {
		mu.Lock()
		writes++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	a.SetEditorFocused(false)
	a.SetEditorFocused(false) // second toggle is a no-op
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, writes, "initial snapshot plus exactly one strip-and-write")
}

func TestPeerRemovalOnClose(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	bID := b.ClientID()
	require.Eventually(t, func() bool {
		_, ok := a.Registry().Get(bID)
		return ok
	}, time.Second, 2*time.Millisecond)

	var got presence.Change
	remove := a.Registry().OnChange(func(c presence.Change) { got = c })
	defer remove()

	b.Close()
	require.Eventually(t, func() bool {
		_, ok := a.Registry().Get(bID)
		return !ok
	}, time.Second, 2*time.Millisecond)
	assert.Contains(t, got.Removed, bID)
}

func TestUngracefulDisconnectCleanup(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)

	snap, err := ms.Read(ctx, PresencePath("d1"))
	require.NoError(t, err)
	require.Contains(t, snap, a.ClientID())

	// simulate the connection dropping without teardown
	ms.Disconnect(PresencePath("d1"), a.ClientID())

	snap, err = ms.Read(ctx, PresencePath("d1"))
	require.NoError(t, err)
	assert.NotContains(t, snap, a.ClientID())
}

func TestCloseIsIdempotent(t *testing.T) {
	ms := memstore.New()
	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)
	a.Close()
	a.Close()
	a.Close()
}

func TestCompactionLastViewer(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)
	require.NoError(t, a.cfg.Doc.Set("one", "title"))
	require.NoError(t, a.cfg.Doc.Set("two", "body"))

	entries, err := ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)

	a.Close()

	entries, err = ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "last viewer leaving must fold the log into one snapshot")

	// a fresh client reconstructs the same state from the snapshot alone
	c := newProvider(t, ms, "d1", "cara")
	require.Eventually(t, func() bool {
		v1, _ := c.cfg.Doc.Get("title")
		v2, _ := c.cfg.Doc.Get("body")
		return v1 == "one" && v2 == "two"
	}, time.Second, 2*time.Millisecond)
}

func TestNoCompactionWithRemainingViewer(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	a := newProvider(t, ms, "d1", "ann")
	b := newProvider(t, ms, "d1", "bob")
	waitReady(t, a)
	waitReady(t, b)

	require.NoError(t, a.cfg.Doc.Set("one", "title"))
	require.NoError(t, a.cfg.Doc.Set("two", "body"))

	entries, err := ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	before := len(entries)
	require.GreaterOrEqual(t, before, 2)

	a.Close()

	entries, err = ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	assert.Equal(t, before, len(entries), "compaction must not run while a viewer remains")
}

func TestNoCompactionBelowThreshold(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	a := newProvider(t, ms, "d1", "ann")
	waitReady(t, a)
	require.NoError(t, a.cfg.Doc.Set("only", "title"))

	a.Close()

	entries, err := ms.ReadOrdered(ctx, LogPath("d1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a single delta is not worth compacting")
}

func TestEndToEndScenario(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()

	// client A appends two deltas to an empty log
	a := newProvider(t, ms, "doc", "ann")
	waitReady(t, a)
	require.NoError(t, a.cfg.Doc.Set("d1", "first"))
	require.NoError(t, a.cfg.Doc.Set("d2", "second"))

	// client B attaches and replays in order
	b := newProvider(t, ms, "doc", "bob")
	require.Eventually(t, func() bool {
		v1, _ := b.cfg.Doc.Get("first")
		v2, _ := b.cfg.Doc.Get("second")
		return v1 == "d1" && v2 == "d2"
	}, time.Second, 2*time.Millisecond)

	// both disconnect; the last one out compacts
	b.Close()
	a.Close()

	entries, err := ms.ReadOrdered(ctx, LogPath("doc"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// client C reconstructs the state from the single snapshot record
	c := newProvider(t, ms, "doc", "cara")
	require.Eventually(t, func() bool {
		v1, _ := c.cfg.Doc.Get("first")
		v2, _ := c.cfg.Doc.Get("second")
		return v1 == "d1" && v2 == "d2"
	}, time.Second, 2*time.Millisecond)
}
