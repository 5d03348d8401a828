package memstore

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpad/padsync/pkg/store"
)

func TestAppendKeysSortInCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	var keys []string
	for i := 0; i < 50; i++ {
		k, err := s.Append(ctx, "docs/a/log", []byte(fmt.Sprintf("d%d", i)))
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.True(t, sort.StringsAreSorted(keys), "push keys must sort lexicographically in creation order")

	entries, err := s.ReadOrdered(ctx, "docs/a/log")
	require.NoError(t, err)
	require.Len(t, entries, 50)
	assert.Equal(t, keys[0], entries[0].Key)
	assert.Equal(t, []byte("d49"), entries[49].Blob)
}

func TestOnChildAddedReplaysThenStreams(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Append(ctx, "p", []byte("one"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "p", []byte("two"))
	require.NoError(t, err)

	var got []string
	cancel, err := s.OnChildAdded("p", func(e store.Entry) { got = append(got, string(e.Blob)) })
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, []string{"one", "two"}, got, "existing entries replay on subscribe")

	_, err = s.Append(ctx, "p", []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)

	cancel()
	_, err = s.Append(ctx, "p", []byte("four"))
	require.NoError(t, err)
	assert.Len(t, got, 3, "cancelled subscription must not fire")
}

func TestReplaceAllLeavesSingleEntry(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "p", []byte("d"))
		require.NoError(t, err)
	}
	require.NoError(t, s.ReplaceAll(ctx, "p", "snap-1", []byte("snapshot")))

	entries, err := s.ReadOrdered(ctx, "p")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snap-1", entries[0].Key)
	assert.Equal(t, []byte("snapshot"), entries[0].Blob)
}

func TestPresenceSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()

	var snaps []map[string][]byte
	cancel, err := s.OnValue("pres", func(m map[string][]byte) { snaps = append(snaps, m) })
	require.NoError(t, err)
	defer cancel()

	require.Len(t, snaps, 1, "initial snapshot fires on subscribe")
	assert.Empty(t, snaps[0])

	require.NoError(t, s.Write(ctx, "pres", "c1", []byte("s1")))
	require.NoError(t, s.Write(ctx, "pres", "c2", []byte("s2")))
	require.NoError(t, s.Remove(ctx, "pres", "c1"))

	require.Len(t, snaps, 4)
	last := snaps[3]
	assert.Len(t, last, 1)
	assert.Equal(t, []byte("s2"), last["c2"])

	// removing a missing entry neither errors nor fires
	require.NoError(t, s.Remove(ctx, "pres", "missing"))
	assert.Len(t, snaps, 4)
}

func TestDisconnectGuard(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "pres", "c1", []byte("s1")))

	g, err := s.OnDisconnect("pres", "c1")
	require.NoError(t, err)

	s.Disconnect("pres", "c1")
	m, err := s.Read(ctx, "pres")
	require.NoError(t, err)
	assert.NotContains(t, m, "c1", "armed guard removes the entry on disconnect")

	// re-arm, then disarm: a drop must no longer remove the entry
	require.NoError(t, s.Write(ctx, "pres", "c1", []byte("s1")))
	g, err = s.OnDisconnect("pres", "c1")
	require.NoError(t, err)
	require.NoError(t, g.Disarm())

	s.Disconnect("pres", "c1")
	m, err = s.Read(ctx, "pres")
	require.NoError(t, err)
	assert.Contains(t, m, "c1")
}

func TestFeedQueries(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.PutItem(store.FeedItem{ID: fmt.Sprintf("i%d", i), CreatedAt: int64(100 + i)})
	}

	newest, err := s.QueryNewest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, "i4", newest[0].ID)
	assert.Equal(t, "i2", newest[2].ID)

	older, err := s.QueryOlderThan(ctx, newest[2].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "i1", older[0].ID)
	assert.Equal(t, "i0", older[1].ID)
}

func TestFeedCreatedAtImmutable(t *testing.T) {
	s := New()
	s.PutItem(store.FeedItem{ID: "a", CreatedAt: 100})
	s.PutItem(store.FeedItem{ID: "a", CreatedAt: 999, Data: []byte(`{"v":2}`)})

	items, err := s.QueryNewest(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(100), items[0].CreatedAt)
	assert.Equal(t, []byte(`{"v":2}`), []byte(items[0].Data))
}

func TestSubscribeSingle(t *testing.T) {
	s := New()
	s.PutItem(store.FeedItem{ID: "a", CreatedAt: 1})

	var got []*store.FeedItem
	cancel, err := s.SubscribeSingle("a", func(it *store.FeedItem) { got = append(got, it) })
	require.NoError(t, err)
	defer cancel()

	require.Len(t, got, 1, "current value replays on subscribe")

	s.PutItem(store.FeedItem{ID: "a", CreatedAt: 1, Data: []byte(`{}`)})
	s.DeleteItem("a")

	require.Len(t, got, 3)
	assert.NotNil(t, got[1])
	assert.Nil(t, got[2], "deletion delivers nil")
}
