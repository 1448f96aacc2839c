package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arbor/internal/embeddings"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	meta, err := OpenMetaStore(t.TempDir(), "hash-fnv")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	return New(NewMemoryStore(), meta, embeddings.NewHashEmbedder(64))
}

func rec(id, nodeID, role, text string, ts time.Time) Record {
	return Record{ID: id, NodeID: nodeID, Role: role, Text: text, Timestamp: ts, NodeTitle: "Title of " + nodeID}
}

func TestMetaStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta, err := OpenMetaStore(dir, "hash-fnv")
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Millisecond)
	r := rec("r1", "n1", "user", "hello there", ts)
	require.NoError(t, meta.Insert(context.Background(), r))
	// Re-inserting the same record id stays a single row.
	require.NoError(t, meta.Insert(context.Background(), r))

	got, err := meta.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "n1", got.NodeID)
	require.Equal(t, "hello there", got.Text)
	require.WithinDuration(t, ts, got.Timestamp, time.Millisecond)

	n, err := meta.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = meta.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// Durability: reopen the same directory and the record is still there.
	require.NoError(t, meta.Close())
	meta2, err := OpenMetaStore(dir, "hash-fnv")
	require.NoError(t, err)
	defer meta2.Close()
	got, err = meta2.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "hello there", got.Text)
}

func TestMetaStoreRejectsEmbeddingModelMix(t *testing.T) {
	dir := t.TempDir()
	meta, err := OpenMetaStore(dir, "model-a")
	require.NoError(t, err)
	require.NoError(t, meta.Close())

	_, err = OpenMetaStore(dir, "model-b")
	require.Error(t, err)
	require.Contains(t, err.Error(), "embedding model")
}

func TestMetaStoreWindow(t *testing.T) {
	meta, err := OpenMetaStore(t.TempDir(), "hash-fnv")
	require.NoError(t, err)
	defer meta.Close()

	base := time.Now().UTC()
	for i, offset := range []time.Duration{-90 * time.Second, -30 * time.Second, 0, 30 * time.Second, 90 * time.Second} {
		r := rec(string(rune('a'+i)), "n1", "user", "m", base.Add(offset))
		require.NoError(t, meta.Insert(context.Background(), r))
	}
	// A record from another node inside the window must not appear.
	require.NoError(t, meta.Insert(context.Background(), rec("other", "n2", "user", "m", base)))

	got, err := meta.Window(context.Background(), "n1", base, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, "c", got[1].ID)
	require.Equal(t, "d", got[2].ID)
}

func TestArchiveIndexAndQuery(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a.Index(ctx, rec("r1", "nodeA", "user", "my name is Alex", base.Add(-2*time.Minute)))
	a.Index(ctx, rec("r2", "nodeB", "user", "I work as an engineer", base.Add(-time.Minute)))
	a.Index(ctx, rec("r3", "nodeB", "assistant", "nice weather today", base))

	hits, err := a.QueryText(ctx, "what is my name", 5, SearchFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "r1", hits[0].ID)
	require.Equal(t, "Title of nodeA", hits[0].NodeTitle)

	// Scores come back descending.
	for i := 1; i < len(hits); i++ {
		require.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestArchiveCutoffFilter(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a.Index(ctx, rec("old", "n1", "user", "favorite color is green", base.Add(-time.Hour)))
	a.Index(ctx, rec("fresh", "n1", "user", "favorite color is blue", base))

	cutoff := tsFloat(base.Add(-time.Minute))
	hits, err := a.QueryText(ctx, "favorite color", 10, SearchFilter{MaxTimestamp: cutoff})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "old", hits[0].ID)
}

func TestArchiveRoleFilter(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a.Index(ctx, rec("u", "n1", "user", "tell me about rust", base.Add(-2*time.Second)))
	a.Index(ctx, rec("as", "n1", "assistant", "rust is a systems language", base.Add(-time.Second)))

	hits, err := a.QueryText(ctx, "rust", 10, SearchFilter{Roles: []string{"user"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "u", hits[0].ID)
}

func TestArchiveNodeFilter(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a.Index(ctx, rec("a1", "n1", "user", "apples are tasty", base.Add(-2*time.Second)))
	a.Index(ctx, rec("a2", "n2", "user", "apples are red", base.Add(-time.Second)))

	hits, err := a.QueryText(ctx, "apples", 10, SearchFilter{NodeID: "n2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a2", hits[0].ID)
}

func TestArchiveSupersetOfBuffers(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Every indexed turn shows up as exactly one metadata row, evicted or not.
	for i := 0; i < 10; i++ {
		a.Index(ctx, rec(string(rune('a'+i)), "n1", "user", "turn", base.Add(time.Duration(i)*time.Second)))
	}
	n, err := a.meta.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}
