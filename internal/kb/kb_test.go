package kb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMemoryAdapterIngestDedupesByContentHash(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	p1 := writeTempFile(t, dir, "a.txt", "hello world")
	p2 := writeTempFile(t, dir, "b.txt", "hello world")

	ids1, err := a.Ingest(ctx, []Item{{PathOrURL: p1}}, ScopeAgent, "agent-1")
	require.NoError(t, err)
	require.Len(t, ids1, 1)

	ids2, err := a.Ingest(ctx, []Item{{PathOrURL: p2}}, ScopeAgent, "agent-1")
	require.NoError(t, err)
	require.Equal(t, ids1, ids2)
}

func TestMemoryAdapterIngestSkipsUnreadable(t *testing.T) {
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	ids, err := a.Ingest(ctx, []Item{{PathOrURL: "/nonexistent/path"}}, ScopeAgent, "agent-1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestMemoryAdapterIngestRejectsRemoteURL(t *testing.T) {
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	ids, err := a.Ingest(ctx, []Item{{PathOrURL: "https://example.com/doc"}}, ScopeAgent, "agent-1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestMemoryAdapterSearchRanksByTermOverlap(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	p1 := writeTempFile(t, dir, "strong.txt", "the quick brown fox jumps over the lazy dog")
	p2 := writeTempFile(t, dir, "weak.txt", "a dog barks")

	_, err := a.Ingest(ctx, []Item{{PathOrURL: p1}, {PathOrURL: p2}}, ScopeProject, "")
	require.NoError(t, err)

	hits, err := a.Search(ctx, "quick fox dog", ScopeProject, "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.True(t, hits[0].Score >= hits[len(hits)-1].Score)
}

func TestMemoryAdapterSearchScopesByAgent(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	p := writeTempFile(t, dir, "doc.txt", "secret agent knowledge")
	_, err := a.Ingest(ctx, []Item{{PathOrURL: p}}, ScopeAgent, "agent-1")
	require.NoError(t, err)

	hits, err := a.Search(ctx, "secret", ScopeAgent, "agent-2", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMemoryAdapterCopyFromCopiesAndSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	p := writeTempFile(t, dir, "doc.txt", "shared knowledge")
	ids, err := a.Ingest(ctx, []Item{{PathOrURL: p}}, ScopeAgent, "agent-1")
	require.NoError(t, err)

	copied, skipped, err := a.CopyFrom(ctx, "agent-1", "agent-2", append(ids, "kb_item_missing"))
	require.NoError(t, err)
	require.Equal(t, ids, copied)
	require.Equal(t, []string{"kb_item_missing"}, skipped)

	rec, ok, err := a.Get(ctx, ScopeAgent, "agent-2", ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shared knowledge", rec.Content)
}

func TestMemoryAdapterListPaginates(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := writeTempFile(t, dir, filepathName(i), filepathContent(i))
		_, err := a.Ingest(ctx, []Item{{PathOrURL: p}}, ScopeUser, "")
		require.NoError(t, err)
	}

	page1, err := a.List(ctx, ScopeUser, "", 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := a.List(ctx, ScopeUser, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	pageEnd, err := a.List(ctx, ScopeUser, "", 2, 10)
	require.NoError(t, err)
	require.Empty(t, pageEnd)
}

func TestMemoryAdapterDeleteRemovesItem(t *testing.T) {
	dir := t.TempDir()
	a := NewMemoryAdapter(logger.Default())
	ctx := context.Background()

	p := writeTempFile(t, dir, "doc.txt", "ephemeral")
	ids, err := a.Ingest(ctx, []Item{{PathOrURL: p}}, ScopeAgent, "agent-1")
	require.NoError(t, err)

	deleted, err := a.Delete(ctx, ScopeAgent, "agent-1", ids[0])
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := a.Get(ctx, ScopeAgent, "agent-1", ids[0])
	require.NoError(t, err)
	require.False(t, ok)

	deletedAgain, err := a.Delete(ctx, ScopeAgent, "agent-1", ids[0])
	require.NoError(t, err)
	require.False(t, deletedAgain)
}

func filepathName(i int) string {
	return "doc" + string(rune('0'+i)) + ".txt"
}

func filepathContent(i int) string {
	return "content number " + string(rune('0'+i))
}
