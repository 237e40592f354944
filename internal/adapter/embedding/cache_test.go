package embedding

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps LocalEmbedder and counts backend calls.
type countingEmbedder struct {
	*LocalEmbedder
	mu    sync.Mutex
	calls int
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	return c.LocalEmbedder.Embed(ctx, texts)
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(filepath.Join(t.TempDir(), "embed_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCachedEmbedderHitsSkipBackend(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(64)}
	cached := NewCachedEmbedder(inner, newTestCache(t), nil)
	ctx := context.Background()

	texts := []string{"copd exacerbation", "atrial fibrillation"}

	first, err := cached.Embed(ctx, texts)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.texts)

	second, err := cached.Embed(ctx, texts)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.texts, "second call should be served from cache")
	assert.Equal(t, first, second)
}

func TestCachedEmbedderPartialMiss(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(64)}
	cached := NewCachedEmbedder(inner, newTestCache(t), nil)
	ctx := context.Background()

	_, err := cached.Embed(ctx, []string{"sepsis protocol"})
	require.NoError(t, err)

	vecs, err := cached.Embed(ctx, []string{"sepsis protocol", "stroke workup"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 3, inner.texts, "only the miss should reach the backend")

	direct, err := inner.LocalEmbedder.Embed(ctx, []string{"sepsis protocol", "stroke workup"})
	require.NoError(t, err)
	assert.Equal(t, direct, vecs)
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed_cache.db")
	ctx := context.Background()

	cache, err := NewCache(path)
	require.NoError(t, err)
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(64)}
	cached := NewCachedEmbedder(inner, cache, nil)

	first, err := cached.Embed(ctx, []string{"migraine prophylaxis"})
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	cache, err = NewCache(path)
	require.NoError(t, err)
	defer cache.Close()

	inner2 := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(64)}
	cached2 := NewCachedEmbedder(inner2, cache, nil)

	second, err := cached2.Embed(ctx, []string{"migraine prophylaxis"})
	require.NoError(t, err)
	assert.Zero(t, inner2.texts, "reopened cache should serve the hit")
	assert.Equal(t, first, second)
}

func TestCacheIgnoresOtherModelEntries(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	small := NewCachedEmbedder(&countingEmbedder{LocalEmbedder: NewLocalEmbedder(32)}, cache, nil)
	_, err := small.Embed(ctx, []string{"gout flare"})
	require.NoError(t, err)

	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(64)}
	large := NewCachedEmbedder(inner, cache, nil)
	vecs, err := large.Embed(ctx, []string{"gout flare"})
	require.NoError(t, err)

	assert.Equal(t, 1, inner.texts, "different dimension must not reuse the entry")
	assert.Len(t, vecs[0], 64)
}
