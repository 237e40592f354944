package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"

	"medvault/internal/domain"
	"medvault/internal/port"
)

var bucketEmbeddings = []byte("embeddings")

// Cache persists computed embeddings on disk so a process restart does
// not recompute them. It is a derived artifact: deleting the file is
// always safe, the pipeline just re-embeds on the next ingest.
type Cache struct {
	db *bbolt.DB
}

type cachedVector struct {
	Vector    []float32 `json:"v"`
	Dimension int       `json:"d"`
	Model     string    `json:"m"`
}

func NewCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, domain.WrapError("embedding.cache",
			fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, domain.WrapError("embedding.cache",
			fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(model, text string) []byte {
	sum := sha256.Sum256(append(append([]byte(model), 0), []byte(text)...))
	return sum[:]
}

func (c *Cache) get(model, text string, dimension int) ([]float32, bool) {
	var vec []float32
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get(cacheKey(model, text))
		if data == nil {
			return nil
		}
		var stored cachedVector
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil // treat corrupted entries as misses
		}
		if stored.Model != model || stored.Dimension != dimension {
			return nil // model identity changed, stale entry
		}
		vec = stored.Vector
		return nil
	})
	return vec, vec != nil
}

func (c *Cache) put(model string, texts []string, vectors [][]float32, dimension int) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		for i, text := range texts {
			data, err := json.Marshal(cachedVector{
				Vector:    vectors[i],
				Dimension: dimension,
				Model:     model,
			})
			if err != nil {
				return err
			}
			if err := b.Put(cacheKey(model, text), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CachedEmbedder wraps an Embedder with the on-disk cache. Cache misses
// are embedded in one backend call, so concatenation invariance of the
// inner embedder carries through.
type CachedEmbedder struct {
	inner port.Embedder
	cache *Cache
	log   *slog.Logger
}

func NewCachedEmbedder(inner port.Embedder, cache *Cache, log *slog.Logger) *CachedEmbedder {
	if log == nil {
		log = slog.Default()
	}
	return &CachedEmbedder{inner: inner, cache: cache, log: log.With("component", "embedding_cache")}
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := e.inner.ModelName()
	dim := e.inner.Dimension()

	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.get(model, text, dim); ok {
			vectors[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		fresh, err := e.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if err := e.cache.put(model, missTexts, fresh, dim); err != nil {
			// A cold cache is only a performance problem, never a failure.
			e.log.Warn("failed to persist embeddings", "error", err, "count", len(missTexts))
		}
		for j, i := range missIdx {
			vectors[i] = fresh[j]
		}
	}

	e.log.Debug("embed batch served",
		"total", len(texts), "cache_hits", len(texts)-len(missTexts))
	return vectors, nil
}

func (e *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

func (e *CachedEmbedder) ModelName() string {
	return e.inner.ModelName()
}
