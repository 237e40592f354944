package index

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"medvault/internal/domain"
	"medvault/internal/port"
)

// StoreFactory builds the backing store for a new index. The key is the
// freshly generated 32-byte index key; reset discards any stale
// contents at the backing location.
type StoreFactory func(name string, dimension int, metric domain.Metric, key []byte, reset bool) (port.IndexStore, error)

// MemoryFactory returns a factory producing in-memory reference stores.
func MemoryFactory() StoreFactory {
	return func(name string, dimension int, metric domain.Metric, key []byte, reset bool) (port.IndexStore, error) {
		return NewMemoryStore(dimension, metric), nil
	}
}

// BoltFactory returns a factory producing sealed bbolt stores under dir,
// one file per index.
func BoltFactory(dir string) StoreFactory {
	return func(name string, dimension int, metric domain.Metric, key []byte, reset bool) (port.IndexStore, error) {
		return NewBoltStore(filepath.Join(dir, name+".vault"), dimension, metric, key, reset)
	}
}

// Index is a handle to one encrypted index. The encryption key lives
// only on this handle for the lifetime of the process and is never
// logged or persisted in cleartext.
type Index struct {
	name      string
	dimension int
	metric    domain.Metric
	key       []byte

	mu    sync.RWMutex
	state domain.IndexState
	store port.IndexStore
}

func (x *Index) Name() string          { return x.name }
func (x *Index) Dimension() int        { return x.dimension }
func (x *Index) Metric() domain.Metric { return x.metric }

func (x *Index) State() domain.IndexState {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// ItemCount returns the number of searchable items.
func (x *Index) ItemCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, err := x.store.Count()
	if err != nil {
		return 0
	}
	return n
}

// Client owns index lifecycle against the encrypted backing store and
// tracks per-operation latency and failures without crashing callers.
type Client struct {
	mu      sync.Mutex
	indexes map[string]*Index

	factory   StoreFactory
	recorder  *Recorder
	log       *slog.Logger
	keySource func(name string) ([]byte, error)
}

func NewClient(factory StoreFactory, recorder *Recorder, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		indexes:  make(map[string]*Index),
		factory:  factory,
		recorder: recorder,
		log:      log.With("component", "index_client"),
	}
}

// UseKeySource replaces random per-index key generation with fn,
// typically a derivation from a deployment secret. Required for
// reattaching to a persisted index from a new process; without it,
// index keys are ephemeral and die with the handle.
func (c *Client) UseKeySource(fn func(name string) ([]byte, error)) {
	c.keySource = fn
}

func (c *Client) newKey(name string) ([]byte, error) {
	if c.keySource != nil {
		key, err := c.keySource(name)
		if err != nil {
			return nil, err
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: key source returned %d bytes, need 32",
				domain.ErrValidation, len(key))
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", domain.ErrStorage, err)
	}
	return key, nil
}

// CreateIndex creates an encrypted index and binds a fresh 32-byte key
// to the returned handle. Reusing a name without overwrite fails with
// ErrIndexExists; with overwrite, the previous index and its backing
// data are discarded. When the backing store already holds items (a
// persisted index reattached under a derived key), the handle starts
// out trained and searchable.
func (c *Client) CreateIndex(name string, dimension int, metric domain.Metric, overwrite bool) (*Index, error) {
	start := time.Now()

	if name == "" || dimension <= 0 {
		return nil, c.fail("create_index", start, name,
			fmt.Errorf("%w: index needs a name and a positive dimension", domain.ErrValidation), nil)
	}
	if !metric.Valid() {
		return nil, c.fail("create_index", start, name,
			fmt.Errorf("%w: unknown metric %q", domain.ErrValidation, metric), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.indexes[name]; ok {
		if !overwrite {
			return nil, c.fail("create_index", start, name, domain.ErrIndexExists, nil)
		}
		existing.mu.Lock()
		existing.state = domain.StateDropped
		existing.store.Close()
		existing.mu.Unlock()
		delete(c.indexes, name)
	}

	key, err := c.newKey(name)
	if err != nil {
		return nil, c.fail("create_index", start, name, err, nil)
	}

	store, err := c.factory(name, dimension, metric, key, overwrite)
	if err != nil {
		return nil, c.fail("create_index", start, name, err, nil)
	}

	state := domain.StateCreated
	if n, err := store.Count(); err == nil && n > 0 {
		state = domain.StateTrained
	}

	idx := &Index{
		name:      name,
		dimension: dimension,
		metric:    metric,
		key:       key,
		state:     state,
		store:     store,
	}
	c.indexes[name] = idx

	c.recorder.Record(OperationMetric{
		Operation: "create_index",
		IndexName: name,
		LatencyMS: msSince(start),
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	c.log.Info("index created", "index", name, "dimension", dimension, "metric", metric)
	return idx, nil
}

// Get returns the handle for a previously created index.
func (c *Client) Get(name string) (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[name]
	return idx, ok
}

// Upsert inserts or replaces records by anon ID, all-or-nothing for the
// batch, then runs the train step. Success is only reported once the
// newly staged items are searchable; a failed train leaves the index in
// the upserting state and searches fail fast with ErrIndexNotReady.
func (c *Client) Upsert(ctx context.Context, idx *Index, records []domain.EmbeddedRecord) (domain.BatchMetrics, error) {
	start := time.Now()
	batchID := uuid.NewString()
	metrics := domain.BatchMetrics{BatchID: batchID, Count: len(records), Timestamp: start.UTC()}

	if err := ctx.Err(); err != nil {
		return metrics, c.fail("upsert", start, idx.name, err, map[string]string{"batch_id": batchID})
	}

	items := make([]port.StoredItem, len(records))
	for i, rec := range records {
		if len(rec.Vector) != idx.dimension || rec.Dimension != idx.dimension {
			return metrics, c.fail("upsert", start, idx.name,
				fmt.Errorf("%w: record %s has %d dimensions, index has %d",
					domain.ErrDimensionMismatch, rec.AnonID, len(rec.Vector), idx.dimension),
				map[string]string{"batch_id": batchID, "attempted_count": strconv.Itoa(len(records))})
		}
		items[i] = port.StoredItem{
			ID:       rec.AnonID,
			Vector:   rec.Vector,
			Text:     rec.Text,
			Metadata: rec.Metadata,
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state == domain.StateDropped {
		return metrics, c.fail("upsert", start, idx.name,
			fmt.Errorf("%w: index %s is dropped", domain.ErrValidation, idx.name),
			map[string]string{"batch_id": batchID})
	}

	prior := idx.state
	idx.state = domain.StateUpserting

	if err := idx.store.Upsert(items); err != nil {
		// Staging is atomic, so nothing changed; restore the prior state.
		idx.state = prior
		return metrics, c.fail("upsert", start, idx.name, err,
			map[string]string{"batch_id": batchID, "attempted_count": strconv.Itoa(len(records))})
	}

	if err := idx.store.Rebuild(); err != nil {
		// Items are staged but not searchable: stay in Upserting.
		return metrics, c.fail("train", start, idx.name,
			fmt.Errorf("%w: train step failed: %v", domain.ErrStorage, err),
			map[string]string{"batch_id": batchID})
	}
	idx.state = domain.StateTrained

	elapsed := time.Since(start)
	metrics.LatencyMS = float64(elapsed.Microseconds()) / 1000
	if elapsed > 0 {
		metrics.RecordsPerSec = float64(len(records)) / elapsed.Seconds()
	}
	metrics.Success = true

	c.recorder.Record(OperationMetric{
		Operation:     "upsert",
		IndexName:     idx.name,
		Count:         len(records),
		LatencyMS:     metrics.LatencyMS,
		RecordsPerSec: metrics.RecordsPerSec,
		Success:       true,
		Timestamp:     time.Now().UTC(),
	})
	c.log.Info("batch upserted",
		"index", idx.name, "batch_id", batchID, "count", len(records),
		"latency_ms", metrics.LatencyMS)
	return metrics, nil
}

// Search returns up to topK results ordered by descending score.
//
// Score convention: cosine and dot metrics return similarity (higher is
// better); euclidean returns the negated distance so ordering stays
// descending. Searching a freshly created, empty index returns an empty
// slice, not an error. A context timeout is a failed read with no side
// effects on index state.
func (c *Client) Search(ctx context.Context, idx *Index, query []float32, topK int) ([]domain.QueryResult, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, c.fail("search", start, idx.name, err, nil)
	}
	if topK < 1 {
		return nil, c.fail("search", start, idx.name,
			fmt.Errorf("%w: topK must be >= 1, got %d", domain.ErrValidation, topK), nil)
	}
	if len(query) != idx.dimension {
		return nil, c.fail("search", start, idx.name,
			fmt.Errorf("%w: query has %d dimensions, index has %d",
				domain.ErrDimensionMismatch, len(query), idx.dimension), nil)
	}

	idx.mu.RLock()
	switch idx.state {
	case domain.StateCreated, domain.StateTrained:
		// searchable
	case domain.StateUpserting:
		idx.mu.RUnlock()
		return nil, c.fail("search", start, idx.name, domain.ErrIndexNotReady,
			map[string]string{"top_k": strconv.Itoa(topK)})
	default:
		idx.mu.RUnlock()
		return nil, c.fail("search", start, idx.name,
			fmt.Errorf("%w: index %s is not searchable in state %s",
				domain.ErrValidation, idx.name, idx.state), nil)
	}
	store := idx.store
	idx.mu.RUnlock()

	type searchOut struct {
		matches []port.SearchMatch
		err     error
	}
	out := make(chan searchOut, 1)
	go func() {
		matches, err := store.Search(query, topK)
		out <- searchOut{matches, err}
	}()

	var matches []port.SearchMatch
	select {
	case <-ctx.Done():
		return nil, c.fail("search", start, idx.name, ctx.Err(),
			map[string]string{"top_k": strconv.Itoa(topK)})
	case res := <-out:
		if res.err != nil {
			return nil, c.fail("search", start, idx.name, res.err,
				map[string]string{"top_k": strconv.Itoa(topK)})
		}
		matches = res.matches
	}

	results := make([]domain.QueryResult, len(matches))
	for i, m := range matches {
		results[i] = domain.QueryResult{
			ID:       m.ID,
			Score:    m.Score,
			Text:     m.Text,
			Metadata: m.Metadata,
		}
	}

	c.recorder.Record(OperationMetric{
		Operation: "search",
		IndexName: idx.name,
		Count:     len(results),
		TopK:      topK,
		LatencyMS: msSince(start),
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	return results, nil
}

// Drop discards an index and its backing data. Terminal: the handle
// rejects all further operations.
func (c *Client) Drop(idx *Index) error {
	start := time.Now()

	c.mu.Lock()
	delete(c.indexes, idx.name)
	c.mu.Unlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state == domain.StateDropped {
		return nil
	}
	idx.state = domain.StateDropped

	if err := idx.store.Clear(); err != nil {
		return c.fail("drop", start, idx.name, err, nil)
	}
	if err := idx.store.Close(); err != nil {
		return c.fail("drop", start, idx.name, err, nil)
	}

	c.recorder.Record(OperationMetric{
		Operation: "drop",
		IndexName: idx.name,
		LatencyMS: msSince(start),
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	c.log.Info("index dropped", "index", idx.name)
	return nil
}

// PerformanceReport aggregates accumulated operation metrics.
func (c *Client) PerformanceReport() Report {
	return c.recorder.Report()
}

// Close releases every open index store and the metrics sinks.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		idx.mu.Lock()
		idx.store.Close()
		idx.state = domain.StateDropped
		idx.mu.Unlock()
	}
	c.indexes = make(map[string]*Index)
	return c.recorder.Close()
}

// fail records the failed operation in both trails and returns the
// wrapped error for the caller.
func (c *Client) fail(op string, start time.Time, indexName string, err error, context map[string]string) error {
	wrapped := domain.WrapError("index."+op, err)

	c.recorder.Record(OperationMetric{
		Operation: op,
		IndexName: indexName,
		LatencyMS: msSince(start),
		Success:   false,
		Timestamp: time.Now().UTC(),
	})
	if context == nil {
		context = map[string]string{}
	}
	context["index_name"] = indexName
	c.recorder.RecordFailure(op, wrapped, context)

	c.log.Error("index operation failed", "operation", op, "index", indexName,
		"kind", domain.ErrorKind(err))
	return wrapped
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
