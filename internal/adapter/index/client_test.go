package index

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medvault/internal/domain"
	"medvault/internal/port"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	recorder, err := NewRecorder("", nil)
	require.NoError(t, err)
	c := NewClient(MemoryFactory(), recorder, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func embedded(id string, vector []float32) domain.EmbeddedRecord {
	return domain.EmbeddedRecord{
		AnonymizedRecord: domain.AnonymizedRecord{
			AnonID:   id,
			Text:     "clinical note " + id,
			Metadata: map[string]string{"condition": "test"},
		},
		Vector:    vector,
		ModelID:   "hash-projection-v1",
		Dimension: len(vector),
	}
}

func TestCreateIndexDuplicate(t *testing.T) {
	c := newTestClient(t)

	_, err := c.CreateIndex("records", 8, domain.MetricCosine, false)
	require.NoError(t, err)

	_, err = c.CreateIndex("records", 8, domain.MetricCosine, false)
	assert.ErrorIs(t, err, domain.ErrIndexExists)

	// Overwrite drops the old index and succeeds.
	idx, err := c.CreateIndex("records", 8, domain.MetricCosine, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, idx.State())
}

func TestCreateIndexValidation(t *testing.T) {
	c := newTestClient(t)

	_, err := c.CreateIndex("", 8, domain.MetricCosine, false)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = c.CreateIndex("records", 0, domain.MetricCosine, false)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = c.CreateIndex("records", 8, domain.Metric("manhattan"), false)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSearchEmptyIndex(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 8, domain.MetricCosine, false)
	require.NoError(t, err)

	results, err := c.Search(context.Background(), idx, make([]float32, 8), 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpsertThenSearchOrthogonal(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 3, domain.MetricCosine, false)
	require.NoError(t, err)

	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{
		embedded("e1", []float32{1, 0, 0}),
		embedded("e2", []float32{0, 1, 0}),
		embedded("e3", []float32{0, 0, 1}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateTrained, idx.State())
	assert.Equal(t, 3, idx.ItemCount())

	results, err := c.Search(context.Background(), idx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchTopKBound(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 3, domain.MetricCosine, false)
	require.NoError(t, err)

	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{
		embedded("e1", []float32{1, 0, 0}),
		embedded("e2", []float32{0, 1, 0}),
	})
	require.NoError(t, err)

	results, err := c.Search(context.Background(), idx, []float32{1, 1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2, "result count must not exceed item count")

	results, err = c.Search(context.Background(), idx, []float32{1, 1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1, "result count must not exceed topK")

	_, err = c.Search(context.Background(), idx, []float32{1, 1, 0}, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpsertDimensionMismatchRejectsBatch(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 3, domain.MetricCosine, false)
	require.NoError(t, err)

	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{
		embedded("ok", []float32{1, 0, 0}),
		embedded("bad", []float32{1, 0, 0, 0}),
	})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Zero(t, idx.ItemCount(), "a rejected batch must not partially commit")
}

func TestSearchDimensionMismatch(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 3, domain.MetricCosine, false)
	require.NoError(t, err)

	_, err = c.Search(context.Background(), idx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestUpsertReplacesByAnonID(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{embedded("a", []float32{1, 0})})
	require.NoError(t, err)
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{embedded("a", []float32{0, 1})})
	require.NoError(t, err)

	assert.Equal(t, 1, idx.ItemCount())

	results, err := c.Search(ctx, idx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchTieBreakByInsertionOrder(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)

	// Identical vectors: scores tie exactly, insertion order decides.
	ctx := context.Background()
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{embedded("first", []float32{1, 1})})
	require.NoError(t, err)
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{embedded("second", []float32{1, 1})})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		results, err := c.Search(ctx, idx, []float32{1, 1}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "first", results[0].ID)
		assert.Equal(t, "second", results[1].ID)
	}
}

func TestEuclideanOrdering(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricEuclidean, false)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{
		embedded("near", []float32{1, 1}),
		embedded("far", []float32{5, 5}),
	})
	require.NoError(t, err)

	results, err := c.Search(ctx, idx, []float32{1, 1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].ID)
	assert.InDelta(t, 0.0, results[0].Score, 1e-6)
	assert.Less(t, results[1].Score, results[0].Score)
}

func TestSearchCancelledContext(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)
	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{embedded("a", []float32{1, 0})})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Search(ctx, idx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, context.Canceled)

	// A timed-out search has no side effects: the index stays searchable.
	results, err := c.Search(context.Background(), idx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDropIsTerminal(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)
	require.NoError(t, c.Drop(idx))
	assert.Equal(t, domain.StateDropped, idx.State())

	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{embedded("a", []float32{1, 0})})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = c.Search(context.Background(), idx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// The name is free again.
	_, err = c.CreateIndex("t", 2, domain.MetricCosine, false)
	assert.NoError(t, err)
}

func TestPerformanceReport(t *testing.T) {
	c := newTestClient(t)

	report := c.PerformanceReport()
	assert.Equal(t, "no operations recorded", report.Message)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)
	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{embedded("a", []float32{1, 0})})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), idx, []float32{1, 0}, 1)
	require.NoError(t, err)

	report = c.PerformanceReport()
	assert.Empty(t, report.Message)
	assert.Equal(t, 3, report.Summary.TotalOperations)
	assert.Equal(t, 3, report.Summary.SuccessfulOperations)
	assert.Contains(t, report.Operations, "upsert")
	assert.Contains(t, report.Operations, "search")
	assert.Equal(t, 1, report.Operations["upsert"].TotalRecords)
}

func TestFailuresLandInReport(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 3, domain.MetricCosine, false)
	require.NoError(t, err)
	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{embedded("bad", []float32{1})})
	require.Error(t, err)

	report := c.PerformanceReport()
	assert.Equal(t, 1, report.Summary.FailedOperations)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "upsert", report.Failures[0].Operation)
	assert.Equal(t, "t", report.Failures[0].Context["index_name"])
}

// trainFailStore wraps MemoryStore and fails Rebuild on demand.
type trainFailStore struct {
	*MemoryStore
	failTrain bool
}

func (s *trainFailStore) Rebuild() error {
	if s.failTrain {
		return fmt.Errorf("simulated train failure")
	}
	return s.MemoryStore.Rebuild()
}

func TestFailedTrainLeavesIndexNotReady(t *testing.T) {
	recorder, err := NewRecorder("", nil)
	require.NoError(t, err)

	stub := &trainFailStore{failTrain: true}
	factory := func(name string, dimension int, metric domain.Metric, key []byte, reset bool) (port.IndexStore, error) {
		stub.MemoryStore = NewMemoryStore(dimension, metric)
		return stub, nil
	}
	c := NewClient(factory, recorder, nil)
	defer c.Close()

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Upsert(ctx, idx, []domain.EmbeddedRecord{embedded("a", []float32{1, 0})})
	require.Error(t, err)
	assert.Equal(t, domain.StateUpserting, idx.State())

	// Search must fail fast rather than return stale or partial results.
	_, err = c.Search(ctx, idx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)

	// Once training succeeds the staged batch becomes visible.
	stub.failTrain = false
	_, err = c.Upsert(ctx, idx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTrained, idx.State())

	results, err := c.Search(ctx, idx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestConcurrentSearches(t *testing.T) {
	c := newTestClient(t)

	idx, err := c.CreateIndex("t", 2, domain.MetricCosine, false)
	require.NoError(t, err)
	_, err = c.Upsert(context.Background(), idx, []domain.EmbeddedRecord{
		embedded("a", []float32{1, 0}),
		embedded("b", []float32{0, 1}),
	})
	require.NoError(t, err)

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := c.Search(ctx, idx, []float32{1, 0}, 2)
			done <- err
		}()
	}
	for i := 0; i < 16; i++ {
		assert.NoError(t, <-done)
	}
}

func TestErrorKindTaxonomy(t *testing.T) {
	c := newTestClient(t)

	_, err := c.CreateIndex("t", 8, domain.MetricCosine, false)
	require.NoError(t, err)
	_, err = c.CreateIndex("t", 8, domain.MetricCosine, false)

	var opErr *domain.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "index.create_index", opErr.Op)
	assert.Equal(t, "index_exists", domain.ErrorKind(err))
}
