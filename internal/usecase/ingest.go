package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medvault/internal/adapter/index"
	"medvault/internal/domain"
)

// IngestOptions controls one ingestion run.
type IngestOptions struct {
	IndexName string
	Metric    domain.Metric

	// Overwrite recreates an existing index, discarding its contents
	// and its stale ciphertext.
	Overwrite bool

	// BatchSize is the number of records embedded and upserted per
	// batch. Workers embed batches in parallel.
	BatchSize int
	Workers   int

	// SkipEmpty drops records with empty content instead of aborting
	// the whole run.
	SkipEmpty bool

	// MaxRetries bounds the backoff retries per batch when the
	// embedding backend is unavailable. Other failures are not retried.
	MaxRetries int

	// Progress, when set, is called after each finished batch with the
	// number of records processed so far and the total.
	Progress func(done, total int)
}

func (o *IngestOptions) defaults() {
	if o.IndexName == "" {
		o.IndexName = "records"
	}
	if o.Metric == "" {
		o.Metric = domain.MetricCosine
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	IndexName     string                `json:"index_name"`
	Total         int                   `json:"total"`
	Ingested      int                   `json:"ingested"`
	Skipped       int                   `json:"skipped"`
	FailedBatches int                   `json:"failed_batches"`
	Redactions    int                   `json:"redactions"`
	ElapsedMS     float64               `json:"elapsed_ms"`
	Batches       []domain.BatchMetrics `json:"batches,omitempty"`
}

// Ingest runs the full pipeline over raw records: normalize, embed in
// batches across a small worker pool, and upsert into the index. Each
// batch is retried independently when the embedding backend is down;
// one failed batch does not abort the others. The created or reused
// index becomes the pipeline's active index.
func (p *Pipeline) Ingest(ctx context.Context, records []domain.Record, opts IngestOptions) (IngestResult, error) {
	opts.defaults()
	start := time.Now()
	result := IngestResult{IndexName: opts.IndexName, Total: len(records)}

	if len(records) == 0 {
		return result, domain.WrapError("ingest",
			fmt.Errorf("%w: no records to ingest", domain.ErrValidation))
	}

	statsBefore := p.anonymizer.Stats()

	anonymized := make([]domain.AnonymizedRecord, 0, len(records))
	for _, rec := range records {
		anon, err := p.anonymizer.Normalize(rec)
		if err != nil {
			if errors.Is(err, domain.ErrEmptyContent) && opts.SkipEmpty {
				result.Skipped++
				continue
			}
			return result, err
		}
		anonymized = append(anonymized, anon)
	}
	result.Redactions = p.anonymizer.Stats().RedactionsApplied - statsBefore.RedactionsApplied

	idx, err := p.openIndex(opts)
	if err != nil {
		return result, err
	}
	p.UseIndex(idx)

	batches := splitBatches(anonymized, opts.BatchSize)
	p.log.Info("ingestion started",
		"index", opts.IndexName, "records", len(anonymized),
		"batches", len(batches), "workers", opts.Workers)

	var (
		mu   sync.Mutex
		done int
		wg   sync.WaitGroup
	)
	jobs := make(chan []domain.AnonymizedRecord)

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				metrics, err := p.ingestBatch(ctx, idx, batch, opts.MaxRetries)

				mu.Lock()
				result.Batches = append(result.Batches, metrics)
				if err != nil {
					result.FailedBatches++
					p.log.Error("batch failed",
						"batch_id", metrics.BatchID, "count", len(batch),
						"kind", domain.ErrorKind(err))
				} else {
					result.Ingested += len(batch)
				}
				done += len(batch)
				if opts.Progress != nil {
					opts.Progress(done, len(anonymized))
				}
				mu.Unlock()
			}
		}()
	}

	for _, batch := range batches {
		jobs <- batch
	}
	close(jobs)
	wg.Wait()

	result.ElapsedMS = float64(time.Since(start).Microseconds()) / 1000
	p.log.Info("ingestion finished",
		"index", opts.IndexName, "ingested", result.Ingested,
		"skipped", result.Skipped, "failed_batches", result.FailedBatches,
		"elapsed_ms", result.ElapsedMS)

	if result.FailedBatches > 0 {
		return result, domain.WrapError("ingest",
			fmt.Errorf("%w: %d of %d batches failed", domain.ErrStorage,
				result.FailedBatches, len(batches)))
	}
	return result, nil
}

// openIndex creates the target index, or reuses the existing handle
// when the name is already registered and overwrite is off.
func (p *Pipeline) openIndex(opts IngestOptions) (*index.Index, error) {
	if existing, ok := p.client.Get(opts.IndexName); ok && !opts.Overwrite {
		if existing.Dimension() != p.embedder.Dimension() {
			return nil, domain.WrapError("ingest",
				fmt.Errorf("%w: index %s has dimension %d, embedder produces %d",
					domain.ErrDimensionMismatch, opts.IndexName,
					existing.Dimension(), p.embedder.Dimension()))
		}
		return existing, nil
	}
	return p.client.CreateIndex(opts.IndexName, p.embedder.Dimension(), opts.Metric, opts.Overwrite)
}

// ingestBatch embeds one batch and upserts it, retrying with
// exponential backoff while the embedding backend is unavailable.
func (p *Pipeline) ingestBatch(ctx context.Context, idx *index.Index, batch []domain.AnonymizedRecord, maxRetries int) (domain.BatchMetrics, error) {
	var metrics domain.BatchMetrics

	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = rec.Text
	}

	operation := func() error {
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			if errors.Is(err, domain.ErrModelUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}

		embedded := make([]domain.EmbeddedRecord, len(batch))
		for i, rec := range batch {
			embedded[i] = domain.EmbeddedRecord{
				AnonymizedRecord: rec,
				Vector:           vectors[i],
				ModelID:          p.embedder.ModelName(),
				Dimension:        len(vectors[i]),
			}
		}

		m, err := p.client.Upsert(ctx, idx, embedded)
		metrics = m
		if err != nil {
			// Index-side failures are not embedding outages; no retry.
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)
	err := backoff.Retry(operation, policy)
	return metrics, err
}

func splitBatches(records []domain.AnonymizedRecord, size int) [][]domain.AnonymizedRecord {
	var batches [][]domain.AnonymizedRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
