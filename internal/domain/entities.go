package domain

import "time"

// Metric identifies the similarity metric an index is built with.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricDot:
		return true
	}
	return false
}

// Record is a raw clinical record as read from an ingestion source.
type Record struct {
	RecordID string
	Text     string
	Metadata map[string]string
}

// AnonymizedRecord is a Record after redaction and ID anonymization.
// AnonID is a stable one-way hash of the original record ID.
type AnonymizedRecord struct {
	AnonID   string
	Text     string
	Metadata map[string]string
}

// EmbeddedRecord carries an anonymized record together with its vector.
// Dimension always equals len(Vector); a mismatch against the target index
// dimension is rejected at insertion time.
type EmbeddedRecord struct {
	AnonymizedRecord
	Vector    []float32
	ModelID   string
	Dimension int
}

// QueryResult is a single search hit. Results are ordered by descending
// score regardless of metric; see index.Client.Search for the convention.
type QueryResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Text     string            `json:"text"`
	Summary  string            `json:"summary,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

// QueryResponse is the externally visible result of one query.
type QueryResponse struct {
	QueryID   string        `json:"query_id"`
	Answer    string        `json:"answer"`
	Sources   []QueryResult `json:"sources"`
	LatencyMS float64       `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// BatchMetrics summarizes one upsert batch.
type BatchMetrics struct {
	BatchID       string    `json:"batch_id"`
	Count         int       `json:"count"`
	LatencyMS     float64   `json:"latency_ms"`
	RecordsPerSec float64   `json:"records_per_sec"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// IndexState tracks the lifecycle of an index handle.
//
// Uninitialized -> Created -> (Upserting <-> Trained) -> Dropped.
// Search is valid in Created (always empty) and Trained states only.
type IndexState int

const (
	StateUninitialized IndexState = iota
	StateCreated
	StateUpserting
	StateTrained
	StateDropped
)

func (s IndexState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateUpserting:
		return "upserting"
	case StateTrained:
		return "trained"
	case StateDropped:
		return "dropped"
	default:
		return "uninitialized"
	}
}

// AnonymizerStats is a read-only snapshot of normalizer counters.
type AnonymizerStats struct {
	RecordsProcessed  int `json:"records_processed"`
	RedactionsApplied int `json:"redactions_applied"`
}
