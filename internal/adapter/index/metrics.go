package index

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	metricsFileName  = "vault_metrics.jsonl"
	failuresFileName = "vault_failures.jsonl"
)

// OperationMetric is one append-only accounting record per index
// operation, successful or not.
type OperationMetric struct {
	Operation     string    `json:"operation"`
	IndexName     string    `json:"index_name"`
	Count         int       `json:"count,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
	LatencyMS     float64   `json:"latency_ms"`
	RecordsPerSec float64   `json:"records_per_sec,omitempty"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// FailureRecord is the parallel trail for failed operations, carrying
// error text and operation context but never record content.
type FailureRecord struct {
	Operation string            `json:"operation"`
	Error     string            `json:"error"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Recorder accumulates operation metrics in memory and mirrors them to
// append-only JSONL files. A recorder with an empty log dir keeps the
// in-memory trail only, which the tests use.
type Recorder struct {
	mu       sync.Mutex
	metrics  []OperationMetric
	failures []FailureRecord

	metricsFile  *os.File
	failuresFile *os.File
	log          *slog.Logger
}

func NewRecorder(logDir string, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{log: log.With("component", "index_metrics")}

	if logDir == "" {
		return r, nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	var err error
	r.metricsFile, err = os.OpenFile(filepath.Join(logDir, metricsFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	r.failuresFile, err = os.OpenFile(filepath.Join(logDir, failuresFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.metricsFile.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Record(m OperationMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics = append(r.metrics, m)
	r.appendLine(r.metricsFile, m)
}

func (r *Recorder) RecordFailure(operation string, err error, context map[string]string) {
	f := FailureRecord{
		Operation: operation,
		Error:     err.Error(),
		Context:   context,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, f)
	r.appendLine(r.failuresFile, f)
}

// appendLine mirrors a record to its JSONL file. A write failure must
// not break the operation that produced the record.
func (r *Recorder) appendLine(f *os.File, v any) {
	if f == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("failed to encode metrics record", "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		r.log.Warn("failed to append metrics record", "error", err)
	}
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricsFile != nil {
		r.metricsFile.Close()
	}
	if r.failuresFile != nil {
		return r.failuresFile.Close()
	}
	return nil
}

// OperationStats aggregates latency and throughput for one operation type.
type OperationStats struct {
	Operations    int     `json:"operations"`
	TotalRecords  int     `json:"total_records,omitempty"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	MinLatencyMS  float64 `json:"min_latency_ms"`
	MaxLatencyMS  float64 `json:"max_latency_ms"`
	P95LatencyMS  float64 `json:"p95_latency_ms"`
	P99LatencyMS  float64 `json:"p99_latency_ms"`
	AvgThroughput float64 `json:"avg_records_per_sec,omitempty"`
}

// Report is the aggregated performance view across all operations.
type Report struct {
	Message    string                    `json:"message,omitempty"`
	Summary    ReportSummary             `json:"summary"`
	Operations map[string]OperationStats `json:"operations,omitempty"`
	Failures   []FailureRecord           `json:"failures,omitempty"`
}

type ReportSummary struct {
	TotalOperations      int `json:"total_operations"`
	SuccessfulOperations int `json:"successful_operations"`
	FailedOperations     int `json:"failed_operations"`
}

// Report aggregates the accumulated metrics. With no recorded
// operations it reports that state instead of dividing by zero.
func (r *Recorder) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.metrics) == 0 {
		return Report{Message: "no operations recorded"}
	}

	report := Report{
		Operations: make(map[string]OperationStats),
		Failures:   append([]FailureRecord(nil), r.failures...),
	}

	byOp := make(map[string][]OperationMetric)
	for _, m := range r.metrics {
		report.Summary.TotalOperations++
		if m.Success {
			report.Summary.SuccessfulOperations++
		}
		byOp[m.Operation] = append(byOp[m.Operation], m)
	}
	report.Summary.FailedOperations = len(r.failures)

	for op, ms := range byOp {
		latencies := make([]float64, len(ms))
		stats := OperationStats{
			Operations:   len(ms),
			MinLatencyMS: math.MaxFloat64,
		}
		var latencySum, throughputSum float64
		throughputN := 0
		for i, m := range ms {
			latencies[i] = m.LatencyMS
			latencySum += m.LatencyMS
			stats.TotalRecords += m.Count
			if m.LatencyMS < stats.MinLatencyMS {
				stats.MinLatencyMS = m.LatencyMS
			}
			if m.LatencyMS > stats.MaxLatencyMS {
				stats.MaxLatencyMS = m.LatencyMS
			}
			if m.RecordsPerSec > 0 {
				throughputSum += m.RecordsPerSec
				throughputN++
			}
		}
		sort.Float64s(latencies)
		stats.AvgLatencyMS = latencySum / float64(len(ms))
		stats.P95LatencyMS = percentile(latencies, 95)
		stats.P99LatencyMS = percentile(latencies, 99)
		if throughputN > 0 {
			stats.AvgThroughput = throughputSum / float64(throughputN)
		}
		report.Operations[op] = stats
	}

	return report
}

// ReadReport aggregates the metrics a previous process mirrored to
// logDir. Malformed lines are skipped.
func ReadReport(logDir string) (Report, error) {
	r := &Recorder{log: slog.Default()}

	if err := readJSONLines(filepath.Join(logDir, metricsFileName), func(data []byte) {
		var m OperationMetric
		if json.Unmarshal(data, &m) == nil {
			r.metrics = append(r.metrics, m)
		}
	}); err != nil {
		return Report{}, err
	}
	if err := readJSONLines(filepath.Join(logDir, failuresFileName), func(data []byte) {
		var f FailureRecord
		if json.Unmarshal(data, &f) == nil {
			r.failures = append(r.failures, f)
		}
	}); err != nil {
		return Report{}, err
	}
	return r.Report(), nil
}

func readJSONLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}
	return scanner.Err()
}

// percentile interpolates the p-th percentile over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
