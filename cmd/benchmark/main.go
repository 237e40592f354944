package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"medvault/internal/adapter/anonymizer"
	"medvault/internal/adapter/audit"
	"medvault/internal/adapter/embedding"
	"medvault/internal/adapter/index"
	"medvault/internal/domain"
	"medvault/internal/usecase"
)

var conditions = []string{
	"Type 2 Diabetes", "Hypertension", "Asthma", "Heart Disease", "Arthritis",
}

func main() {
	records := flag.Int("n", 1000, "Number of synthetic records to ingest")
	queries := flag.Int("q", 100, "Number of searches to run")
	topK := flag.Int("k", 5, "Results per search")
	dimension := flag.Int("dim", 384, "Embedding dimension")
	batchSize := flag.Int("batch", 50, "Records per upsert batch")
	workers := flag.Int("workers", 4, "Parallel embedding workers")
	flag.Parse()

	fmt.Println("ENCRYPTED INDEX PIPELINE BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Records: %d  Queries: %d  TopK: %d  Dimension: %d\n\n",
		*records, *queries, *topK, *dimension)

	tmpDir, err := os.MkdirTemp("", "medvault-bench")
	if err != nil {
		fatal("temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	anon, err := anonymizer.New(anonymizer.Policy{Name: anonymizer.PolicyStrict}, "bench_salt")
	if err != nil {
		fatal("anonymizer", err)
	}

	recorder, err := index.NewRecorder("", nil)
	if err != nil {
		fatal("recorder", err)
	}
	client := index.NewClient(index.BoltFactory(tmpDir), recorder, nil)
	defer client.Close()

	auditLog, err := audit.New(tmpDir, nil, nil)
	if err != nil {
		fatal("audit", err)
	}
	defer auditLog.Close()

	pipeline := usecase.New(anon, embedding.NewLocalEmbedder(*dimension), client, auditLog, nil)

	raw := make([]domain.Record, *records)
	for i := range raw {
		raw[i] = domain.Record{
			RecordID: fmt.Sprintf("BENCH_%06d", i),
			Text: fmt.Sprintf("Patient Alice Morgan, MRN: %06d. Presented with %s, followup scheduled 01/15/2025. Note %d.",
				i, conditions[i%len(conditions)], i),
			Metadata: map[string]string{"condition": conditions[i%len(conditions)]},
		}
	}

	start := time.Now()
	result, err := pipeline.Ingest(context.Background(), raw, usecase.IngestOptions{
		IndexName: "bench",
		BatchSize: *batchSize,
		Workers:   *workers,
	})
	if err != nil {
		fatal("ingest", err)
	}
	fmt.Printf("Ingest: %d records in %.0f ms (%.0f records/sec), %d redactions\n",
		result.Ingested, result.ElapsedMS,
		float64(result.Ingested)/time.Since(start).Seconds(), result.Redactions)

	start = time.Now()
	for i := 0; i < *queries; i++ {
		question := fmt.Sprintf("treatment options for %s", conditions[i%len(conditions)])
		if _, err := pipeline.Query(context.Background(), question, "bench", *topK); err != nil {
			fatal("query", err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("Search: %d queries in %.0f ms (%.1f ms/query)\n\n",
		*queries, float64(elapsed.Milliseconds()),
		float64(elapsed.Milliseconds())/float64(*queries))

	fmt.Println("Per-operation report:")
	report := client.PerformanceReport()
	out, _ := json.MarshalIndent(report.Operations, "", "  ")
	fmt.Println(string(out))
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "benchmark %s failed: %v\n", stage, err)
	os.Exit(1)
}
