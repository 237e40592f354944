package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"medvault/internal/adapter/source"
	"medvault/internal/domain"
	"medvault/internal/usecase"
)

var (
	ingestIndexName string
	ingestOverwrite bool
	ingestBatchSize int
	ingestWorkers   int
	ingestMetric    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Anonymize, embed and index clinical records",
	Long: `Read CSV records from the given file or directory, redact identifying
content, embed the text and upsert the vectors into the encrypted index.

Examples:
  medvault ingest ./data                   # Ingest every CSV under ./data
  medvault ingest records.csv --overwrite  # Rebuild the index from one file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestIndexName, "index", "", "index name (default from config)")
	ingestCmd.Flags().BoolVar(&ingestOverwrite, "overwrite", false, "discard the existing index and its data")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 0, "records per batch (default from config)")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "parallel embedding workers (default from config)")
	ingestCmd.Flags().StringVar(&ingestMetric, "metric", "", "similarity metric: cosine, euclidean, dot (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}

	records, err := loadRecords(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records found under %s", path)
	}
	fmt.Printf("Loaded %d records\n", len(records))

	p, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	opts := ingestOptions(len(records))

	result, err := p.Ingest(context.Background(), records, opts)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	stats := p.AnonymizerStats()
	fmt.Printf("Ingested %d records into index %q (%d redactions, %.0f ms)\n",
		result.Ingested, result.IndexName, result.Redactions, result.ElapsedMS)
	if result.Skipped > 0 {
		fmt.Printf("Skipped %d empty records\n", result.Skipped)
	}
	fmt.Printf("Anonymizer totals: %d records processed, %d redactions applied\n",
		stats.RecordsProcessed, stats.RedactionsApplied)
	return nil
}

func ingestOptions(total int) usecase.IngestOptions {
	opts := usecase.IngestOptions{
		IndexName:  cfg.Index.Name,
		Metric:     domain.Metric(cfg.Index.Metric),
		Overwrite:  ingestOverwrite,
		BatchSize:  cfg.Ingest.BatchSize,
		Workers:    cfg.Ingest.Workers,
		SkipEmpty:  cfg.Ingest.SkipEmpty,
		MaxRetries: cfg.Ingest.MaxRetries,
	}
	if ingestIndexName != "" {
		opts.IndexName = ingestIndexName
	}
	if ingestMetric != "" {
		opts.Metric = domain.Metric(ingestMetric)
	}
	if ingestBatchSize > 0 {
		opts.BatchSize = ingestBatchSize
	}
	if ingestWorkers > 0 {
		opts.Workers = ingestWorkers
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	var barMu sync.Mutex
	opts.Progress = func(done, _ int) {
		barMu.Lock()
		bar.Set(done)
		barMu.Unlock()
	}
	return opts
}

// loadRecords reads every matching CSV under path, or path itself when
// it is a single file.
func loadRecords(path string) ([]domain.Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}

	reader := source.NewCSVReader(csvOptions())

	if !info.IsDir() {
		return reader.ReadFile(path)
	}

	walker := source.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes)
	files, err := walker.Walk(path)
	if err != nil {
		return nil, err
	}

	var records []domain.Record
	for _, f := range files {
		recs, err := reader.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func csvOptions() source.CSVOptions {
	opts := source.DefaultCSVOptions()
	if cfg.Ingest.IDColumn != "" {
		opts.IDColumn = cfg.Ingest.IDColumn
	}
	if cfg.Ingest.TextColumn != "" {
		// The configured column takes priority; defaults stay as fallbacks.
		opts.TextColumns = append([]string{cfg.Ingest.TextColumn}, opts.TextColumns...)
	}
	return opts
}
