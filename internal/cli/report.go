package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"medvault/internal/adapter/index"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate index operation metrics into a performance report",
	Long: `Summarize latency and throughput per operation type from the metrics
trail, including percentiles and recorded failures.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	report, err := index.ReadReport(cfg.Audit.LogDir)
	if err != nil {
		return fmt.Errorf("failed to read metrics: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
