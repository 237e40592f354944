package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"medvault/internal/adapter/audit"
)

var (
	auditSince  string
	auditOutput string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Aggregate the audit trail into a compliance summary",
	RunE:  runAuditSummary,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full audit report for regulatory review",
	RunE:  runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "only include events at or after this RFC 3339 timestamp")
	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "report file (default stdout)")
}

func sinceTime() (time.Time, error) {
	if auditSince == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, auditSince)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since timestamp: %w", err)
	}
	return t, nil
}

func openAudit() (*audit.Logger, error) {
	return audit.New(cfg.Audit.LogDir, audit.NewSlogAlerter(logger), logger)
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	since, err := sinceTime()
	if err != nil {
		return err
	}

	log, err := openAudit()
	if err != nil {
		return err
	}
	defer log.Close()

	summary, err := log.Summary(since)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	since, err := sinceTime()
	if err != nil {
		return err
	}

	log, err := openAudit()
	if err != nil {
		return err
	}
	defer log.Close()

	w := os.Stdout
	if auditOutput != "" {
		f, err := os.Create(auditOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if err := log.ExportReport(w, since); err != nil {
		return err
	}
	if auditOutput != "" {
		fmt.Printf("Audit report exported to %s\n", auditOutput)
	}
	return nil
}
