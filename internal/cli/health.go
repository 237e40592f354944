package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report pipeline component readiness",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	p, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := attachIndex(p); err != nil {
		logger.Warn("failed to open index", "error", err)
	}

	out, err := json.MarshalIndent(p.Health(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
