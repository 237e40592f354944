package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"medvault/internal/usecase"
)

var (
	queryText    string
	queryTopK    int
	queryUser    string
	queryJSON    bool
	queryTimeout time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the encrypted index",
	Long: `Embed a question and search the encrypted index. The query, the
records accessed and the response are all written to the audit trail.

Examples:
  medvault query -q "treatment options for type 2 diabetes"
  medvault query -q "post-surgical followup" -k 10 --json`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "question to search for (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 5, "number of sources to retrieve")
	queryCmd.Flags().StringVarP(&queryUser, "user", "u", "", "user identifier for the audit trail")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 30*time.Second, "search timeout")
	queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	if err := usecase.ValidateQuery(queryText, queryTopK); err != nil {
		return err
	}

	user := queryUser
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "anonymous"
	}

	p, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := attachIndex(p); err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	resp, err := p.Query(ctx, queryText, user, queryTopK)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryJSON {
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Query %s (%.0f ms)\n\n", resp.QueryID, resp.LatencyMS)
	fmt.Println(resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Println("\nSources:")
		for i, src := range resp.Sources {
			fmt.Printf("%d. [%s] score=%.3f\n", i+1, src.ID, src.Score)
			if src.Summary != "" {
				fmt.Printf("   %s\n", src.Summary)
			}
			if cond := src.Metadata["condition"]; cond != "" {
				fmt.Printf("   condition: %s\n", cond)
			}
		}
	}
	return nil
}
