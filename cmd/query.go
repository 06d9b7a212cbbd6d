package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"videoNarrate/storage"
)

var queryTopK int

var queryCmd = &cobra.Command{
	Use:   "query <run-id> <question>",
	Short: "Search an indexed run for moments matching a question",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 5, "number of results to return")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store := storage.New(ctx, cfg, logger)
	defer store.Close(ctx)

	runID := args[0]
	question := strings.Join(args[1:], " ")

	hits, err := store.Search(ctx, runID, question, queryTopK)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%6.3f  [%s %7.1fs-%7.1fs]  %s\n", h.Score, h.Kind, h.Start, h.End, firstLine(h.Text))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
