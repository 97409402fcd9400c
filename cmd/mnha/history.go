package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/mnha/pkg/journal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent failover operations on this node",
	Long: `Show recent failover operations recorded in the node's journal.

Examples:
  mnha history
  mnha history -n 3 -o yaml`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntP("count", "n", 10, "Number of operations to show (0 for all)")
	historyCmd.Flags().StringP("output", "o", "text", "Output format (text, yaml)")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	output, _ := cmd.Flags().GetString("output")

	store, err := journal.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(count)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	switch output {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(records)
	case "text":
		printHistory(os.Stdout, records)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}
}

func printHistory(w io.Writer, records []*journal.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No operations recorded")
		return
	}

	fmt.Fprintf(w, "%-36s  %-10s  %-11s  %-20s  %s\n", "ID", "MODE", "RESULT", "STARTED", "LAST STAGE")
	for _, rec := range records {
		last := "-"
		if n := len(rec.Stages); n > 0 {
			last = rec.Stages[n-1].Name
		}
		mode := string(rec.Mode)
		if rec.DryRun {
			mode += "*"
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-11s  %-20s  %s\n",
			rec.ID, mode, rec.Result, rec.Started.Local().Format(time.DateTime), last)
		if rec.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", rec.Error)
		}
	}
}
