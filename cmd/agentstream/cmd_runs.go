package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentstream/internal/snapshot"
	"github.com/user/agentstream/internal/state"
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsClearCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		frames := state.NewFrameLog(cfg.DataDir)
		exporter := snapshot.NewExporter(cfg.DataDir)

		runs, err := frames.Runs()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No recorded runs found.")
			return nil
		}

		ctx := context.Background()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tFRAMES\tLAST FRAME\tSNAPSHOT")
		for _, id := range runs {
			count, err := frames.Count(ctx, id)
			if err != nil {
				count = 0
			}
			last := "-"
			if tail, err := frames.Tail(ctx, id, 1); err == nil && len(tail) == 1 {
				last = tail[0].At.Format("2006-01-02 15:04:05")
			}
			snap := "-"
			if _, err := os.Stat(exporter.Path(id)); err == nil {
				snap = exporter.Path(id)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, count, last, snap)
		}
		return w.Flush()
	},
}

var runsClearCmd = &cobra.Command{
	Use:   "clear <run-id|all>",
	Short: "Delete a recorded run or all runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessionsDir := filepath.Join(cfg.DataDir, "sessions")

		if args[0] == "all" {
			if err := os.RemoveAll(sessionsDir); err != nil {
				return fmt.Errorf("remove sessions directory: %w", err)
			}
			fmt.Println("All recorded runs cleared.")
			return nil
		}

		// Validate path to prevent traversal
		runDir := filepath.Join(sessionsDir, args[0])
		resolved, err := filepath.Abs(runDir)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		absSessionsDir, _ := filepath.Abs(sessionsDir)
		if !strings.HasPrefix(resolved, absSessionsDir+string(filepath.Separator)) {
			return fmt.Errorf("invalid run id: %s", args[0])
		}
		if _, err := os.Stat(runDir); os.IsNotExist(err) {
			return fmt.Errorf("run not found: %s", args[0])
		}
		if err := os.RemoveAll(runDir); err != nil {
			return fmt.Errorf("remove run directory: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Run %s cleared.\n", args[0])
		return nil
	},
}
