package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/state"
	"github.com/user/agentstream/internal/stats"
	"github.com/user/agentstream/internal/types"
)

var (
	replayFile  string
	replayStats bool
	replayJSON  bool
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayFile, "file", "", "replay raw stream text from a file (- for stdin) instead of a recorded run")
	replayCmd.Flags().BoolVar(&replayStats, "stats", false, "print transcript statistics")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print the final snapshot as JSON")
}

var replayCmd = &cobra.Command{
	Use:   "replay [run-id]",
	Short: "Rebuild a transcript from recorded frames",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		var runID types.RunID
		if len(args) == 1 {
			runID = types.RunID(args[0])
		}
		if runID == "" && replayFile == "" {
			return fmt.Errorf("give a run id or --file")
		}

		// Replay never talks to the backend.
		opts := engineOptions(cfg, nil)
		opts.TurnGrace = 0
		e := engine.New(opts)
		defer e.Close()
		e.StartStream(engine.StartOptions{RunID: runID})

		if replayFile != "" {
			if err := replayText(e, replayFile); err != nil {
				return err
			}
		} else {
			frames := state.NewFrameLog(cfg.DataDir)
			n, err := frames.Count(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no recorded frames for run %s", runID)
			}
			err = frames.Replay(cmd.Context(), runID, func(f *types.Frame) error {
				e.Ingest(f.Text, f.LastEventID)
				return nil
			})
			if err != nil {
				return fmt.Errorf("replay frames: %w", err)
			}
		}
		if s := e.Current(); s != nil {
			s.Flush()
		}

		snap := e.Snapshot()
		if replayJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printTranscript(os.Stdout, snap.Messages)
		if replayStats {
			return printStats(os.Stdout, cfg.Stats.Model, snap)
		}
		return nil
	},
}

// replayText feeds a raw stream file line by line, one delivery per line.
func replayText(e *engine.Engine, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open stream file: %w", err)
		}
		defer f.Close()
		r = f
	}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			e.Ingest(line, "")
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream file: %w", err)
		}
	}
}

func printTranscript(w io.Writer, msgs []types.Message) {
	for _, m := range msgs {
		who := string(m.Role)
		if m.AgentID != "" {
			who += "/" + m.AgentID
		}
		marker := ""
		if !m.IsComplete {
			marker = " …"
		}
		fmt.Fprintf(w, "[%s] %s%s\n", who, m.Content, marker)
		for _, a := range m.AttachedEvents {
			fmt.Fprintf(w, "    · %s\n", a.DisplayLabel)
		}
	}
}

func printStats(w io.Writer, model string, snap engine.Snapshot) error {
	counter, err := stats.NewCounter(model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenizer unavailable (%v), using estimate\n", err)
		counter = stats.Approximate()
	}
	r := stats.Summarize(snap.Messages, counter)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tMESSAGES\tCHARS\tTOKENS")
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\n", r.Total.Messages, r.Total.Characters, r.Total.Tokens)
	for _, role := range []types.Role{types.RoleUser, types.RoleAssistant, types.RoleFeedback, types.RoleFeedbackReceived} {
		if b, ok := r.ByRole[role]; ok {
			fmt.Fprintf(tw, "role:%s\t%d\t%d\t%d\n", role, b.Messages, b.Characters, b.Tokens)
		}
	}
	for _, id := range r.Agents() {
		b := r.ByAgent[id]
		fmt.Fprintf(tw, "agent:%s\t%d\t%d\t%d\n", id, b.Messages, b.Characters, b.Tokens)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nframes=%d events=%d incomplete=%d attached=%d turn_open=%t\n",
		snap.Stats.Frames, snap.Stats.Events, r.Incomplete, r.AttachedEvents, snap.Turn.IsTurnOpen)
	return nil
}
