package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/state"
	"github.com/user/agentstream/internal/transport"
	"github.com/user/agentstream/internal/types"
)

var (
	tailRecord    bool
	tailTransport string
	tailResume    string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailRecord, "record", false, "record raw frames under the data dir for later replay")
	tailCmd.Flags().StringVar(&tailTransport, "transport", "", "transport to use (sse or nats); defaults to transport.kind")
	tailCmd.Flags().StringVar(&tailResume, "last-event-id", "", "resume the stream after this event id")
}

var tailCmd = &cobra.Command{
	Use:   "tail <run-id>",
	Short: "Follow a run's event stream and print completed messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		runID := types.RunID(args[0])

		changed := make(chan struct{}, 1)
		opts := engineOptions(cfg, newBackend(cfg))
		opts.OnChange = func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
		e := engine.New(opts)
		defer e.Close()
		e.StartStream(engine.StartOptions{RunID: runID})

		var h transport.Handler = streamHandler(e)
		if tailRecord {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			h = transport.Record(h, state.NewFrameLog(cfg.DataDir), runID, slog.Default())
		}
		client, err := newClient(cfg, tailTransport, runID, tailResume, h)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		printCtx, stopPrinting := context.WithCancel(context.Background())
		defer stopPrinting()

		var g errgroup.Group
		g.Go(func() error {
			defer stopPrinting()
			return client.Run(ctx)
		})
		g.Go(func() error {
			printCompleted(printCtx, e, changed)
			return nil
		})
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// printCompleted prints each message once it is complete, in transcript
// order, until ctx is done.
func printCompleted(ctx context.Context, e *engine.Engine, changed <-chan struct{}) {
	printed := make(map[types.MessageID]bool)
	flush := func() {
		var fresh []types.Message
		for _, m := range e.Snapshot().Messages {
			if m.IsComplete && !printed[m.ID] {
				printed[m.ID] = true
				fresh = append(fresh, m)
			}
		}
		printTranscript(os.Stdout, fresh)
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-changed:
			flush()
		}
	}
}
