package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/agentstream/internal/api"
	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/snapshot"
	"github.com/user/agentstream/internal/state"
	"github.com/user/agentstream/internal/transport"
	"github.com/user/agentstream/internal/types"
)

var (
	serveTransport string
	serveRecord    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "transport to use (sse or nats); defaults to transport.kind")
	serveCmd.Flags().BoolVar(&serveRecord, "record", true, "record raw frames under the data dir")
}

var serveCmd = &cobra.Command{
	Use:   "serve <run-id>",
	Short: "Follow a run and serve its snapshot over HTTP",
	Args:  cobra.ExactArgs(1),
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "agentstream.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	runID := types.RunID(args[0])

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	// Engine
	e := engine.New(engineOptions(cfg, newBackend(cfg)))
	defer e.Close()
	e.StartStream(engine.StartOptions{RunID: runID})

	// Transport
	frames := state.NewFrameLog(cfg.DataDir)
	var h transport.Handler = streamHandler(e)
	if serveRecord {
		h = transport.Record(h, frames, runID, slog.Default())
	}
	kind := serveTransport
	if kind == "" {
		kind = cfg.Transport.Kind
	}
	client, err := newClient(cfg, kind, runID, "", h)
	if err != nil {
		return err
	}

	// Snapshot export
	exporter := snapshot.NewExporter(cfg.DataDir)
	var sched *snapshot.Scheduler
	if cfg.Snapshot.Schedule != "" {
		sched, err = snapshot.NewScheduler(cfg.Snapshot.Schedule, e, exporter, slog.Default())
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start snapshot scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// HTTP API
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(e, frames, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("agentstream started",
		"run_id", string(runID),
		"data_dir", cfg.DataDir,
		"transport", kind,
		"listen", cfg.HTTP.Listen,
		"snapshot_schedule", cfg.Snapshot.Schedule,
		"pid_file", pidFile,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(gctx)
		if err != nil {
			slog.Error("stream stopped", "error", err)
		}
		// The API keeps serving the last snapshot after the stream ends.
		return nil
	})
	g.Go(func() error {
		slog.Info("http api started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	restart := false
	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig)
		restart = sig == syscall.SIGHUP
	case <-gctx.Done():
	}
	cancel()
	client.Close()
	err = g.Wait()

	if path, exportErr := snapshot.Export(e, exporter); exportErr != nil {
		slog.Error("final snapshot export failed", "error", exportErr)
	} else if path != "" {
		slog.Info("snapshot written", "path", path)
	}

	if restart {
		execPath, execErr := os.Executable()
		if execErr != nil {
			return fmt.Errorf("get executable path: %w", execErr)
		}
		os.Remove(pidFile)
		slog.Info("received SIGHUP, restarting")
		return syscall.Exec(execPath, os.Args, os.Environ())
	}
	return err
}
