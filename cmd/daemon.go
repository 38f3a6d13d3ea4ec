package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/controller"
	"github.com/nextlevelbuilder/cortexd/internal/ipc"
	"github.com/nextlevelbuilder/cortexd/internal/ipcclient"
	"github.com/nextlevelbuilder/cortexd/internal/maintenance"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/pipeline"
	"github.com/nextlevelbuilder/cortexd/internal/pool"
	"github.com/nextlevelbuilder/cortexd/internal/queue"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/telemetry"
)

const (
	poolCapacity       = 256
	poolMaxIdle        = 30 * time.Minute
	queueCapacity      = 1024
	maintenanceDefault = 5 * time.Minute
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the cortexd background daemon",
	}
	cmd.AddCommand(daemonRunForegroundCmd())
	cmd.AddCommand(daemonStartCmd())
	cmd.AddCommand(daemonStopCmd())
	cmd.AddCommand(daemonStatusCmd())
	return cmd
}

func daemonRunForegroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-foreground",
		Short: "Run the daemon attached to this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func daemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon as a detached background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ipcclient.Reachable(pathutil.SocketPath()) {
				fmt.Println("cortexd is already running")
				return nil
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			logPath := filepath.Join(pathutil.DataDir(), "daemon.log")
			if err := pathutil.EnsureDataDirs(); err != nil {
				return err
			}
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer logFile.Close()

			proc, err := os.StartProcess(exe, []string{exe, "daemon", "run-foreground"}, &os.ProcAttr{
				Files: []*os.File{nil, logFile, logFile},
			})
			if err != nil {
				return fmt.Errorf("spawn daemon: %w", err)
			}
			if err := os.WriteFile(filepath.Join(pathutil.DataDir(), "daemon.pid"),
				[]byte(strconv.Itoa(proc.Pid)), 0o644); err != nil {
				slog.Warn("daemon.pid_write_failed", "error", err)
			}
			fmt.Printf("cortexd started (pid %d), logging to %s\n", proc.Pid, logPath)
			return nil
		},
	}
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := ipcclient.Call(pathutil.SocketPath(), "shutdown", nil, &out); err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}

func daemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is reachable",
		Run: func(cmd *cobra.Command, args []string) {
			socket := pathutil.SocketPath()
			if !ipcclient.Reachable(socket) {
				fmt.Println("cortexd: not running")
				return
			}
			var out map[string]any
			if err := ipcclient.Call(socket, "status", nil, &out); err != nil {
				fmt.Printf("cortexd: reachable but errored: %v\n", err)
				return
			}
			fmt.Printf("cortexd: running (%s)\n", socket)
			for k, v := range out {
				fmt.Printf("  %s: %v\n", k, v)
			}
		},
	}
}

// runDaemon builds and runs every long-lived subsystem: the IPC
// accept loop, the capture queue's worker pool, the maintenance loop,
// and the controller loop. It blocks until SIGINT/SIGTERM or an IPC
// "shutdown" call flips the shared context, then drains producers
// before closing shared state, joining everything via errgroup.
func runDaemon(parentCtx context.Context) error {
	if err := pathutil.EnsureDataDirs(); err != nil {
		return fmt.Errorf("ensure data dirs: %w", err)
	}

	watcher, err := config.NewWatcher(pathutil.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configFn := func() config.GuardianConfig {
		if fresh, err := config.Load(pathutil.ConfigPath()); err == nil {
			return fresh.Snapshot()
		}
		return watcher.Current().Snapshot()
	}

	cfg := configFn()
	shutdownTelemetry, err := telemetry.Init(parentCtx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry.init_failed", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(context.Background())

	regDB, err := storedb.Open(pathutil.RegistryDBPath())
	if err != nil {
		return fmt.Errorf("open registry db: %w", err)
	}
	defer regDB.Close()
	if err := storedb.Migrate(regDB, storedb.RoleRegistry); err != nil {
		return fmt.Errorf("migrate registry db: %w", err)
	}
	reg := registry.New(regDB)

	p := pool.New(poolCapacity, poolMaxIdle, reg)
	defer p.CloseAll()

	// No LLM subprocess is wired here yet; a nil Invoker makes
	// LLMExtractor fall through to HeuristicExtractor and
	// LLMRelevanceGate fail open, so the daemon is fully functional
	// with no LLM configured.
	extractor := pipeline.NewLLMExtractor(nil, cfg.Extraction.LLM.AsCLIFlag())
	gate := &pipeline.LLMRelevanceGate{Invoker: nil, Model: cfg.Extraction.LLM.AsCLIFlag()}
	processor := pipeline.New(p, extractor, gate, configFn)

	q := queue.New(queueCapacity, defaultWorkers(), processor)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	srv, err := ipc.Listen(pathutil.SocketPath())
	if err != nil {
		return fmt.Errorf("listen ipc: %w", err)
	}
	methods := &ipc.Methods{Pool: p, Queue: q, Registry: reg, Shutdown: cancel}
	methods.Register(srv)

	maintLoop := maintenance.New(p, reg, configFn, pathutil.DataDir(), maintenanceDefault)
	ctrlLoop := controller.New()

	if err := os.WriteFile(filepath.Join(pathutil.DataDir(), "daemon.pid"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("daemon.pid_write_failed", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("daemon.shutdown_signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		q.Run(ctx)
		return nil
	})
	g.Go(func() error {
		maintLoop.Run(ctx)
		return nil
	})
	g.Go(func() error {
		ctrlLoop.Run(ctx)
		return nil
	})
	g.Go(func() error {
		watcher.Run(ctx.Done())
		return nil
	})
	g.Go(func() error {
		err := srv.Serve(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	slog.Info("daemon.started", "socket", pathutil.SocketPath(), "data_dir", pathutil.DataDir())
	<-ctx.Done()
	slog.Info("daemon.shutting_down")
	srv.Shutdown()
	q.Shutdown()
	return g.Wait()
}

func defaultWorkers() int {
	if v := os.Getenv("CORTEXD_CAPTURE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 6
}
