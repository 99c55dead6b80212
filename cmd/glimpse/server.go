package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/glimpse/internal/api"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/host"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/loop"
)

// maxConnections caps concurrent status API connections.
const maxConnections = 16

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a continuous loop with a local status API",
	Long: `Run a continuous capture loop in the foreground and expose its state and
history on 127.0.0.1 (GET /health, /state, /observations).

Examples:
  glimpse serve screen --interval 1m
  glimpse serve listen --type --port 4200`,
}

func newServeLoopCmd(k loopKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   k.name,
		Short: "Serve a continuous " + k.name + " loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, k)
		},
	}
	addLoopFlags(cmd, k)
	cmd.Flags().Int("port", 0, "status API port (default from config)")
	return cmd
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running glimpse serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show glimpse system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.AddCommand(newServeLoopCmd(loopScreen))
	serveCmd.AddCommand(newServeLoopCmd(loopListen))
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "glimpse.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(cmd *cobra.Command, k loopKind) error {
	fmt.Fprintf(os.Stderr, "glimpse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := resolveSettings(cmd, cfg, k)
	if err != nil {
		return err
	}
	s.Continuous = true
	if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("--port must be between 1 and 65535, got %d", port)
		}
		cfg.Server.Port = port
	}
	logger := logging.L("serve")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("glimpse serve already running (PID %d)", pid)
		}
		return fmt.Errorf("something is already listening on port %d", cfg.Server.Port)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConnections)

	if err := writePIDFile(pidPath); err != nil {
		ln.Close()
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openHistory(cfg, s.History)
	defer closeHistory(store)

	sess := newSession(ctx, cfg, s, cmd.OutOrStdout(), store)
	defer sess.Close(ctx)

	sched, err := loop.New(sess.capturer, sess.client, sess.dispatcher, s.loopConfig(),
		loop.WithLogger(logging.L(k.name)),
		loop.WithObserver(reportOutcome(newConsole(cmd.ErrOrStderr()), true)),
	)
	if err != nil {
		ln.Close()
		return err
	}

	deps := api.StatusDeps{
		State: func(context.Context) (loop.State, error) {
			return sched.State(), nil
		},
		Host:     host.Describe(ctx),
		Version:  version,
		Endpoint: s.Endpoint,
		Model:    s.Request.Model,
		Token:    cfg.Server.Token,
	}
	if store != nil {
		deps.Store = store
	}
	srv := &http.Server{
		Handler:           api.NewStatusHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		printStep("Status API listening on http://%s", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("glimpse serve is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping glimpse serve (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to glimpse serve (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client := apiClientFor(cfg)
	st, err := client.state(ctx)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Loop", "%s %s, %s", st.Loop.Kind, st.Loop.Phase, loopSummary(st.Loop))
		printStatus("Observations", "%d", st.Observations)
	}

	inf := inference.New(cfg.Inference.Endpoint)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := inf.Ping(pingCtx); err != nil {
		printStatus("Inference", "unreachable at %s", cfg.Inference.Endpoint)
	} else {
		printStatus("Inference", "reachable at %s", cfg.Inference.Endpoint)
	}

	printStatus("Model", "%s", cfg.Inference.Model)
	printStatus("Host", "%s", host.Describe(ctx))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func loopSummary(st loop.State) string {
	summary := fmt.Sprintf("iteration %d (%d completed, %d degraded, %d skipped)",
		st.Iteration, st.Completed, st.Degraded, st.Skipped)
	if st.LastError != "" {
		summary += ", last error: " + st.LastError
	}
	return summary
}
