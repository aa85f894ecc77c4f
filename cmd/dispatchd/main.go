// Command dispatchd is the Run-Session Core's daemon and thin CLI client,
// grounded on the reference cmd/cw: one root cobra.Command, one subcommand
// per operation, RunE closures returning wrapped errors instead of calling
// os.Exit directly, and SIGTERM/SIGINT cancelling a context rather than
// exiting from inside a signal handler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/adapter/aiadapter"
	"github.com/fwdslsh/dispatch/internal/adapter/fileeditoradapter"
	"github.com/fwdslsh/dispatch/internal/adapter/ptyadapter"
	"github.com/fwdslsh/dispatch/internal/auth"
	"github.com/fwdslsh/dispatch/internal/client"
	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/eventstore"
	"github.com/fwdslsh/dispatch/internal/gateway"
	"github.com/fwdslsh/dispatch/internal/runmanager"
)

var (
	serverFlag string
	keyFlag    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Run-Session Core daemon and client",
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Remote ws://host:port to talk to instead of the local socket")
	rootCmd.PersistentFlags().StringVar(&keyFlag, "key", "", "Auth key (defaults to the local key file or DISPATCH_AUTH_KEY)")

	rootCmd.AddCommand(
		serveCmd(),
		stopCmd(),
		createCmd(),
		listCmd(),
		attachCmd(),
		inputCmd(),
		resizeCmd(),
		closeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: event store, run-session manager, and socket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := resolveDataDir(dir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			cfg, err := config.Load(dataDir)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			if cfg.AuthKey != "" {
				if err := os.Setenv("DISPATCH_AUTH_KEY", cfg.AuthKey); err != nil {
					return fmt.Errorf("applying configured auth key: %w", err)
				}
			}
			key, err := auth.LoadOrGenerateKey(dataDir)
			if err != nil {
				return fmt.Errorf("loading auth key: %w", err)
			}
			fmt.Fprintf(os.Stderr, "[dispatchd] auth key: %s\n", key)

			store, err := eventstore.NewSQLiteStore(dataDir)
			if err != nil {
				return fmt.Errorf("opening event store: %w", err)
			}
			defer store.CloseStore()

			registry := adapter.NewRegistry()
			registry.Register("pty", ptyadapter.NewFactory())
			registry.Register("file-editor", fileeditoradapter.NewFactory(cfg.WorkspaceRoot))
			registry.Register("ai", aiadapter.NewFactory(os.Getenv("ANTHROPIC_API_KEY")))

			manager := runmanager.New(store, registry, log)
			gw := gateway.New(manager, func(credential string) bool {
				return auth.IsAuthorized(dataDir, credential)
			}, log)
			srv := gateway.NewServer(gw, cfg.SocketPath, cfg.ListenAddr, log)

			pidPath := filepath.Join(dataDir, "dispatchd.pid")
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("writing pid file: %w", err)
			}
			defer os.Remove(pidPath)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "[dispatchd] shutting down...")
				cancel()
			}()

			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&dir, "data-dir", "d", "", "Data directory (default $HOME/.dispatch)")
	return cmd
}

// ---------------------------------------------------------------------------
// stop
// ---------------------------------------------------------------------------

func stopCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := filepath.Join(resolveDataDir(dir), "dispatchd.pid")
			data, err := os.ReadFile(pidPath)
			if err != nil {
				return fmt.Errorf("reading pid file: %w (is the daemon running?)", err)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("invalid pid file: %w", err)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				if err == syscall.ESRCH {
					_ = os.Remove(pidPath)
					fmt.Fprintln(os.Stderr, "[dispatchd] already stopped (stale pid file removed)")
					return nil
				}
				return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
			}
			fmt.Fprintf(os.Stderr, "[dispatchd] sent SIGTERM (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "data-dir", "d", "", "Data directory (default $HOME/.dispatch)")
	return cmd
}

// ---------------------------------------------------------------------------
// create
// ---------------------------------------------------------------------------

func createCmd() *cobra.Command {
	var name, metaJSON string
	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create a run session (kind: pty, ai, file-editor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			var meta json.RawMessage
			if metaJSON != "" {
				meta = json.RawMessage(metaJSON)
			} else {
				meta = json.RawMessage("{}")
			}
			return client.Create(target, args[0], meta, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Human-addressable session name")
	cmd.Flags().StringVar(&metaJSON, "meta", "", "Adapter-specific creation JSON (e.g. '{\"path\":\"/ws/a.txt\"}')")
	return cmd
}

// ---------------------------------------------------------------------------
// list
// ---------------------------------------------------------------------------

func listCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.List(target, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ---------------------------------------------------------------------------
// attach
// ---------------------------------------------------------------------------

func attachCmd() *cobra.Command {
	var noHistory bool
	cmd := &cobra.Command{
		Use:   "attach <runId>",
		Short: "Attach to a run session's live event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				return fmt.Errorf("attach requires an interactive terminal on stdin")
			}
			return client.Attach(target, args[0], noHistory)
		},
	}
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not replay session history")
	return cmd
}

// ---------------------------------------------------------------------------
// input
// ---------------------------------------------------------------------------

func inputCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "input <runId> <data>",
		Short: "Send a single chunk of input without attaching",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.SendInput(target, args[0], []byte(args[1]))
		},
	}
	return cmd
}

// ---------------------------------------------------------------------------
// resize
// ---------------------------------------------------------------------------

func resizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resize <runId> <cols> <rows>",
		Short: "Resize a run session's pty",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			cols, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid cols: %w", err)
			}
			rows, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid rows: %w", err)
			}
			conn, err := client.Dial(target, "cli")
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.Resize(args[0], cols, rows); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Resized %s to %dx%d\n", args[0], cols, rows)
			return nil
		},
	}
	return cmd
}

// ---------------------------------------------------------------------------
// close
// ---------------------------------------------------------------------------

func closeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <runId>",
		Short: "Gracefully close a run session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Kill(target, args[0])
		},
	}
	return cmd
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func resolveDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("DISPATCH_DATA_DIR"); v != "" {
		return v
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[dispatchd] WARNING: $HOME not set, using /tmp/.dispatch")
		return "/tmp/.dispatch"
	}
	return filepath.Join(home, ".dispatch")
}

func resolveTarget() (*client.Target, error) {
	dataDir := resolveDataDir("")
	key := keyFlag
	if key == "" {
		key = os.Getenv("DISPATCH_AUTH_KEY")
	}

	if serverFlag != "" {
		url := serverFlag
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + url
		}
		if key == "" {
			return nil, fmt.Errorf("--key required when using --server")
		}
		return &client.Target{URL: url, AuthKey: key}, nil
	}

	if key == "" {
		loaded, err := auth.LoadOrGenerateKey(dataDir)
		if err != nil {
			return nil, fmt.Errorf("loading local auth key: %w", err)
		}
		key = loaded
	}

	sockPath := filepath.Join(dataDir, "dispatch.sock")
	if err := ensureDaemon(dataDir, sockPath); err != nil {
		return nil, err
	}
	return &client.Target{SocketPath: sockPath, AuthKey: key}, nil
}

// ensureDaemon spawns `dispatchd serve` in the background if the local
// socket isn't already accepting connections. Grounded on the reference
// cmd/cw's ensureNode.
func ensureDaemon(dataDir, sockPath string) error {
	if conn, err := net.Dial("unix", sockPath); err == nil {
		conn.Close()
		return nil
	}

	_ = os.Remove(sockPath)
	_ = os.MkdirAll(dataDir, 0o755)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating dispatchd binary: %w", err)
	}
	cmd := exec.Command(exe, "serve", "--data-dir", dataDir)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[dispatchd] daemon started (pid %d)\n", cmd.Process.Pid)

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start (socket not available after 5s)")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
