package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/recall/internal/api"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/ingest"
	"github.com/kalambet/recall/internal/memory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recall server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recall server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory over MCP on stdin/stdout",
	Long: `Serve the memory over MCP on stdin/stdout.

The MCP process owns the data directory, so it cannot run next to
"recall serve". Use "recall serve --mcp" to get both in one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP on stdin/stdout")
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "recall version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("recall is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, cfg.Engine.CheckModels)
	if err != nil {
		return err
	}
	defer a.Close()

	interval, _ := cfg.RepairInterval()
	worker := ingest.NewRepairWorker(a.memory, interval)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Memory:    a.memory,
		Responder: a.responder,
		Recent:    a.store,
		StaticDir: cfg.Server.StaticDir,
		TopK:      cfg.Memory.TopK,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(newMCPServer(a))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "recall listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs stay on stderr.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	interval, _ := cfg.RepairInterval()
	go ingest.NewRepairWorker(a.memory, interval).Run(ctx)

	stdioSrv := server.NewStdioServer(newMCPServer(a))
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func newMCPServer(a *app) *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Memory:  a.memory,
		Recent:  a.store,
		Version: version,
	})
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recall is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recall (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recall (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	var stats memory.Stats
	running := false
	if resp, err := client.get(context.Background(), "/v1/stats"); err == nil {
		if err := decodeJSON(resp, &stats); err == nil {
			running = true
		}
	}

	if running {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	printStatus("Engine", "%s", cfg.Engine.Backend)
	printStatus("Chat model", "%s", cfg.ChatModel())
	if m := cfg.EmbedModel(); m != "" {
		printStatus("Embed model", "%s", m)
	} else {
		printStatus("Embed model", "offline hash (%d dims)", cfg.Memory.Dimension)
	}

	if running {
		printStatus("Memories", "%d", stats.Records)
		index := fmt.Sprintf("%d entries (%s, generation %s)", stats.IndexEntries, stats.IndexKind, shortID(stats.Generation))
		if stats.Stale {
			index += " " + colorize(colorYellow, "stale")
		}
		printStatus("Index", "%s", index)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Index file", "%s", cfg.Memory.IndexPath)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
