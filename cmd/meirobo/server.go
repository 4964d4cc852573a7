package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/meirobo/internal/api"
	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/dispatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and admin HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operator tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and configuration summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "meirobo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := a.loadTenants(ctx); err != nil {
		return fmt.Errorf("loading tenants: %w", err)
	}
	if path := cfg.Tenants.SeedFile; path != "" {
		go func() {
			if err := a.registry.Watch(ctx, path); err != nil {
				logger.Error("tenant seed watcher stopped", "file", path, "error", err)
			}
		}()
	}

	disp, err := dispatch.New(cfg.Dispatch, a.store, a.orch, logger)
	if err != nil {
		return err
	}
	if disp.Mode() == config.DispatchQueued {
		worker := dispatch.NewWorker(a.store, dispatch.WorkerOptions{
			Target:       strings.TrimRight(cfg.Server.PublicURL, "/") + "/tasks/inbound",
			Secret:       cfg.Dispatch.TasksSecret,
			Lease:        cfg.Dispatch.VisibilityTimeout,
			PollInterval: cfg.Dispatch.PollInterval,
			OnExhausted:  a.orch.Exhausted,
			Logger:       logger,
		})
		go worker.Run(ctx)
		logger.Info("queue worker started", "target", cfg.Server.PublicURL)
	}

	handler := api.NewHandler(api.Deps{
		Config:     cfg,
		Gate:       a.gate,
		Dispatcher: disp,
		Tasks:      a.orch,
		Tenants:    a.registry,
		Status:     a.store,
		Corpus:     a.index,
		Retrieval:  a.retrieval,
		Quota:      a.ledger,
		Profiles:   a.profiles,
		Blobs:      a.blobs,
		Logger:     logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("meirobo listening", "addr", addr, "dispatch", disp.Mode())
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Corpus:    a.index,
		Retrieval: a.retrieval,
		Quota:     a.ledger,
		Profiles:  a.profiles,
	})
	logger.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(cfg.Server.PublicURL, "/") + "/health")
	if err != nil {
		printStatus("Server", "not reachable at %s", cfg.Server.PublicURL)
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running at %s", cfg.Server.PublicURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Engine", "%s (chat %s, embed %s)", cfg.Engine.Provider, cfg.Engine.ChatModel, cfg.Engine.EmbedModel)
	printStatus("Dispatch", "%s", cfg.Dispatch.Mode)
	printStatus("Blob store", "%s", cfg.Blob.Backend)
	if cfg.Storage.DSN != "" {
		printStatus("Storage", "%s", redactDSN(cfg.Storage.DSN))
	} else {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	if cfg.Tenants.SeedFile != "" {
		printStatus("Tenant seed", "%s", cfg.Tenants.SeedFile)
	}
	return nil
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":****@" + host
}
