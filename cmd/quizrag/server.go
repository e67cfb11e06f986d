package main

import (
	"context"
	"encoding/json"
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

	"github.com/kalambet/quizrag/internal/api"
	"github.com/kalambet/quizrag/internal/config"
	"github.com/kalambet/quizrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingest worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		return runServer(host)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the quizrag tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quizrag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
}

func runServer(host string) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.probeRuntime(ctx, os.Stderr); err != nil {
		return err
	}
	slog.Info("embedding model ready", "model", a.embedder.ModelName(), "dims", a.embedder.Dims())

	if cfg.Server.APIToken == "" {
		printWarning("server.api_token not set: manager endpoints are disabled")
	}

	handler := api.NewHandler(api.Deps{
		Store:     a.store,
		Generator: a.pipeline,
		Searcher:  a.retriever,
		Chunks:    a.retriever,
		Cache:     a.embedder,
		Token:     cfg.Server.APIToken,
	})

	addr := net.JoinHostPort(host, fmt.Sprint(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go a.worker.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("quizrag listening", "addr", addr)
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
	// stdout carries the protocol.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.probeRuntime(ctx, os.Stderr); err != nil {
		return err
	}
	go a.worker.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Generator: a.pipeline,
		Searcher:  a.retriever,
		Reports:   a.store,
		Version:   version,
	})
	slog.Info("MCP server started (stdio transport)")
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status  string        `json:"status"`
			Storage storage.Stats `json:"storage"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && decodeErr == nil {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Documents", "%d (%d chunks)", health.Storage.Documents, health.Storage.Chunks)
			printStatus("Questions", "%d (%d reported)", health.Storage.Questions, health.Storage.Reports)
			printStatus("Assignments", "%d", health.Storage.Assignments)
			printStatus("Ingest queue", "%d pending, %d failed", health.Storage.PendingJobs, health.Storage.FailedJobs)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Embed model", "%s", cfg.Embedding.Model)
	printStatus("Default LLM", "%s", cfg.LLM.DefaultModel)
	if cfg.ABTest.VariantsFile != "" {
		printStatus("Variants", "%s", cfg.ABTest.VariantsFile)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
