package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/config"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/hub"
	"github.com/joestump/dispatch/internal/mcpserver"
	"github.com/joestump/dispatch/internal/session"
	"github.com/joestump/dispatch/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Multi-user session host for terminals and assistant runs",
		RunE:  runServe,
	}

	f := rootCmd.PersistentFlags()
	f.String("store-path", "/var/lib/dispatch/dispatch.db", "path to the SQLite event store")
	f.String("workspaces-root", "", "restrict workspaces to this directory (empty: no restriction)")
	f.String("listen-address", "0.0.0.0", "address to listen on")
	f.Int("listen-port", 8080, "HTTP port for the API, socket, and dashboard")
	f.String("tls-cert", "", "path to TLS certificate (TLS disabled when empty)")
	f.String("tls-key", "", "path to TLS private key")
	f.String("auth-token", "", "bearer token required on API and socket requests")
	f.Int("adapter-start-timeout-ms", 30000, "adapter startup deadline in milliseconds")
	f.Int("close-grace-ms", 5000, "graceful shutdown window per run in milliseconds")
	f.Int("pre-start-buffer-bytes", session.DefaultPreStartBufferBytes, "output buffered during adapter startup")
	f.Int("subscriber-window-bytes", hub.DefaultWindowBytes, "bytes queued per subscriber before it is dropped as slow")
	f.String("title-model", "claude-haiku-4-5", "model used to title runs from their first input")
	f.Bool("titling", false, "title runs via the Anthropic API (needs ANTHROPIC_API_KEY)")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the DISPATCH_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("store_path", "store-path")
	bindFlag("workspaces_root", "workspaces-root")
	bindFlag("listen_address", "listen-address")
	bindFlag("listen_port", "listen-port")
	bindFlag("tls_cert", "tls-cert")
	bindFlag("tls_key", "tls-key")
	bindFlag("auth_token", "auth-token")
	bindFlag("adapter_start_timeout_ms", "adapter-start-timeout-ms")
	bindFlag("close_grace_ms", "close-grace-ms")
	bindFlag("pre_start_buffer_bytes", "pre-start-buffer-bytes")
	bindFlag("subscriber_window_bytes", "subscriber-window-bytes")
	bindFlag("title_model", "title-model")
	bindFlag("titling", "titling")

	viper.SetEnvPrefix("DISPATCH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve run tools over MCP stdio",
		RunE:  runMCP,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildCore opens the store and wires the hub, adapters, and orchestrator.
// Crashed-run recovery happens here, before anything serves.
func buildCore(cfg config.Config) (*db.DB, *session.Orchestrator, *adapter.Registry, error) {
	if dir := filepath.Dir(cfg.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	store, err := db.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	h := hub.New(store, int64(cfg.SubscriberWindowBytes))

	registry := adapter.NewRegistry()
	registry.Register(adapter.NewPTY())
	registry.Register(adapter.NewClaude())
	registry.Register(adapter.NewFileEditor())

	opts := session.Options{
		StartTimeout:        time.Duration(cfg.AdapterStartTimeoutMs) * time.Millisecond,
		CloseGrace:          time.Duration(cfg.CloseGraceMs) * time.Millisecond,
		PreStartBufferBytes: cfg.PreStartBufferBytes,
		WorkspacesRoot:      cfg.WorkspacesRoot,
	}
	if cfg.Titling {
		opts.Titler = &session.AnthropicTitler{Model: cfg.TitleModel}
	}
	orch := session.New(store, h, registry, opts)

	if err := orch.RecoverCrashed(); err != nil {
		store.Close() //nolint:errcheck
		return nil, nil, nil, fmt.Errorf("recover crashed runs: %w", err)
	}

	return store, orch, registry, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("Dispatch %s starting\n", config.Version)
	fmt.Printf("  Store: %s\n", cfg.StorePath)
	fmt.Printf("  Listen: %s:%d\n", cfg.ListenAddress, cfg.ListenPort)
	fmt.Printf("  TLS: %t\n", cfg.TLSCert != "" && cfg.TLSKey != "")
	fmt.Printf("  Auth: %t\n", cfg.AuthToken != "")
	fmt.Printf("  Titling: %t\n", cfg.Titling)
	fmt.Println()

	store, orch, registry, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	webServer := web.New(cfg, store, orch, registry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- webServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	// Close live runs first so their exit events land, then stop serving.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	store, orch, _, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := mcpserver.Run(ctx, store, orch); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	orch.Shutdown(context.Background())
	return nil
}
