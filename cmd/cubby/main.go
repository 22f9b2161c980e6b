// Package main is the entry point for the Cubby object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/config"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/logging"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/server"
	"github.com/cubbystore/cubby/internal/stats"
)

func main() {
	configPath := flag.String("config", "cubby.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum object size in bytes (default: from config or 5368709120)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Every startup doubles as recovery: SQLite WAL auto-recovers on open,
	// orphaned scratch files are swept, and the admin account is re-ensured.
	cat, err := catalog.Open(cfg.Catalog.SQLite.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open catalog: %v\n", err)
		os.Exit(1)
	}
	defer cat.Close()

	ctx := context.Background()
	created, err := cat.EnsureAdminUser(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin user: %v\n", err)
		os.Exit(1)
	}
	if created {
		slog.Info("Seeded admin user", "username", cfg.Auth.AdminUsername)
	}

	blobs, err := blob.New(cfg.Storage.RootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize blob store: %v\n", err)
		os.Exit(1)
	}
	if n, err := blobs.CleanTemp(); err != nil {
		slog.Warn("Failed to clean temp files", "error", err)
	} else if n > 0 {
		slog.Info("Cleaned temp files", "count", n)
	}
	slog.Info("Blob store initialized", "root", cfg.Storage.RootDir)

	cache, err := kv.Open(kv.Options{
		Backend:       cfg.Cache.Backend,
		RedisAddr:     cfg.Cache.Redis.Addr,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
		BadgerPath:    cfg.Cache.Badger.Path,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()
	slog.Info("Cache initialized", "backend", cfg.Cache.Backend)

	collector := stats.New(cat, time.Duration(cfg.Stats.FlushIntervalSeconds)*time.Second)
	collector.Start()

	srv, err := server.New(cfg,
		server.WithCatalog(cat),
		server.WithBlobStore(blobs),
		server.WithCache(cache),
		server.WithStats(collector),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Cubby listening", "addr", addr, "tls", cfg.Server.TLS.Enabled)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		// Stop accepting connections and give in-flight requests time to
		// complete, then drain the pending stats ticks.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if err := collector.Close(shutdownCtx); err != nil {
			slog.Error("Stats flush error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
