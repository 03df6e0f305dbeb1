package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/delfinet/delfi/pkg/delfi/oracle"
)

// newServeCmd creates the `delfid serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the oracle daemon on the radio",
		Long: `Start Del-Fi as a daemon: connect to the radio bridge, index the
knowledge folder, and answer questions from the mesh.

Examples:
  delfid serve
  delfid serve --config ./delfi.yaml
  delfid serve --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ── Configure logger ──
	logger := buildLogger(cmd, cfg)

	// ── Resolve secrets ──
	// Audit BEFORE resolving: it checks the raw config values for
	// hardcoded tokens.
	oracle.AuditSecrets(cfg, logger)
	oracle.ResolveBridgeToken(cfg, logger)

	// ── Wire components ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}

	if err := d.adapter.Connect(ctx); err != nil {
		d.st.Close()
		return fmt.Errorf("connecting radio: %w", err)
	}

	// ── Prime the engine ──
	// Neither step is fatal: the daemon serves what it has and the
	// scheduler retries both.
	if d.engine.CheckHealth(ctx) {
		logger.Info("ollama reachable", "host", cfg.OllamaHost, "model", cfg.Model)
	} else {
		logger.Warn("ollama not reachable at startup, answers degraded until it returns", "host", cfg.OllamaHost)
	}
	if n, err := d.engine.Reindex(ctx); err != nil {
		logger.Warn("initial index failed", "error", err)
	} else if n > 0 {
		logger.Info("knowledge indexed", "files", n)
	}

	// ── Start the run loops ──
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.oracle.Run(egCtx)
	})
	eg.Go(func() error {
		return d.watcher.Run(egCtx)
	})
	d.sched.Start(ctx)

	// ── Wait for shutdown ──
	logger.Info("Del-Fi running. Press Ctrl+C to stop.",
		"node", cfg.NodeName,
		"radio", d.adapter.Name(),
		"engine", cfg.OllamaHost,
		"knowledge", cfg.KnowledgeFolder,
		"peers", len(cfg.MeshKnowledge.Peers),
		"config", configPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	cancel()
	done := make(chan struct{})
	go func() {
		d.sched.Stop()
		if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("run loop exited with error", "error", err)
		}
		d.close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag, falling back to
// file discovery. Returns (config, configPath, error).
func resolveConfig(cmd *cobra.Command) (*oracle.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := oracle.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	// Auto-discover config file.
	if found := oracle.FindConfigFile(); found != "" {
		cfg, err := oracle.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found (run `delfid init` to create one)")
}

// buildLogger constructs the root logger from the logging config and
// the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *oracle.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
