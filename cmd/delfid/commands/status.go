package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/delfinet/delfi/pkg/delfi/engine"
)

// newStatusCmd creates the `delfid status` command: a quick look at
// the configuration and whether the engine is reachable, without
// touching the daemon's state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and probe the engine",
		Long: `Load the configuration, show what the daemon would run with, and probe
Ollama once. Safe to run while the daemon is up.

Examples:
  delfid status
  delfid status --config ./delfi.yaml`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Node:       %s\n", cfg.NodeName)
	fmt.Printf("Config:     %s\n", configPath)

	if n, ok := countKnowledgeFiles(cfg.KnowledgeFolder); ok {
		fmt.Printf("Knowledge:  %s (%d files)\n", cfg.KnowledgeFolder, n)
	} else {
		fmt.Printf("Knowledge:  %s (missing)\n", cfg.KnowledgeFolder)
	}
	fmt.Printf("Data:       %s\n", cfg.DataDir)

	switch cfg.Radio.Type {
	case "", "tcp":
		fmt.Printf("Radio:      tcp bridge at %s\n", cfg.Radio.Address)
	default:
		fmt.Printf("Radio:      %s\n", cfg.Radio.Type)
	}

	// One bounded probe; status must come back fast even with the
	// engine box powered off.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := engine.NewClient(engine.Options{
		Host:           cfg.OllamaHost,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
	}, quiet)
	if err := client.Health(ctx); err != nil {
		fmt.Printf("Engine:     down (%s)\n", cfg.OllamaHost)
	} else {
		fmt.Printf("Engine:     up, %s at %s\n", cfg.Model, cfg.OllamaHost)
	}

	fmt.Printf("Board:      %v\n", cfg.BoardEnabled)
	fmt.Printf("Memory:     %v\n", cfg.MemoryMaxTurns > 0)
	kcfg := cfg.MeshKnowledge
	fmt.Printf("Gossip:     %v\n", kcfg.Gossip.Enabled)
	fmt.Printf("Sync:       %v\n", kcfg.Sync.Enabled)
	fmt.Printf("Peers:      %d configured\n", len(kcfg.Peers))

	return nil
}

// countKnowledgeFiles counts indexable documents under folder. ok is
// false when the folder does not exist.
func countKnowledgeFiles(folder string) (int, bool) {
	if _, err := os.Stat(folder); err != nil {
		return 0, false
	}
	n := 0
	_ = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".txt" || ext == ".md" {
			n++
		}
		return nil
	})
	return n, true
}
