package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/delfinet/delfi/pkg/delfi/oracle"
)

// newInitCmd creates the `delfid init` command: an interactive wizard
// that writes the initial config file.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Create the initial delfi.yaml through an interactive wizard. Asks for
the node name, model, knowledge folder, and radio connection. A bridge
auth token, if you have one, goes to the OS keyring, never to the file.

Examples:
  delfid init
  delfid init --config ./delfi.yaml`,
		RunE: runInit,
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := oracle.DefaultConfig()
	cfg.Radio.Type = "tcp"
	var (
		bridgeToken  string
		enableBoard  bool
		enableMemory bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Node name").
				Description("How this oracle introduces itself on the mesh.").
				Placeholder("ridge-oracle").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("node name is required")
					}
					return nil
				}).
				Value(&cfg.NodeName),
			huh.NewInput().
				Title("Personality").
				Description("One sentence folded into the system prompt.").
				Value(&cfg.Personality),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Ollama host").
				Value(&cfg.OllamaHost),
			huh.NewInput().
				Title("Model").
				Description("Any model your Ollama install has pulled.").
				Value(&cfg.Model),
			huh.NewInput().
				Title("Knowledge folder").
				Description("Your .txt and .md documents; answers come from here.").
				Value(&cfg.KnowledgeFolder),
			huh.NewInput().
				Title("Data directory").
				Description("Database, gossip directory, sensor feed.").
				Value(&cfg.DataDir),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Radio connection").
				Options(
					huh.NewOption("Meshtastic TCP bridge", "tcp"),
					huh.NewOption("Simulated (no radio, for testing)", "simulated"),
				).
				Value(&cfg.Radio.Type),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bridge address").
				Description("host:port of meshtasticd's TCP API.").
				Value(&cfg.Radio.Address),
			huh.NewInput().
				Title("Bridge auth token").
				Description("Leave empty if the bridge is unauthenticated.").
				EchoMode(huh.EchoModePassword).
				Value(&bridgeToken),
		).WithHideFunc(func() bool {
			return cfg.Radio.Type != "tcp"
		}),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the community board?").
				Description("Store-and-forward noticeboard via !post and !board.").
				Value(&enableBoard),
			huh.NewConfirm().
				Title("Remember recent conversation per sender?").
				Description("Short rolling history folded into the prompt.").
				Value(&enableMemory),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("running wizard: %w", err)
	}

	cfg.BoardEnabled = enableBoard
	if enableMemory {
		cfg.MemoryMaxTurns = 5
	}
	if cfg.Radio.Type == "simulated" {
		cfg.Radio.Address = ""
	}

	// The token never lands in the file: keyring first, env reference
	// as the fallback.
	if bridgeToken != "" {
		if err := oracle.MigrateTokenToKeyring(bridgeToken, logger); err != nil {
			cfg.Radio.AuthToken = "${DELFI_BRIDGE_TOKEN}"
			fmt.Println("Keyring unavailable. Export DELFI_BRIDGE_TOKEN before `delfid serve`.")
		}
	}

	target, _ := cmd.Root().PersistentFlags().GetString("config")
	if target == "" {
		target = "delfi.yaml"
	}

	fmt.Println()
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println("  Configuration summary:")
	fmt.Println("─────────────────────────────────────────────")
	fmt.Printf("  Node:       %s\n", cfg.NodeName)
	fmt.Printf("  Model:      %s @ %s\n", cfg.Model, cfg.OllamaHost)
	fmt.Printf("  Knowledge:  %s\n", cfg.KnowledgeFolder)
	fmt.Printf("  Data:       %s\n", cfg.DataDir)
	if cfg.Radio.Type == "tcp" {
		fmt.Printf("  Radio:      tcp bridge at %s\n", cfg.Radio.Address)
	} else {
		fmt.Printf("  Radio:      %s\n", cfg.Radio.Type)
	}
	fmt.Printf("  Board:      %v\n", cfg.BoardEnabled)
	fmt.Printf("  Memory:     %v\n", cfg.MemoryMaxTurns > 0)
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println()

	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := oracle.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("%s created.\n\n", target)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Put your documents in %s\n", cfg.KnowledgeFolder)
	fmt.Println("  2. Try it offline: delfid simulate")
	if cfg.Radio.Type == "tcp" {
		fmt.Println("  3. Go on air: delfid serve")
	}
	fmt.Println()
	fmt.Println("Gossip and nightly peer sync stay off until you add peers under")
	fmt.Printf("mesh_knowledge in %s.\n", target)

	return nil
}
