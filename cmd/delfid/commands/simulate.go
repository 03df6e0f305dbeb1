package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/delfinet/delfi/pkg/delfi/mesh"
	"github.com/delfinet/delfi/pkg/delfi/oracle"
)

// newSimulateCmd creates the `delfid simulate` command: a local REPL
// driving the full daemon stack without a radio.
func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Talk to the oracle from a local REPL, no radio needed",
		Long: `Run the daemon against an in-process simulated radio. Lines you type
arrive as direct messages from a test node, and everything the oracle
transmits is printed with its frame size. Useful for checking knowledge,
personality, and frame budgets before going on air.

Examples:
  delfid simulate
  delfid simulate --config ./delfi.yaml`,
		RunE: runSimulate,
	}
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		// No config is fine for a dry run.
		cfg = oracle.DefaultConfig()
		cfg.NodeName = "delfi-sim"
		fmt.Println("No config found, using defaults. Run `delfid init` for a real setup.")
	}
	cfg.Radio = mesh.Config{Type: "simulated"}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Logs go to stderr so they do not garble the prompt; the REPL
	// owns stdout.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	sim, ok := d.adapter.(*mesh.Simulated)
	if !ok {
		return fmt.Errorf("simulate: unexpected adapter %q", d.adapter.Name())
	}
	if err := sim.Connect(ctx); err != nil {
		return fmt.Errorf("connecting simulated radio: %w", err)
	}

	fmt.Printf("Indexing %s...\n", cfg.KnowledgeFolder)
	if n, err := d.engine.Reindex(ctx); err != nil {
		fmt.Printf("Index failed: %v\n", err)
	} else {
		fmt.Printf("%d file(s) indexed, %d chunks known.\n", n, d.engine.DocCount())
	}
	if d.engine.CheckHealth(ctx) {
		fmt.Printf("Ollama up at %s (model %s).\n", cfg.OllamaHost, cfg.Model)
	} else {
		fmt.Printf("Ollama NOT reachable at %s; answers will be degraded.\n", cfg.OllamaHost)
	}

	go func() {
		if err := d.oracle.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle stopped", "error", err)
		}
	}()
	d.sched.Start(ctx)
	defer d.sched.Stop()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mesh> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".delfi_sim_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting repl: %w", err)
	}
	defer rl.Close()

	// Print each transmission above the prompt as it happens.
	go func() {
		for sent := range sim.Sent() {
			fmt.Fprintf(rl.Stdout(), "[%s -> %s] %s  (%d bytes)\n",
				cfg.NodeName, sent.To, sent.Text, len(sent.Text))
		}
	}()

	fmt.Println()
	fmt.Printf("You are %s. Type a question or a !command. /quit leaves.\n", mesh.SimSenderID)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit", "/q":
			fmt.Println("Leaving the mesh.")
			return nil
		case "/help":
			fmt.Println("Anything you type is delivered to the oracle as a direct message.")
			fmt.Println("Oracle commands start with ! (try !help). REPL commands: /help /quit")
			continue
		}

		sim.Inject(mesh.SimSenderID, "simulator", line)
	}

	fmt.Println("Leaving the mesh.")
	return nil
}
