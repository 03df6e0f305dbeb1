// Package commands implements the delfid CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "delfid",
		Short: "Del-Fi - Offline oracle for mesh radio networks",
		Long: `Del-Fi is a store-and-forward oracle daemon for off-grid mesh
networks. It answers questions over low-bandwidth radio from a local
document folder and a local Ollama model, with no internet required.

Examples:
  delfid init
  delfid serve
  delfid serve --config ./delfi.yaml
  delfid simulate
  delfid status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newInitCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
