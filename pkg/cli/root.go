package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// jsonOutput switches command results to JSON.
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "movebroker",
	Short: "movebroker serves chess move evaluations from an engine process",
	Long: `movebroker accepts positions over HTTP and websockets, forwards them to a
chess engine subprocess over a line protocol and returns the engine's move
and evaluation.

Configuration can be provided via a YAML or JSON file (--config or
MOVEBROKER_CONFIG), MOVEBROKER_* environment variables, or flags. Flags win.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are printed by Execute
}

// Execute runs the command named by os.Args and returns the process exit
// code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
