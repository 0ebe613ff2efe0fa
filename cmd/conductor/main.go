// Package main provides the CLI entry point for conductor, a tool-using LLM
// round-loop orchestrator.
//
// # Basic Usage
//
// Start the server:
//
//	conductor serve --config conductor.yaml
//
// Ask a single question from the terminal:
//
//	conductor ask --user alice "what is in README.md?"
//
// Inspect the memory summary queue:
//
//	conductor memory status
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: usable from the
//     config file through ${NAME} expansion
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - tool-using LLM round-loop orchestrator",
		Long: `conductor runs multi-round LLM conversations that call tools, compacts
long contexts, and distills finished conversations into memory records.

Supported LLM providers: OpenAI (and compatible), Anthropic, Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAskCmd(),
		buildMemoryCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
