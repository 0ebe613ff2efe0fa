package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor HTTP gateway",
		Long: `Start the conductor HTTP gateway.

The server will:
1. Load configuration from the specified file (or conductor.yaml)
2. Open storage and start the memory summary queue
3. Initialize the LLM provider chain and builtin tools
4. Serve /v1/chat, /v1/ws, /v1/memory/status, /metrics and /healthz

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conductor serve

  # Start with custom config and debug logging
  conductor serve --config /etc/conductor/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Ask Command
// =============================================================================

type askOptions struct {
	configPath string
	userID     string
	sessionID  string
	model      string
	language   string
	toolNames  []string
	overrides  map[string]string
	skipTools  bool
	stream     bool
	allowQueue bool
}

// buildAskCmd creates the "ask" command that runs one turn in-process.
func buildAskCmd() *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run a single turn and print the answer",
		Long: `Run a single orchestrated turn in-process and print the final answer.

With --stream every event is printed as a JSON line, and the event sequence
is checked for ordering defects once the stream closes.`,
		Example: `  conductor ask --user alice "summarize README.md"
  conductor ask --user alice --stream --set max_rounds=3 "list the files"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runAsk(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "cli", "User id")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session id (generated when empty)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model name override")
	cmd.Flags().StringVar(&opts.language, "language", "", "Response language")
	cmd.Flags().StringSliceVar(&opts.toolNames, "tools", nil, "Allowed tool names (all when empty)")
	cmd.Flags().StringToStringVar(&opts.overrides, "set", nil, "Config overrides (max_rounds, max_tokens, temperature, max_context, history_compaction_ratio)")
	cmd.Flags().BoolVar(&opts.skipTools, "skip-tools", false, "Treat the first completion as final")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print every event as a JSON line")
	cmd.Flags().BoolVar(&opts.allowQueue, "queue", false, "Wait for a busy session instead of failing")
	return cmd
}

// =============================================================================
// Memory Commands
// =============================================================================

// buildMemoryCmd creates the "memory" command group.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the memory summary queue",
	}
	cmd.AddCommand(buildMemoryStatusCmd())
	return cmd
}

func buildMemoryStatusCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent memory summary tasks from the task log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryStatus(cmd, resolveConfigPath(configPath), userID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Only show tasks for this user")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load, default and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}
