package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	envFile   string
	logFormat string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "toolsessions [command] [flags]",
		Short: "Durable, resumable tool sessions over HTTP",
		Long: `toolsessions runs tools as durable sessions. Clients create a session over
HTTP, follow its event log with Server-Sent Events and answer the sampling and
elicitation requests the tool makes while it runs.

Examples:
  # Serve the demo tools in-process
  toolsessions serve --addr 127.0.0.1:8080

  # Run each session in a child process
  toolsessions serve --workers subprocess

  # Serve sessions announced through Redis
  toolsessions worker --redis`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Path to a .env file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json (overrides LOG_FORMAT)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newWorkerCmd(g))
	return cmd
}

// setup loads configuration and builds the process logger, applying the
// persistent flags over the environment.
func (g *globalFlags) setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(g.envFile)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
