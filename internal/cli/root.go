// Package cli wires the pipeline components into the sentinel
// command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/transport"
)

// NewRootCommand builds the sentinel command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Notification, approval, and workflow execution pipeline",
		Long: `sentinel turns detected problems into operator-approved agent runs.

A producer drops a notification document into the state directory,
the bot reports it to the operator chat with approval buttons, and
the orchestrator executes the approved workflow's agent command and
reports the outcome back. Components coordinate only through the
filesystem and shut down when idle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newInitCommand())
	root.AddCommand(newBotCommand())
	root.AddCommand(newOrchestratorCommand())
	root.AddCommand(newNotifyCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newSuperviseCommand())
	root.AddCommand(newStartCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newRestartCommand())
	root.AddCommand(newInstallCommand())
	root.AddCommand(newUninstallCommand())

	root.PersistentFlags().StringP("config", "c", "", "Path to sentinel.json (default: search up directory tree)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the configuration from --config or by searching
// up the directory tree, then validates it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get current directory: %w", err)
		}
		path, err = config.Find(cwd)
		if err != nil {
			return nil, "", fmt.Errorf("%w\n\nHint: Run 'sentinel init' to create one", err)
		}
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// buildTransport constructs the retrying chat transport from config
func buildTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	api := transport.NewBotAPI(cfg.Transport.BaseURL, cfg.Transport.Token, cfg.Transport.ChatID)
	backoff := transport.Backoff{
		Initial:    time.Duration(cfg.Retry.Backoff.InitialMs) * time.Millisecond,
		Max:        time.Duration(cfg.Retry.Backoff.MaxMs) * time.Millisecond,
		Multiplier: cfg.Retry.Backoff.Multiplier,
	}
	return transport.NewRetrier(api, backoff, cfg.Retry.MaxAttempts, logger)
}
