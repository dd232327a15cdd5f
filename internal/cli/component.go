package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/bot"
	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/idempotency"
	"github.com/iambrandonn/sentinel/internal/orchestrator"
	"github.com/iambrandonn/sentinel/internal/procregistry"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

// Component names used for registry slots, handled sets, and the
// start/stop/supervise commands.
const (
	ComponentBot          = "bot"
	ComponentOrchestrator = "orchestrator"
)

func newBotCommand() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the notification bot until it idles out",
		Long: `Run the bot: watch the notification and completion directories,
report them to the operator chat, and turn button clicks into
approval documents. Exits cleanly after the configured idle window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComponent(cmd, ComponentBot, replace)
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "Take over from a running instance instead of aborting")
	return cmd
}

func newOrchestratorCommand() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the workflow orchestrator until it idles out",
		Long: `Run the orchestrator: consume approval documents, execute the
approved workflow's agent command as a subprocess, and publish
completion documents. Exits cleanly after the configured idle window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComponent(cmd, ComponentOrchestrator, replace)
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "Take over from a running instance instead of aborting")
	return cmd
}

// runComponent is the shared startup path for both long-running
// components: config, workspace, single-instance guard, event log,
// handled set, then the component loop.
func runComponent(cmd *cobra.Command, name string, replace bool) error {
	logger := newLogger(cmd)

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stateRoot := config.ResolveStateRoot(cfg, cfgPath)
	if err := workspace.Initialize(stateRoot); err != nil {
		return err
	}

	policy := procregistry.PolicyAbort
	if replace {
		policy = procregistry.PolicyReplace
	}
	guard, err := procregistry.Acquire(workspace.Dir(stateRoot, workspace.RunDir), name, policy)
	if err != nil {
		if errors.Is(err, procregistry.ErrAlreadyRunning) {
			return fmt.Errorf("%w\n\nHint: Use --replace to take over the running instance", err)
		}
		return err
	}
	defer guard.Release()

	events, err := eventlog.Open(workspace.EventLogPath(stateRoot), name, logger)
	if err != nil {
		return err
	}
	defer events.Close()

	handled, err := idempotency.Load(workspace.HandledSetPath(stateRoot, name))
	if err != nil {
		return err
	}
	defer handled.Close()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("component starting", "name", name, "state_root", stateRoot, "config", cfgPath)

	switch name {
	case ComponentBot:
		b := bot.New(bot.Options{
			StateRoot:   stateRoot,
			Registry:    registry,
			Transport:   buildTransport(cfg, logger),
			IdleTimeout: time.Duration(cfg.Bot.IdleTimeoutS) * time.Second,
			PollTimeout: cfg.Transport.PollTimeoutS,
			Logger:      logger,
		}, events, handled)
		err = b.Run(ctx)

	case ComponentOrchestrator:
		o := orchestrator.New(orchestrator.Options{
			StateRoot:      stateRoot,
			Registry:       registry,
			CommandTimeout: time.Duration(cfg.Orchestrator.CommandTimeoutS) * time.Second,
			IdleTimeout:    time.Duration(cfg.Orchestrator.IdleTimeoutS) * time.Second,
			Logger:         logger,
		}, events, handled)
		err = o.Run(ctx)

	default:
		return fmt.Errorf("unknown component %q (expected %s or %s)", name, ComponentBot, ComponentOrchestrator)
	}

	// A signal-driven stop is an orderly exit, not a failure.
	if errors.Is(err, context.Canceled) {
		logger.Info("component stopped", "name", name)
		return nil
	}
	return err
}
