package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/crashloop"
	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

func newSuperviseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise <component>",
		Short: "Run a component under crash-loop supervision",
		Long: `Run a component, restarting it when it dies and when its binary is
redeployed. Rapid restarts are detected as a crash loop: one degraded
alert goes to the operator chat and restarts slow down until the
component stabilizes. Intended to be invoked from a service manager
unit (see 'sentinel install').`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := componentArg(args)
			if err != nil {
				return err
			}
			logger := newLogger(cmd)

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)
			if err := workspace.Initialize(stateRoot); err != nil {
				return err
			}

			events, err := eventlog.Open(workspace.EventLogPath(stateRoot), "supervisor", logger)
			if err != nil {
				return err
			}
			defer events.Close()

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to resolve own executable: %w", err)
			}

			sup, err := crashloop.New(crashloop.Options{
				Name:        name,
				Command:     []string{exe, name, "--config", cfgPath},
				Binary:      exe,
				Window:      time.Duration(cfg.Supervise.WindowS) * time.Second,
				MaxRestarts: cfg.Supervise.MaxRestarts,
				Transport:   buildTransport(cfg, logger),
				Logger:      logger,
			}, events)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = sup.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
