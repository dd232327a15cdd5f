package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

func newNotifyCommand() *cobra.Command {
	var (
		workspacePath string
		sessionID     string
		errorCount    int
		details       string
		startBot      bool
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a notification document (producer helper)",
		Long: `Publish a notification into the state directory, the same way any
external producer would: write the JSON document atomically into
notifications/. With --start-bot (the default) a bot instance is
started if none is running, so the operator hears about it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)
			if err := workspace.Initialize(stateRoot); err != nil {
				return err
			}

			if workspacePath == "" {
				workspacePath, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current directory: %w", err)
				}
			}
			workspacePath, err = filepath.Abs(workspacePath)
			if err != nil {
				return fmt.Errorf("failed to resolve workspace path: %w", err)
			}
			if sessionID == "" {
				sessionID = "sess-" + uuid.New().String()[:8]
			}

			notification := protocol.Notification{
				WorkspacePath: workspacePath,
				SessionID:     sessionID,
				ErrorCount:    errorCount,
				Details:       details,
				Timestamp:     time.Now().UTC(),
			}

			dir := workspace.Dir(stateRoot, workspace.NotificationsDir)
			name := protocol.DocumentName(protocol.KindNotification, workspacePath, sessionID, protocol.NewCorrelationID())
			if err := statedir.Publish(dir, name, notification); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", name)

			if startBot {
				started, err := ensureStarted(stateRoot, ComponentBot)
				if err != nil {
					logger.Warn("failed to start bot", "error", err)
				} else if started {
					fmt.Fprintln(cmd.OutOrStdout(), "Started bot")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workspacePath, "workspace", "", "Workspace path the problem was detected in (default: current directory)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (default: generated)")
	cmd.Flags().IntVar(&errorCount, "errors", 1, "Number of detected errors")
	cmd.Flags().StringVar(&details, "details", "", "Free-form problem details")
	cmd.Flags().BoolVar(&startBot, "start-bot", true, "Start a bot instance if none is running")
	return cmd
}
