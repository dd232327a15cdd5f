package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/procregistry"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

// statusEventCount is how many trailing correlation events the status
// command shows.
const statusEventCount = 10

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show component liveness, pending documents, and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config:     %s\n", cfgPath)
			fmt.Fprintf(out, "State root: %s\n\n", stateRoot)

			runDir := workspace.Dir(stateRoot, workspace.RunDir)
			for _, name := range []string{ComponentBot, ComponentOrchestrator} {
				rec, err := procregistry.Read(runDir, name)
				switch {
				case err != nil:
					fmt.Fprintf(out, "%-14s stopped\n", name)
				case procregistry.IsLive(rec):
					fmt.Fprintf(out, "%-14s running (pid %d, since %s)\n",
						name, rec.PID, rec.StartTime.Format("2006-01-02 15:04:05"))
				default:
					fmt.Fprintf(out, "%-14s stopped (stale record, pid %d)\n", name, rec.PID)
				}
			}

			fmt.Fprintln(out)
			for _, dir := range []string{workspace.NotificationsDir, workspace.ApprovalsDir, workspace.CompletionsDir, workspace.CallbacksDir} {
				entries, err := statedir.Consume(workspace.Dir(stateRoot, dir))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-14s %d pending\n", dir, len(entries))
			}

			printRecentEvents(out, stateRoot, logger)
			return nil
		},
	}
}

func printRecentEvents(out io.Writer, stateRoot string, logger *slog.Logger) {
	var recent []protocol.CorrelationEvent
	err := eventlog.Replay(workspace.EventLogPath(stateRoot), logger, func(evt protocol.CorrelationEvent) {
		recent = append(recent, evt)
		if len(recent) > statusEventCount {
			recent = recent[1:]
		}
	})
	if err != nil {
		logger.Warn("failed to read event log", "error", err)
		return
	}
	if len(recent) == 0 {
		return
	}

	fmt.Fprintf(out, "\nRecent events:\n")
	for _, evt := range recent {
		line := fmt.Sprintf("  %s  %-22s %s", evt.Timestamp.Format("15:04:05"), evt.EventType, evt.Component)
		if evt.CorrelationID != "" {
			line += "  " + evt.CorrelationID
		}
		fmt.Fprintln(out, line)
	}
}
