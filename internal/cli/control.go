package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/procregistry"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

const stopGrace = 5 * time.Second

func componentArg(args []string) (string, error) {
	name := args[0]
	if name != ComponentBot && name != ComponentOrchestrator {
		return "", fmt.Errorf("unknown component %q (expected %s or %s)", name, ComponentBot, ComponentOrchestrator)
	}
	return name, nil
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <component>",
		Short: "Start a component as a detached background process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := componentArg(args)
			if err != nil {
				return err
			}

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)
			if err := workspace.Initialize(stateRoot); err != nil {
				return err
			}

			started, err := ensureStarted(stateRoot, name)
			if err != nil {
				return err
			}
			if !started {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already running\n", name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s\n", name)
			return nil
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <component>",
		Short: "Stop a running component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := componentArg(args)
			if err != nil {
				return err
			}

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)

			stopped, err := stopComponent(stateRoot, name)
			if err != nil {
				return err
			}
			if !stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not running\n", name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", name)
			return nil
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <component>",
		Short: "Restart a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := componentArg(args)
			if err != nil {
				return err
			}

			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateRoot := config.ResolveStateRoot(cfg, cfgPath)
			if err := workspace.Initialize(stateRoot); err != nil {
				return err
			}

			if _, err := stopComponent(stateRoot, name); err != nil {
				return err
			}
			if _, err := ensureStarted(stateRoot, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restarted %s\n", name)
			return nil
		},
	}
}

// ensureStarted spawns a detached component process if the registry
// shows no live instance. Returns true if a process was started.
func ensureStarted(stateRoot, name string) (bool, error) {
	runDir := workspace.Dir(stateRoot, workspace.RunDir)
	if rec, err := procregistry.Read(runDir, name); err == nil && procregistry.IsLive(rec) {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("failed to resolve own executable: %w", err)
	}

	logPath := filepath.Join(runDir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return false, fmt.Errorf("failed to open component log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, name)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start %s: %w", name, err)
	}

	// The child owns its own lifecycle from here.
	if err := cmd.Process.Release(); err != nil {
		return false, fmt.Errorf("failed to detach %s: %w", name, err)
	}
	return true, nil
}

// stopComponent terminates a live instance via its registry record.
// Returns true if a process was stopped.
func stopComponent(stateRoot, name string) (bool, error) {
	runDir := workspace.Dir(stateRoot, workspace.RunDir)
	rec, err := procregistry.Read(runDir, name)
	if err != nil || !procregistry.IsLive(rec) {
		return false, nil
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return false, nil
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return false, fmt.Errorf("failed to signal %s (pid %d): %w", name, rec.PID, err)
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !procregistry.IsLive(rec) {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Kill(); err != nil {
		return false, fmt.Errorf("failed to kill %s (pid %d): %w", name, rec.PID, err)
	}
	return true, nil
}
