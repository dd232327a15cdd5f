package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// unitTemplate is the systemd user unit for one supervised component.
// The unit is the outer layer of the supervision chain: systemd
// restarts `sentinel supervise` when it fails. Restart stays
// on-failure because a clean exit is the component idling out; the
// unit must stay stopped until the next notification (or `sentinel
// start`) re-triggers it.
const unitTemplate = `[Unit]
Description=sentinel %[1]s supervisor

[Service]
ExecStart=%[2]s supervise %[1]s --config %[3]s
WorkingDirectory=%[4]s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

func unitName(component string) string {
	return "sentinel-" + component + ".service"
}

func userUnitDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Write systemd user units for the supervised components",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to resolve own executable: %w", err)
			}

			unitDir, err := userUnitDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(unitDir, 0755); err != nil {
				return fmt.Errorf("failed to create unit directory: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, component := range []string{ComponentBot, ComponentOrchestrator} {
				unit := renderUnit(component, exe, cfgPath)
				path := filepath.Join(unitDir, unitName(component))
				if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
					return fmt.Errorf("failed to write unit file: %w", err)
				}
				fmt.Fprintf(out, "Wrote %s\n", path)
			}

			fmt.Fprintln(out, "\nEnable with:")
			for _, component := range []string{ComponentBot, ComponentOrchestrator} {
				fmt.Fprintf(out, "  systemctl --user enable --now %s\n", unitName(component))
			}
			return nil
		},
	}
}

func newUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the installed systemd user units",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitDir, err := userUnitDir()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, component := range []string{ComponentBot, ComponentOrchestrator} {
				path := filepath.Join(unitDir, unitName(component))
				err := os.Remove(path)
				if os.IsNotExist(err) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to remove unit file: %w", err)
				}
				fmt.Fprintf(out, "Removed %s\n", path)
			}

			fmt.Fprintln(out, "Run 'systemctl --user daemon-reload' to finish")
			return nil
		},
	}
}

func renderUnit(component, exe, cfgPath string) string {
	return fmt.Sprintf(unitTemplate, component, exe, cfgPath, filepath.Dir(cfgPath))
}
