package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/sentinel/internal/config"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default sentinel.json and the state directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}

			path := filepath.Join(cwd, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.GenerateDefault()
			if err := cfg.SaveToFile(path); err != nil {
				return err
			}

			stateRoot := config.ResolveStateRoot(cfg, path)
			if err := workspace.Initialize(stateRoot); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s\n", path)
			fmt.Fprintf(out, "Initialized state root %s\n", stateRoot)
			fmt.Fprintln(out, "Next: set transport.token and transport.chat_id, then run 'sentinel bot'")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
