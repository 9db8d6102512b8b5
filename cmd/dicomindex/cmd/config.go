package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/dicomindex/internal/config"
	"github.com/Aman-CERP/dicomindex/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage project configuration",
		Long: `Manage the project configuration file (.dicomindex.yaml).

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/dicomindex/config.yaml)
  3. Project config (.dicomindex.yaml)
  4. Environment variables (DICOMINDEX_*)`,
		Example: `  # Create a project config with defaults
  dicomindex config init

  # Show effective configuration
  dicomindex config show

  # Undo the last config change
  dicomindex config backups
  dicomindex config restore .dicomindex.yaml.bak.20240301-101500.000000000`,
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupsCmd())
	cmd.AddCommand(newConfigRestoreCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the project configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			path := filepath.Join(projectDir, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				out.Warningf("%s already exists, use --force to overwrite", path)
				return nil
			}
			backup, err := config.BackupFile(path)
			if err != nil {
				return err
			}
			if err := config.NewConfig().WriteYAML(path); err != nil {
				return err
			}
			out.Successf("Created %s", path)
			if backup != "" {
				out.Status("", "previous config saved to "+backup)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := output.Auto(cmd.OutOrStdout(), jsonOutput)
			if out.JSON() {
				return out.Result(cfg, nil)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the project and user configuration paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			out.KV("project", config.ProjectConfigPath(projectDir), "user", config.GetUserConfigPath())
			return nil
		},
	}
}

func newConfigBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups of the project configuration, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := config.ListBackups(config.ProjectConfigPath(projectDir))
			if err != nil {
				return err
			}
			return output.Auto(cmd.OutOrStdout(), jsonOutput).Result(list, func(w *output.Writer) {
				if len(list) == 0 {
					w.Warning("No config backups")
					return
				}
				for _, b := range list {
					w.Line("%s", b)
				}
			})
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore BACKUP",
		Short: "Replace the project configuration with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectConfigPath(projectDir)
			backup := args[0]
			if !filepath.IsAbs(backup) && filepath.Dir(backup) == "." {
				backup = filepath.Join(filepath.Dir(path), backup)
			}
			if err := config.RestoreFile(path, backup); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Restored %s from %s", path, backup)
			return nil
		},
	}
}
