// Package cmd provides the CLI commands for dicomindex.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/logging"
	"github.com/Aman-CERP/dicomindex/internal/profiling"
	"github.com/Aman-CERP/dicomindex/pkg/version"
)

// Global flags.
var (
	debugMode     bool
	jsonOutput    bool
	projectDir    string
	dataDirFlag   string
	callerSubject string
	callerCaps    string

	profileOpts    profiling.Options
	profileSession *profiling.Session
	loggingCleanup func()
)

// NewRootCmd creates the root command for the dicomindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dicomindex",
		Short: "Metadata index and filter engine for medical imaging studies",
		Long: `dicomindex indexes study metadata pulled from a change feed and answers
structured filter queries over it.

Fields are declared in a registry with a data type and a preprocessing
chain. Full and incremental jobs pull changes from the feed, preprocess
them and commit immutable segments. Queries are JSON or YAML expression
trees validated against the registry.

Run 'dicomindex config init' in a project directory to get started.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("dicomindex version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.dicomindex/logs/")
	pf.BoolVar(&jsonOutput, "json", false, "Output JSON (default when stdout is not a terminal)")
	pf.StringVar(&projectDir, "dir", ".", "Project directory holding "+".dicomindex.yaml")
	pf.StringVar(&dataDirFlag, "data-dir", "", "Override the data directory")
	pf.StringVar(&callerSubject, "as", "", "Act as this subject instead of the system caller")
	pf.StringVar(&callerCaps, "capabilities", "", "Capabilities of --as, comma separated")
	pf.StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	pf.StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	pf.StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newFieldsCmd())
	cmd.AddCommand(newPreprocessCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newOptimizeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging installs the CLI logger and starts profiling.
// Commands log warnings to stderr; --debug adds the rotating log file.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = "warn"
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	if debugMode {
		slog.Debug("debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	if profileOpts.Enabled() {
		if profileSession, err = profiling.Start(profileOpts); err != nil {
			return err
		}
	}
	return nil
}

// stopProfilingAndLogging flushes profiles and closes the log file.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var errs []error
	if profileSession != nil {
		errs = append(errs, profileSession.Stop())
		profileSession = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return errors.Join(errs...)
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
