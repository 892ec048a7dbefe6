package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/telemetry"
)

var (
	cfgFile      string
	logLevel     string
	rootDir      string
	pause        bool
	outputFormat string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "launcher",
	Short: "FreeNodes launcher: prepare the environment and run the node processor",
	Long: `The launcher checks that the Python YAML package is importable (installing
it when missing), creates the project's working directories and then runs
hb/runner.py once with --force from the project root.

Running the launcher with no subcommand is the same as "launcher run".`,
	Args:          cobra.NoArgs,
	RunE:          runLaunch,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "project root (default: parent of the launcher's directory)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level and --root take precedence over the config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		} else if cfg.Telemetry.LogLevel != "" {
			initLogger(cfg.Telemetry.LogLevel)
		}
		if cmd.Flags().Changed("root") {
			cfg.Project.Root = rootDir
		}

		app, err = buildAppContext(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}

		return nil
	}

	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute is the entry point called by main.
func Execute() {
	err := rootCmd.Execute()
	if app != nil {
		app.Close()
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

// initLogger installs a stderr-only logger; stdout is reserved for the
// launcher banners and the processor's own output.
func initLogger(level string) {
	slog.SetDefault(telemetry.NewLogger(os.Stderr, nil, telemetry.ParseLevel(level)))
}
