package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/151300/FreeNodes/internal/launcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one launch and exit with the processor's exit code",
	Long: `Run performs one launch:

  1. checks that the YAML package is importable, installing it if needed
  2. creates nodes/, hb/output/, hb/backup/ and hb/logs/ under the root
  3. runs hb/runner.py --force from the project root and waits for it

The launcher exits with the processor's exit code, or 1 when an earlier
step fails.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&pause, "pause", false, "wait for Enter before exiting")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "result summary format (text, json, yaml)")
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	if err := validateOutput(outputFormat); err != nil {
		return err
	}
	if pause {
		defer waitForEnter(cmd.InOrStdin(), cmd.OutOrStdout())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.launcher.Run(ctx)
	if err != nil {
		return fmt.Errorf("launch failed: %w", err)
	}

	if err := printResult(cmd.OutOrStdout(), outputFormat, result); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

func validateOutput(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported --output %q (want text, json or yaml)", format)
	}
}

// printResult writes the launch summary. The text format adds nothing to
// the banners already printed.
func printResult(w io.Writer, format string, result *launcher.LaunchResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	default:
		return nil
	}
}

func waitForEnter(in io.Reader, out io.Writer) {
	fmt.Fprint(out, "Press Enter to exit...")
	bufio.NewReader(in).ReadString('\n') //nolint:errcheck
}
