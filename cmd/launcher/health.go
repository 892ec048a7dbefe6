package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the interpreter, entry point, layout and backing services",
	Long: `Health runs every dependency probe once, prints the results as JSON and
exits 1 when any probe fails. It never installs packages or creates
directories.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	probes := app.launcher.RunDeepHealth(ctx)

	status := "healthy"
	for _, p := range probes {
		if !p.OK {
			status = "unhealthy"
			break
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"status": status, "dependencies": probes}); err != nil {
		return err
	}
	if status != "healthy" {
		return &exitError{code: 1}
	}
	return nil
}

