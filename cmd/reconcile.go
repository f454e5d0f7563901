package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Seed the processing log from COGs already in the archive bucket",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}
	cmd.Flags().StringSlice("years", nil, "years to reconcile")
	cmd.Flags().Bool("write-sidecars", false, "also upload a JSON sidecar per discovered link to <folder>json/")
	annotate(cmd, "years", "source.years")
	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	years := a.Config().Source.Years
	if len(years) == 0 {
		return fmt.Errorf("no years given: pass --years or set source.years")
	}
	writeSidecars, err := cmd.Flags().GetBool("write-sidecars")
	if err != nil {
		return err
	}
	orch, err := a.Ingestor()
	if err != nil {
		return fmt.Errorf("build ingestor: %w", err)
	}
	res, err := orch.Reconcile(cmd.Context(), years, writeSidecars)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
