package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Convert and archive every unprocessed source archive",
		Long: `Discovers archives for each year, skips the ones already in the
processing log, converts the rest to COGs and uploads archive and COG to the
archive bucket. The processing log is flushed after every year and the run
report is written at the end.`,
		Args: cobra.NoArgs,
		RunE: runIngest,
	}
	cmd.Flags().StringSlice("years", nil, "years to process, e.g. 2016,2017")
	cmd.Flags().String("keyword", "", "product keyword to match in the remote tree")
	cmd.Flags().String("mark-policy", "", "when to log an item: succeeded or attempted")
	cmd.Flags().Bool("json", false, "print the run summary as JSON")
	annotate(cmd, "years", "source.years")
	annotate(cmd, "keyword", "source.keyword")
	annotate(cmd, "mark-policy", "ingest.mark_policy")
	return cmd
}

func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	years, err := cmd.Flags().GetStringSlice("years")
	if err != nil {
		return err
	}
	if len(years) == 0 {
		years = a.Config().Source.Years
	}
	if len(years) == 0 {
		return fmt.Errorf("no years given: pass --years or set source.years")
	}

	orch, err := a.Ingestor()
	if err != nil {
		return fmt.Errorf("build ingestor: %w", err)
	}
	a.StartOps(orch)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rep, err := orch.Run(ctx, years)
	if rep == nil {
		return fmt.Errorf("ingest: %w", err)
	}

	summary := rep.Summary()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return fmt.Errorf("encode summary: %w", encErr)
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), rep.Render())
	}
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	zap.L().Info("Ingest command finished.", zap.String("run_id", summary.RunID))
	return nil
}
