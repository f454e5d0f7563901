package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newLegendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legend <infile>",
		Short: "Copy the collection legend for one item",
		Long: `Copies <prefix>riverice_legend.png to <prefix><stem>_legend.png in the
level's bucket under the public-read policy. Only the file name of infile is
used.`,
		Args: cobra.ExactArgs(1),
		RunE: runLegend,
	}
	addTargetFlags(cmd)
	return cmd
}

func runLegend(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	p, err := a.LegendPublisher(a.Config().Publish.Level)
	if err != nil {
		return err
	}
	base := filepath.Base(args[0])
	key, err := p.Legend(cmd.Context(), strings.TrimSuffix(base, filepath.Ext(base)))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
