package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <infile>",
		Short: "Publish one GeoTIFF to the datacube",
		Long: `Reprojects the raster, encodes and validates a COG, renders a thumbnail,
writes the metadata sidecar, copies the legend, uploads everything under the
collection prefix of the level's bucket and registers the item with the STAC
API. Prints the publication record as JSON and exits non-zero unless the
STAC registration succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: runPublish,
	}
	addRasterFlags(cmd)
	addTargetFlags(cmd)
	return cmd
}

func addRasterFlags(cmd *cobra.Command) {
	cmd.Flags().Float64P("resolution", "r", 5, "output spatial resolution in meters")
	cmd.Flags().IntP("epsg_crs", "c", 3978, "output EPSG code, e.g. 4326")
	cmd.Flags().StringP("resampling_method", "m", "near", "GDAL warp resampling method")
	annotate(cmd, "resolution", "raster.resolution")
	annotate(cmd, "epsg_crs", "raster.epsg")
	annotate(cmd, "resampling_method", "raster.resampling")
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("level", "l", "stage", "datacube publication level: prod, stage or dev")
	cmd.Flags().StringP("prefix", "p", "store/water/river-ice-canada-archive/", "bucket prefix of the collection")
	annotate(cmd, "level", "publish.level")
	annotate(cmd, "prefix", "publish.prefix")
}

func runPublish(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	p, err := a.Publisher(a.Config().Publish.Level)
	if err != nil {
		return err
	}
	res := p.Publish(cmd.Context(), args[0])

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if !res.Success {
		if res.FailedStage != "" {
			return fmt.Errorf("publish failed at %s: %s", res.FailedStage, res.Message)
		}
		return fmt.Errorf("publish incomplete: %s", res.Message)
	}
	return nil
}
