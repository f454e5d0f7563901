// Package cmd implements the rivercog command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/app"
	"github.com/JakeFAU/river-ice-cog/internal/config"
	"github.com/JakeFAU/river-ice-cog/internal/logging"
)

// viperKey is the flag annotation naming the config key a flag overrides.
const viperKey = "viper-key"

type appKeyType string

const appKey appKeyType = "app"

// appOptions lets tests swap the object store and GDAL runner.
var appOptions = app.Options{}

type rootOptions struct {
	cfgFile string
	envFile string
}

// NewRootCmd creates and configures the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rivercog",
		Short: "Convert archived river-ice rasters to COGs and publish them.",
		Long: `rivercog discovers river-ice archives on the EODMS directory server,
converts their rasters to Cloud-Optimized GeoTIFFs and publishes them, with a
thumbnail, metadata sidecar, legend and STAC record, to the datacube buckets.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.build(cmd)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close(cmd.Context())
			}
			_ = zap.L().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file with credentials")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newLegendCmd())
	cmd.AddCommand(newReconcileCmd())
	return cmd
}

func (o *rootOptions) build(cmd *cobra.Command) (*app.App, error) {
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	v := config.NewViper()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(v, o.cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := app.Build(cmd.Context(), cfg, logger, appOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, nil
}

// bindFlags binds every flag annotated with a config key into v.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[viperKey]
		if !ok || len(keys) == 0 || err != nil {
			return
		}
		if bindErr := v.BindPFlag(keys[0], f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// annotate ties flag name to a config key.
func annotate(cmd *cobra.Command, name, key string) {
	if err := cmd.Flags().SetAnnotation(name, viperKey, []string{key}); err != nil {
		panic(fmt.Sprintf("annotate flag %s: %v", name, err))
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services are not initialized")
	}
	return a, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
