// Package config loads and validates rivercog configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/river-ice-cog/internal/ledger"
	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/raster/gdal"
)

// EnvPrefix is prepended to every environment override, e.g. RIVERCOG_STAC_USERNAME.
const EnvPrefix = "RIVERCOG"

// Levels accepted for publication.
var Levels = []string{"prod", "stage", "dev"}

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Scratch ScratchConfig `mapstructure:"scratch"`
	Storage StorageConfig `mapstructure:"storage"`
	Raster  RasterConfig  `mapstructure:"raster"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Publish PublishConfig `mapstructure:"publish"`
	STAC    STACConfig    `mapstructure:"stac"`
	History HistoryConfig `mapstructure:"history"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SourceConfig describes the remote directory tree.
type SourceConfig struct {
	RootURL        string   `mapstructure:"root_url"`
	BasePath       string   `mapstructure:"base_path"`
	Keyword        string   `mapstructure:"keyword"`
	Years          []string `mapstructure:"years"`
	ArchiveSuffix  string   `mapstructure:"archive_suffix"`
	RasterSuffix   string   `mapstructure:"raster_suffix"`
	MaxDepth       int      `mapstructure:"max_depth"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	// RequestsPerSecond throttles requests per host; zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ScratchConfig controls the local working directory.
type ScratchConfig struct {
	Dir     string `mapstructure:"dir"`
	Cleanup bool   `mapstructure:"cleanup"`
}

// StorageConfig selects the object store and the ingest destination.
type StorageConfig struct {
	Provider string   `mapstructure:"provider"`
	Bucket   string   `mapstructure:"bucket"`
	Folder   string   `mapstructure:"folder"`
	Local    LocalCfg `mapstructure:"local"`
	S3       S3Cfg    `mapstructure:"s3"`
}

// LocalCfg configures the filesystem store.
type LocalCfg struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3Cfg configures the S3 client.
type S3Cfg struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// RasterConfig controls reprojection and the GDAL binaries.
type RasterConfig struct {
	EPSG          int     `mapstructure:"epsg"`
	Resolution    float64 `mapstructure:"resolution"`
	Resampling    string  `mapstructure:"resampling"`
	GDALWarp      string  `mapstructure:"gdalwarp"`
	GDALTranslate string  `mapstructure:"gdal_translate"`
	GDALInfo      string  `mapstructure:"gdalinfo"`
}

// IngestConfig holds processing log semantics.
type IngestConfig struct {
	MarkPolicy string `mapstructure:"mark_policy"`
	MatchMode  string `mapstructure:"match_mode"`
}

// PublishConfig describes the public catalog destination.
type PublishConfig struct {
	Level          string `mapstructure:"level"`
	BucketTemplate string `mapstructure:"bucket_template"`
	Prefix         string `mapstructure:"prefix"`
	FTPRoot        string `mapstructure:"ftp_root"`
	LegendName     string `mapstructure:"legend_name"`
	OwnerProd      string `mapstructure:"owner_prod"`
	OwnerDefault   string `mapstructure:"owner_default"`
	ReadGrantee    string `mapstructure:"read_grantee"`
}

// STACConfig configures the registration API.
type STACConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HistoryConfig enables the Postgres outcome table when DSN is set.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// NotifyConfig enables Pub/Sub notifications when both fields are set.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig starts the ops router when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// NewViper returns a viper instance with defaults and env overrides installed.
// Commands bind their flags into it before calling LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads the optional file at path into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Source.Years = splitList(cfg.Source.Years)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.root_url", "https://data.eodms-sgdot.nrcan-rncan.gc.ca")
	v.SetDefault("source.base_path", "/public/EGS")
	v.SetDefault("source.keyword", "RiverIce")
	v.SetDefault("source.years", []string{})
	v.SetDefault("source.archive_suffix", ".zip")
	v.SetDefault("source.raster_suffix", ".tif")
	v.SetDefault("source.max_depth", 4)
	v.SetDefault("source.user_agent", "rivercog/0.1")
	v.SetDefault("source.timeout_seconds", 300)
	v.SetDefault("source.requests_per_second", 0.0)
	v.SetDefault("source.burst", 1)
	v.SetDefault("scratch.dir", "zip_dir")
	v.SetDefault("scratch.cleanup", false)
	v.SetDefault("storage.provider", "s3")
	v.SetDefault("storage.bucket", "nrcan-egs-product-archive")
	v.SetDefault("storage.folder", "Datacube/RiverIce/")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.s3.region", "ca-central-1")
	v.SetDefault("raster.epsg", 3978)
	v.SetDefault("raster.resolution", 5.0)
	v.SetDefault("raster.resampling", "near")
	v.SetDefault("raster.gdalwarp", "gdalwarp")
	v.SetDefault("raster.gdal_translate", "gdal_translate")
	v.SetDefault("raster.gdalinfo", "gdalinfo")
	v.SetDefault("ingest.mark_policy", string(pipeline.MarkSucceeded))
	v.SetDefault("ingest.match_mode", string(ledger.MatchSubstring))
	v.SetDefault("publish.level", "stage")
	v.SetDefault("publish.bucket_template", "datacube-%s-data-public")
	v.SetDefault("publish.prefix", "store/water/river-ice-canada-archive/")
	v.SetDefault("publish.ftp_root", "https://data.eodms-sgdot.nrcan-rncan.gc.ca/public/EGS")
	v.SetDefault("publish.legend_name", "riverice_legend.png")
	v.SetDefault("publish.owner_prod", `id="b51b8d25062b67c1898da5e3b21415897431ff8c969c1cc16f76d54a189cb08c"`)
	v.SetDefault("publish.owner_default", `id="1146f3529acf9b3cbfc11dbddcd9b4424910c150b022e78558272d726525a30f"`)
	v.SetDefault("publish.read_grantee", `uri="http://acs.amazonaws.com/groups/global/AllUsers"`)
	v.SetDefault("stac.timeout_seconds", 60)
	v.SetDefault("history.table", "ingest_outcomes")
	// Empty defaults register the keys so AutomaticEnv overrides reach Unmarshal.
	for _, key := range []string{
		"storage.s3.endpoint", "stac.endpoint", "stac.username", "stac.password",
		"history.dsn", "notify.project_id", "notify.topic", "metrics.addr",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Source.RootURL == "" {
		return fmt.Errorf("source.root_url is required")
	}
	if c.Source.Keyword == "" {
		return fmt.Errorf("source.keyword is required")
	}
	if c.Source.MaxDepth <= 0 {
		return fmt.Errorf("source.max_depth must be > 0")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be > 0")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must be >= 0")
	}
	switch c.Storage.Provider {
	case "s3", "gcs", "local", "memory":
	default:
		return fmt.Errorf("storage.provider must be one of s3, gcs, local, memory; got %q", c.Storage.Provider)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Raster.EPSG <= 0 {
		return fmt.Errorf("raster.epsg must be > 0")
	}
	if c.Raster.Resolution <= 0 {
		return fmt.Errorf("raster.resolution must be > 0")
	}
	if !gdal.ValidResampling(c.Raster.Resampling) {
		return fmt.Errorf("raster.resampling %q is not one of %s", c.Raster.Resampling, strings.Join(gdal.ResamplingMethods, ", "))
	}
	if _, err := pipeline.ParseMarkPolicy(c.Ingest.MarkPolicy); err != nil {
		return fmt.Errorf("ingest.mark_policy: %w", err)
	}
	if _, err := ledger.ParseMatchMode(c.Ingest.MatchMode); err != nil {
		return fmt.Errorf("ingest.match_mode: %w", err)
	}
	if err := ValidateLevel(c.Publish.Level); err != nil {
		return err
	}
	if !strings.Contains(c.Publish.BucketTemplate, "%s") {
		return fmt.Errorf("publish.bucket_template must contain %%s")
	}
	if c.STAC.Endpoint != "" && c.STAC.TimeoutSeconds <= 0 {
		return fmt.Errorf("stac.timeout_seconds must be > 0")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// ValidateLevel rejects anything but prod, stage or dev.
func ValidateLevel(level string) error {
	for _, l := range Levels {
		if level == l {
			return nil
		}
	}
	return fmt.Errorf("level %q must be one of %s", level, strings.Join(Levels, ", "))
}

// SourceTimeout is the HTTP timeout for listings and downloads.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// STACTimeout is the HTTP timeout for registration calls.
func (c Config) STACTimeout() time.Duration {
	return time.Duration(c.STAC.TimeoutSeconds) * time.Second
}

// ReprojectOptions returns the configured warp parameters.
func (c Config) ReprojectOptions() pipeline.ReprojectOptions {
	return pipeline.ReprojectOptions{
		EPSG:       c.Raster.EPSG,
		Resolution: c.Raster.Resolution,
		Resampling: c.Raster.Resampling,
	}
}

// PublishBucket maps a level to its public bucket.
func (c Config) PublishBucket(level string) string {
	return fmt.Sprintf(c.Publish.BucketTemplate, level)
}

// AccessPolicy returns the public-read plus owner grant for level.
func (c Config) AccessPolicy(level string) *pipeline.AccessPolicy {
	owner := c.Publish.OwnerDefault
	if level == "prod" {
		owner = c.Publish.OwnerProd
	}
	return &pipeline.AccessPolicy{
		GrantRead:        c.Publish.ReadGrantee,
		GrantFullControl: owner,
	}
}

// splitList accepts both YAML lists and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
