// Package gdal drives the GDAL command-line utilities to reproject rasters,
// encode Cloud-Optimized GeoTIFFs and render thumbnails.
package gdal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
)

const (
	// ThumbnailWidth is the fixed width of rendered thumbnails in pixels.
	ThumbnailWidth = 600
	// COGBlockSize is the internal tile size written into every COG.
	COGBlockSize = 512
)

// ResamplingMethods lists the warp resampling algorithms accepted by gdalwarp.
var ResamplingMethods = []string{
	"near", "bilinear", "cubic", "cubicspline", "lanczos", "average", "rms",
	"mode", "max", "min", "med", "q1", "q3", "sum",
}

// ValidResampling reports whether method is a supported warp algorithm.
func ValidResampling(method string) bool {
	for _, m := range ResamplingMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner. Stderr is folded into the returned error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // binaries come from configuration
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// Config names the GDAL binaries.
type Config struct {
	Warp      string
	Translate string
	Info      string
}

func (c Config) withDefaults() Config {
	if c.Warp == "" {
		c.Warp = "gdalwarp"
	}
	if c.Translate == "" {
		c.Translate = "gdal_translate"
	}
	if c.Info == "" {
		c.Info = "gdalinfo"
	}
	return c
}

// Tool implements pipeline.Transformer and pipeline.ThumbnailRenderer.
type Tool struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// New builds a Tool. A nil runner uses ExecRunner.
func New(cfg Config, runner Runner, logger *zap.Logger) *Tool {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{cfg: cfg.withDefaults(), runner: runner, logger: logger.Named("gdal")}
}

// Check verifies the GDAL binaries can be executed.
func (t *Tool) Check(ctx context.Context) error {
	out, err := t.runner.Run(ctx, t.cfg.Info, "--version")
	if err != nil {
		return fmt.Errorf("gdal unavailable: %w", err)
	}
	t.logger.Debug("gdal available", zap.String("version", strings.TrimSpace(string(out))))
	return nil
}

// ReprojectedPath is where Reproject writes its output for input.
func ReprojectedPath(input string) string {
	return withSuffix(input, "_reprj.tif")
}

// COGPath is the local path used for the encoded COG of input.
func COGPath(input string) string {
	return withSuffix(input, "_cog.tif")
}

// ThumbnailPath is the local path of the thumbnail rendered for input.
func ThumbnailPath(input string) string {
	return withSuffix(input, "_thumb.png")
}

func withSuffix(input, suffix string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + suffix
}

// Reproject warps input to opts.EPSG at opts.Resolution.
func (t *Tool) Reproject(ctx context.Context, input string, opts pipeline.ReprojectOptions) (string, error) {
	if opts.EPSG <= 0 {
		return "", fmt.Errorf("invalid EPSG code %d", opts.EPSG)
	}
	if opts.Resolution <= 0 {
		return "", fmt.Errorf("invalid resolution %v", opts.Resolution)
	}
	method := opts.Resampling
	if method == "" {
		method = "near"
	}
	if !ValidResampling(method) {
		return "", fmt.Errorf("unsupported resampling method %q", method)
	}
	output := ReprojectedPath(input)
	res := strconv.FormatFloat(opts.Resolution, 'f', -1, 64)
	args := []string{
		"-overwrite",
		"-of", "GTiff",
		"-t_srs", fmt.Sprintf("EPSG:%d", opts.EPSG),
		"-tr", res, res,
		"-r", method,
		input, output,
	}
	if _, err := t.runner.Run(ctx, t.cfg.Warp, args...); err != nil {
		return "", fmt.Errorf("reproject %s: %w", filepath.Base(input), err)
	}
	t.logger.Debug("reprojected", zap.String("input", input), zap.String("output", output))
	return output, nil
}

// EncodeCOG translates input into a LZW-compressed COG with 512px tiles,
// tags it with datetime and validates the result.
func (t *Tool) EncodeCOG(ctx context.Context, input, output, datetime string) (pipeline.COGValidation, error) {
	args := []string{
		"-of", "COG",
		"-co", "COMPRESS=LZW",
		"-co", fmt.Sprintf("BLOCKSIZE=%d", COGBlockSize),
	}
	if datetime != "" {
		args = append(args, "-mo", "TIFFTAG_DATETIME="+datetime)
	}
	args = append(args, input, output)
	if _, err := t.runner.Run(ctx, t.cfg.Translate, args...); err != nil {
		return pipeline.COGValidation{}, fmt.Errorf("encode cog %s: %w", filepath.Base(input), err)
	}
	info, err := t.info(ctx, output)
	if err != nil {
		return pipeline.COGValidation{}, err
	}
	v := Validate(info, datetime)
	t.logger.Debug("cog encoded",
		zap.String("output", output),
		zap.Bool("valid", v.Valid),
		zap.Strings("messages", v.Messages),
	)
	return v, nil
}

// Thumbnail renders a PNG 600px wide, keeping the aspect ratio but never
// taller than 600px.
func (t *Tool) Thumbnail(ctx context.Context, input string) (string, error) {
	info, err := t.info(ctx, input)
	if err != nil {
		return "", err
	}
	if len(info.Size) != 2 || info.Size[0] <= 0 || info.Size[1] <= 0 {
		return "", fmt.Errorf("thumbnail %s: raster has no size", filepath.Base(input))
	}
	height := ThumbnailHeight(info.Size[0], info.Size[1])
	output := ThumbnailPath(input)
	args := []string{
		"-of", "PNG",
		"-outsize", strconv.Itoa(ThumbnailWidth), strconv.Itoa(height),
		input, output,
	}
	if _, err := t.runner.Run(ctx, t.cfg.Translate, args...); err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", filepath.Base(input), err)
	}
	return output, nil
}

// ThumbnailHeight scales height to the fixed thumbnail width, capped at the width.
func ThumbnailHeight(width, height int) int {
	h := int(math.Ceil(float64(ThumbnailWidth) * float64(height) / float64(width)))
	if h > ThumbnailWidth {
		h = ThumbnailWidth
	}
	if h < 1 {
		h = 1
	}
	return h
}

// Info is the subset of `gdalinfo -json` the package reads.
type Info struct {
	Size     []int                        `json:"size"`
	Metadata map[string]map[string]string `json:"metadata"`
	Bands    []struct {
		Block     []int             `json:"block"`
		Overviews []json.RawMessage `json:"overviews"`
	} `json:"bands"`
}

func (t *Tool) info(ctx context.Context, path string) (Info, error) {
	out, err := t.runner.Run(ctx, t.cfg.Info, "-json", path)
	if err != nil {
		return Info{}, fmt.Errorf("gdalinfo %s: %w", filepath.Base(path), err)
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("decode gdalinfo %s: %w", filepath.Base(path), err)
	}
	return info, nil
}

// ErrNotCOG is the validation message when the layout is not COG.
var ErrNotCOG = errors.New("file is not laid out as a cloud optimized GeoTIFF")

// Validate inspects gdalinfo output. The layout check decides validity;
// the remaining checks only add messages.
func Validate(info Info, datetime string) pipeline.COGValidation {
	var v pipeline.COGValidation
	structure := info.Metadata["IMAGE_STRUCTURE"]
	if structure["LAYOUT"] != "COG" {
		v.Messages = append(v.Messages, ErrNotCOG.Error())
	} else {
		v.Valid = true
	}
	if c := structure["COMPRESSION"]; c != "" && c != "LZW" {
		v.Messages = append(v.Messages, fmt.Sprintf("compression is %s, expected LZW", c))
	}
	for i, b := range info.Bands {
		if len(b.Block) == 2 && (b.Block[0] != COGBlockSize || b.Block[1] != COGBlockSize) {
			v.Messages = append(v.Messages, fmt.Sprintf("band %d block size %dx%d, expected %dx%d",
				i+1, b.Block[0], b.Block[1], COGBlockSize, COGBlockSize))
		}
		if len(info.Size) == 2 && (info.Size[0] > COGBlockSize || info.Size[1] > COGBlockSize) && len(b.Overviews) == 0 {
			v.Messages = append(v.Messages, fmt.Sprintf("band %d has no overviews", i+1))
		}
	}
	if datetime != "" && info.Metadata[""]["TIFFTAG_DATETIME"] != datetime {
		v.Messages = append(v.Messages, "TIFFTAG_DATETIME missing or different")
	}
	return v
}
