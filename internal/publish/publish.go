// Package publish converts one resident raster into a COG and publishes it,
// with its thumbnail, metadata sidecar and legend, to the public catalog,
// then asks the STAC API to register it.
package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/metrics"
	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/product"
	"github.com/JakeFAU/river-ice-cog/internal/raster/gdal"
	"github.com/JakeFAU/river-ice-cog/internal/sidecar"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// Config describes the publication target.
type Config struct {
	Level      string
	Bucket     string
	Prefix     string
	FTPRoot    string
	LegendName string
	Policy     *pipeline.AccessPolicy
	Reproject  pipeline.ReprojectOptions
}

// Deps are the collaborators of a Publisher. Metrics is optional.
type Deps struct {
	Store       pipeline.ObjectStore
	Transformer pipeline.Transformer
	Thumbnails  pipeline.ThumbnailRenderer
	Registrar   pipeline.Registrar
	Clock       pipeline.Clock
	Metrics     *metrics.Recorder
}

// Result is the structured record of one publication. It is produced for
// every call, successful or not.
type Result struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	FailedStage pipeline.Stage     `json:"failed_stage,omitempty"`
	Kind        pipeline.ErrorKind `json:"kind,omitempty"`
	Error       string             `json:"error,omitempty"`

	Infile     string   `json:"infile"`
	COG        string   `json:"cog,omitempty"`
	Level      string   `json:"level"`
	Bucket     string   `json:"bucket"`
	ValidCOG   bool     `json:"valid_cog"`
	Validation []string `json:"validation,omitempty"`

	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	SidecarKey   string `json:"sidecar_key,omitempty"`
	LegendKey    string `json:"legend_key,omitempty"`
	COGKey       string `json:"cog_key,omitempty"`

	PublishedThumbnail bool `json:"published_thumbnail"`
	PublishedJSON      bool `json:"published_json"`
	PublishedLegend    bool `json:"published_legend"`
	PublishedCOG       bool `json:"published_cog"`
	PublishedSTAC      bool `json:"published_stac"`

	STAC   *pipeline.RegistrationResult `json:"stac,omitempty"`
	Stages []pipeline.StageResult       `json:"stages"`
}

// Publisher runs the single-item publication sequence.
type Publisher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates dependencies and builds a Publisher.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case deps.Thumbnails == nil:
		return nil, fmt.Errorf("thumbnail renderer is required")
	case deps.Registrar == nil:
		return nil, fmt.Errorf("stac registrar is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.LegendName == "" {
		cfg.LegendName = "riverice_legend.png"
	}
	return &Publisher{deps: deps, cfg: cfg, logger: logger.Named("publish")}, nil
}

type step struct {
	stage pipeline.Stage
	kind  pipeline.ErrorKind
	run   func(ctx context.Context, res *Result) error
}

// Publish runs every stage in order and stops at the first failure. Only a
// completed run reports the STAC success flag as Success.
func (p *Publisher) Publish(ctx context.Context, infile string) Result {
	res := Result{Infile: infile, Level: p.cfg.Level, Bucket: p.cfg.Bucket}
	logger := p.logger.With(zap.String("infile", infile), zap.String("level", p.cfg.Level))

	name, err := product.Parse(filepath.Base(infile))
	if err != nil {
		p.fail(&res, pipeline.StageTransform, pipeline.Fail(pipeline.StageTransform, pipeline.KindConfig, err))
		logger.Warn("publication aborted", zap.Error(err))
		return res
	}
	stem := strings.TrimSuffix(filepath.Base(infile), filepath.Ext(infile))

	var reprojected, thumbPath, sidecarPath string
	steps := []step{
		{pipeline.StageReproject, pipeline.KindTransform, func(ctx context.Context, _ *Result) error {
			var err error
			reprojected, err = p.deps.Transformer.Reproject(ctx, infile, p.cfg.Reproject)
			return err
		}},
		{pipeline.StageTransform, pipeline.KindTransform, func(ctx context.Context, res *Result) error {
			res.COG = gdal.COGPath(infile)
			v, err := p.deps.Transformer.EncodeCOG(ctx, reprojected, res.COG, name.TIFFDateTime())
			if err != nil {
				return err
			}
			res.ValidCOG = v.Valid
			res.Validation = v.Messages
			if !v.Valid {
				return pipeline.Fail(pipeline.StageTransform, pipeline.KindInvalidCOG,
					fmt.Errorf("cog is invalid: %s", strings.Join(v.Messages, "; ")))
			}
			return nil
		}},
		{pipeline.StageThumbnail, pipeline.KindArtifact, func(ctx context.Context, _ *Result) error {
			var err error
			thumbPath, err = p.deps.Thumbnails.Thumbnail(ctx, infile)
			return err
		}},
		{pipeline.StageSidecar, pipeline.KindArtifact, func(context.Context, *Result) error {
			var err error
			sidecarPath, err = sidecar.Write(filepath.Dir(infile), stem, name.SourceURL(p.cfg.FTPRoot))
			return err
		}},
		{pipeline.StagePublish, pipeline.KindPublish, func(ctx context.Context, res *Result) error {
			res.ThumbnailKey = storage.Key(p.cfg.Prefix, filepath.Base(thumbPath))
			err := p.upload(ctx, "thumbnail", res.ThumbnailKey, thumbPath)
			res.PublishedThumbnail = err == nil
			return err
		}},
		{pipeline.StagePublish, pipeline.KindPublish, func(ctx context.Context, res *Result) error {
			res.SidecarKey = storage.Key(p.cfg.Prefix, filepath.Base(sidecarPath))
			err := p.upload(ctx, "json", res.SidecarKey, sidecarPath)
			res.PublishedJSON = err == nil
			return err
		}},
		{pipeline.StageLegend, pipeline.KindArtifact, func(ctx context.Context, res *Result) error {
			key, err := p.Legend(ctx, stem)
			res.LegendKey = key
			res.PublishedLegend = err == nil
			return err
		}},
		{pipeline.StagePublish, pipeline.KindPublish, func(ctx context.Context, res *Result) error {
			res.COGKey = storage.Key(p.cfg.Prefix, stem+".tif")
			err := p.upload(ctx, "cog", res.COGKey, res.COG)
			res.PublishedCOG = err == nil
			return err
		}},
		{pipeline.StageSTAC, pipeline.KindSTAC, func(ctx context.Context, res *Result) error {
			reg, err := p.deps.Registrar.Register(ctx, stem, p.cfg.Level)
			if err != nil {
				return err
			}
			res.STAC = &reg
			res.PublishedSTAC = reg.Success
			return nil
		}},
	}

	for _, s := range steps {
		started := p.deps.Clock.Now()
		err := s.run(ctx, &res)
		if err != nil && pipeline.KindOf(err, pipeline.KindNone) == pipeline.KindNone {
			err = pipeline.Fail(s.stage, s.kind, err)
		}
		dur := p.deps.Clock.Now().Sub(started)
		res.Stages = append(res.Stages, stageResult(s.stage, dur, err))
		p.deps.Metrics.ObserveStage(string(s.stage), string(pipeline.KindOf(err, s.kind)), dur, err != nil)
		if err != nil {
			p.fail(&res, s.stage, err)
			logger.Warn("publication stopped", zap.String("stage", string(s.stage)), zap.Error(err))
			return res
		}
	}

	res.Success = res.STAC != nil && res.STAC.Success
	res.Message = "Published COG and STAC"
	if !res.Success {
		res.Message = "Published COG, STAC registration reported failure"
	}
	logger.Info("publication finished",
		zap.Bool("success", res.Success),
		zap.String("cog_key", res.COGKey),
	)
	return res
}

// Legend copies the shared legend image to <prefix><stem>_legend.png under
// the access policy and returns the new key.
func (p *Publisher) Legend(ctx context.Context, stem string) (string, error) {
	src := storage.Key(p.cfg.Prefix, p.cfg.LegendName)
	dst := storage.Key(p.cfg.Prefix, stem+"_legend"+filepath.Ext(p.cfg.LegendName))
	err := p.deps.Store.Copy(ctx, p.cfg.Bucket, src, p.cfg.Bucket, dst, p.cfg.Policy)
	p.deps.Metrics.ObserveUpload("legend", err)
	if err != nil {
		return dst, fmt.Errorf("copy legend: %w", err)
	}
	return dst, nil
}

func (p *Publisher) upload(ctx context.Context, artifact, key, localPath string) error {
	err := p.deps.Store.PutFile(ctx, p.cfg.Bucket, key, localPath, p.cfg.Policy)
	p.deps.Metrics.ObserveUpload(artifact, err)
	if err != nil {
		return fmt.Errorf("upload %s: %w", artifact, err)
	}
	return nil
}

func (p *Publisher) fail(res *Result, stage pipeline.Stage, err error) {
	res.Success = false
	res.FailedStage = stage
	res.Kind = pipeline.KindOf(err, pipeline.KindNone)
	res.Error = err.Error()
	res.Message = failureMessage(stage, res)
}

func failureMessage(stage pipeline.Stage, res *Result) string {
	switch stage {
	case pipeline.StageTransform:
		if res.Kind == pipeline.KindInvalidCOG {
			return "COG is invalid"
		}
		return "COG has not been created"
	case pipeline.StageReproject:
		return "Raster has not been reprojected"
	case pipeline.StageThumbnail:
		return "Thumbnail has not been created"
	case pipeline.StageSidecar:
		return "JSON file has not been created"
	case pipeline.StageLegend:
		return "The PNG legend file has NOT been created"
	case pipeline.StageSTAC:
		return "STAC registration failed"
	case pipeline.StagePublish:
		switch {
		case res.ThumbnailKey != "" && !res.PublishedThumbnail:
			return "Thumbnail has not been published"
		case res.SidecarKey != "" && !res.PublishedJSON:
			return "The JSON file has not been published"
		default:
			return "The COG has not been published"
		}
	}
	return string(stage) + " failed"
}

func stageResult(stage pipeline.Stage, dur time.Duration, err error) pipeline.StageResult {
	sr := pipeline.StageResult{Stage: stage, OK: err == nil, Duration: dur}
	if err != nil {
		sr.Kind = pipeline.KindOf(err, pipeline.KindNone)
		sr.Error = err.Error()
	}
	return sr
}
