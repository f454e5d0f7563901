package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/archive"
	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/product"
	"github.com/JakeFAU/river-ice-cog/internal/raster/gdal"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// ItemPublished is the notification sent after an item's archive and COG
// were both uploaded.
type ItemPublished struct {
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	COGKey    string    `json:"cog_key"`
	ZipKey    string    `json:"zip_key"`
	ValidCOG  bool      `json:"valid_cog"`
	Timestamp time.Time `json:"timestamp"`
}

// processItem moves one item to a terminal state. It never returns an error;
// failures land in the result.
func (o *Orchestrator) processItem(ctx context.Context, st *runState, item pipeline.SourceItem) pipeline.ItemResult {
	res := pipeline.ItemResult{Item: item}
	logger := o.logger.With(zap.String("run_id", st.runID), zap.String("url", item.URL))

	started := o.deps.Clock.Now()
	if st.log.Contains(item.URL) {
		res.Outcome = pipeline.OutcomeSkipped
		res.Record(pipeline.StageFilter, started, o.deps.Clock.Now(), nil)
		logger.Debug("already processed, skipping")
		return res
	}
	res.Record(pipeline.StageFilter, started, o.deps.Clock.Now(), nil)

	started = o.deps.Clock.Now()
	fetched, err := o.deps.Archives.FetchExtract(ctx, item.URL)
	if err != nil {
		err = pipeline.Fail(pipeline.StageFetch, pipeline.KindFetch, err)
		res.Record(pipeline.StageFetch, started, o.deps.Clock.Now(), err)
		res.Fail(pipeline.StageFetch, err)
		logger.Warn("fetch failed, item left for the next run", zap.Error(err))
		return res
	}
	res.Record(pipeline.StageFetch, started, o.deps.Clock.Now(), nil)
	o.deps.Metrics.ObserveFetch(item.URL, fetched.Bytes)
	if o.cfg.Cleanup {
		defer func() {
			if err := o.deps.Archives.Cleanup(fetched); err != nil {
				logger.Warn("scratch cleanup failed", zap.Error(err))
			}
		}()
	}
	if sum, err := o.deps.Hasher.HashFile(fetched.ArchivePath); err != nil {
		logger.Warn("archive checksum failed", zap.Error(err))
	} else {
		res.ArchiveSHA256 = sum
	}

	started = o.deps.Clock.Now()
	asset, err := o.locate(fetched.ExtractDir)
	res.Record(pipeline.StageLocate, started, o.deps.Clock.Now(), err)
	if err != nil {
		res.Fail(pipeline.StageLocate, err)
		logger.Warn("no raster located", zap.Error(err))
		return res
	}

	cogPath, stage, err := o.transform(ctx, &res, item, asset)
	if err != nil {
		res.Fail(stage, err)
		logger.Warn("transform failed", zap.String("stage", string(stage)), zap.Error(err))
		if o.cfg.MarkPolicy == pipeline.MarkAttempted {
			res.Outcome = pipeline.OutcomeAttempted
			o.mark(st, &res)
		}
		return res
	}

	zipKey := storage.Key(storage.Key(o.cfg.Folder, "zip/"), item.ArchiveName())
	cogKey := storage.Key(storage.Key(o.cfg.Folder, "cog/"), asset.Name)
	if err := o.publish(ctx, &res, fetched.ArchivePath, zipKey, cogPath, cogKey); err != nil {
		logger.Warn("publish incomplete", zap.Error(err))
		if o.cfg.MarkPolicy != pipeline.MarkAttempted {
			res.Fail(pipeline.StagePublish, err)
			return res
		}
		res.Fail(pipeline.StagePublish, err)
		res.Outcome = pipeline.OutcomeAttempted
		o.mark(st, &res)
		return res
	}

	o.mark(st, &res)
	res.Outcome = pipeline.OutcomeLogged
	o.notify(ctx, st, &res, cogKey, zipKey)
	logger.Info("item ingested",
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("valid_cog", res.ValidCOG),
		zap.String("cog_key", cogKey),
	)
	return res
}

func (o *Orchestrator) locate(dir string) (archive.Asset, error) {
	assets, err := archive.Locate(dir, o.cfg.Keyword, o.cfg.RasterSuffix)
	if err != nil {
		return archive.Asset{}, pipeline.Fail(pipeline.StageLocate, pipeline.KindFetch, err)
	}
	if len(assets) == 0 {
		return archive.Asset{}, pipeline.Fail(pipeline.StageLocate, pipeline.KindLocateEmpty,
			fmt.Errorf("no %s file containing %q in %s", o.cfg.RasterSuffix, o.cfg.Keyword, dir))
	}
	return assets[0], nil
}

// transform reprojects and encodes the asset. A COG that fails validation is
// reported as a KindInvalidCOG error.
func (o *Orchestrator) transform(
	ctx context.Context,
	res *pipeline.ItemResult,
	item pipeline.SourceItem,
	asset archive.Asset,
) (string, pipeline.Stage, error) {
	started := o.deps.Clock.Now()
	datetime, err := product.TIFFDateTime(item.ArchiveName())
	if err != nil {
		err = pipeline.Fail(pipeline.StageTransform, pipeline.KindTransform, err)
		res.Record(pipeline.StageTransform, started, o.deps.Clock.Now(), err)
		return "", pipeline.StageTransform, err
	}

	reprojected, err := o.deps.Transformer.Reproject(ctx, asset.Path, o.cfg.Reproject)
	if err != nil {
		err = pipeline.Fail(pipeline.StageReproject, pipeline.KindTransform, err)
		res.Record(pipeline.StageReproject, started, o.deps.Clock.Now(), err)
		return "", pipeline.StageReproject, err
	}
	res.Record(pipeline.StageReproject, started, o.deps.Clock.Now(), nil)

	started = o.deps.Clock.Now()
	cogPath := gdal.COGPath(asset.Path)
	validation, err := o.deps.Transformer.EncodeCOG(ctx, reprojected, cogPath, datetime)
	if err != nil {
		err = pipeline.Fail(pipeline.StageTransform, pipeline.KindTransform, err)
		res.Record(pipeline.StageTransform, started, o.deps.Clock.Now(), err)
		return "", pipeline.StageTransform, err
	}
	res.ValidCOG = validation.Valid
	res.Validation = validation.Messages
	if !validation.Valid {
		err = pipeline.Fail(pipeline.StageTransform, pipeline.KindInvalidCOG,
			errors.New(strings.Join(validation.Messages, "; ")))
		res.Record(pipeline.StageTransform, started, o.deps.Clock.Now(), err)
		return "", pipeline.StageTransform, err
	}
	res.Record(pipeline.StageTransform, started, o.deps.Clock.Now(), nil)
	return cogPath, "", nil
}

// publish uploads the archive and the COG independently. Neither is retried
// and a failure of one does not undo the other.
func (o *Orchestrator) publish(
	ctx context.Context,
	res *pipeline.ItemResult,
	archivePath, zipKey, cogPath, cogKey string,
) error {
	started := o.deps.Clock.Now()

	zipErr := o.deps.Store.PutFile(ctx, o.cfg.Bucket, zipKey, archivePath, nil)
	o.deps.Metrics.ObserveUpload("zip", zipErr)
	res.PublishedZip = zipErr == nil
	if zipErr != nil {
		res.ZipError = zipErr.Error()
	}

	cogErr := o.deps.Store.PutFile(ctx, o.cfg.Bucket, cogKey, cogPath, nil)
	o.deps.Metrics.ObserveUpload("cog", cogErr)
	res.PublishedCOG = cogErr == nil
	if cogErr != nil {
		res.COGError = cogErr.Error()
	}

	var err error
	if joined := errors.Join(zipErr, cogErr); joined != nil {
		err = pipeline.Fail(pipeline.StagePublish, pipeline.KindPublish, joined)
	}
	res.Record(pipeline.StagePublish, started, o.deps.Clock.Now(), err)
	return err
}

func (o *Orchestrator) mark(st *runState, res *pipeline.ItemResult) {
	started := o.deps.Clock.Now()
	st.log.Append(res.Item.URL)
	res.Record(pipeline.StageLog, started, o.deps.Clock.Now(), nil)
}

func (o *Orchestrator) notify(ctx context.Context, st *runState, res *pipeline.ItemResult, cogKey, zipKey string) {
	if o.deps.Notifier == nil || o.cfg.Topic == "" {
		return
	}
	event := ItemPublished{
		RunID:     st.runID,
		URL:       res.Item.URL,
		COGKey:    cogKey,
		ZipKey:    zipKey,
		ValidCOG:  res.ValidCOG,
		Timestamp: o.deps.Clock.Now(),
	}
	if _, err := o.deps.Notifier.Publish(ctx, o.cfg.Topic, event); err != nil {
		o.logger.Warn("item notification failed", zap.String("url", res.Item.URL), zap.Error(err))
	}
}
