// Package ingest drives discovered archives through fetch, locate, transform
// and publish, tracking processed URLs in the catalog's processing log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/archive"
	"github.com/JakeFAU/river-ice-cog/internal/ledger"
	"github.com/JakeFAU/river-ice-cog/internal/metrics"
	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/report"
)

// ErrInvalidRoot is returned when the source root URL cannot be used.
var ErrInvalidRoot = errors.New("invalid source root url")

// Discoverer lists archive items for a year.
type Discoverer interface {
	Discover(ctx context.Context, year string) ([]pipeline.SourceItem, error)
}

// Archives downloads, extracts and removes archives in scratch.
type Archives interface {
	FetchExtract(ctx context.Context, url string) (archive.Fetched, error)
	Cleanup(f archive.Fetched) error
}

// Config controls one orchestrator.
type Config struct {
	RootURL      string
	Bucket       string
	Folder       string
	Keyword      string
	RasterSuffix string
	Reproject    pipeline.ReprojectOptions
	MarkPolicy   pipeline.MarkPolicy
	MatchMode    ledger.MatchMode
	Cleanup      bool
	// Topic receives an item-published event when a Notifier is set.
	Topic string
}

// Deps are the collaborators of the orchestrator. Outcomes, Notifier and
// Metrics are optional.
type Deps struct {
	Store       pipeline.ObjectStore
	Discoverer  Discoverer
	Archives    Archives
	Transformer pipeline.Transformer
	Hasher      pipeline.Hasher
	Clock       pipeline.Clock
	IDs         pipeline.IDGenerator
	Outcomes    pipeline.OutcomeStore
	Notifier    pipeline.Notifier
	Metrics     *metrics.Recorder
}

// Orchestrator runs ingestion batches. Runs must not overlap on the same
// processing log; the orchestrator does not lock the remote object.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	last *report.Report
}

// runState owns every accumulator of one run.
type runState struct {
	runID  string
	log    *ledger.Log
	report *report.Report
}

// New validates configuration and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.RootURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoot, cfg.RootURL)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Keyword == "" {
		return nil, fmt.Errorf("keyword is required")
	}
	if cfg.RasterSuffix == "" {
		cfg.RasterSuffix = ".tif"
	}
	if cfg.MarkPolicy == "" {
		cfg.MarkPolicy = pipeline.MarkSucceeded
	}
	if cfg.MatchMode == "" {
		cfg.MatchMode = ledger.MatchSubstring
	}
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Discoverer == nil:
		return nil, fmt.Errorf("discoverer is required")
	case deps.Archives == nil:
		return nil, fmt.Errorf("archive manager is required")
	case deps.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("ingest")}, nil
}

// Run processes years in the given order and returns the run report. The
// report is written to the catalog even when ctx is canceled mid-run; the
// returned error is then ctx.Err(). Item failures are recorded in the
// report, never returned.
func (o *Orchestrator) Run(ctx context.Context, years []string) (*report.Report, error) {
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	log, err := ledger.Load(ctx, o.deps.Store, o.cfg.Bucket, o.cfg.Folder, o.cfg.MatchMode, nil)
	if err != nil {
		return nil, err
	}
	st := &runState{runID: runID, log: log, report: report.New(runID, o.deps.Clock.Now())}
	o.logger.Info("ingest run started",
		zap.String("run_id", runID),
		zap.Strings("years", years),
		zap.String("mark_policy", string(o.cfg.MarkPolicy)),
	)

	for _, year := range years {
		if ctx.Err() != nil {
			break
		}
		o.runYear(ctx, st, year)
	}
	// Retry appends whose per-year flush failed.
	if st.log.Dirty() {
		if err := o.flushLog(ctx, st); err != nil {
			o.logger.Error("processing log still not flushed, logged items will be reprocessed next run",
				zap.String("run_id", runID), zap.Error(err))
		}
	}

	st.report.Finish(o.deps.Clock.Now())
	o.setLast(st.report)

	// The report is written unconditionally, including after cancellation.
	if err := report.Write(context.WithoutCancel(ctx), o.deps.Store, o.cfg.Bucket, o.cfg.Folder, st.report, nil); err != nil {
		o.logger.Error("run report not written", zap.String("run_id", runID), zap.Error(err))
		return st.report, err
	}
	summary := st.report.Summary()
	o.logger.Info("ingest run finished",
		zap.String("run_id", runID),
		zap.Any("outcomes", summary.Outcomes),
		zap.Int("invalid_cog", summary.InvalidCOG),
		zap.Int("logged", len(st.log.Added())),
	)
	if err := ctx.Err(); err != nil {
		return st.report, fmt.Errorf("ingest run interrupted: %w", err)
	}
	return st.report, nil
}

func (o *Orchestrator) runYear(ctx context.Context, st *runState, year string) {
	logger := o.logger.With(zap.String("run_id", st.runID), zap.String("year", year))

	started := o.deps.Clock.Now()
	items, err := o.deps.Discoverer.Discover(ctx, year)
	o.deps.Metrics.ObserveStage(string(pipeline.StageDiscover), string(pipeline.KindDiscovery),
		o.deps.Clock.Now().Sub(started), err != nil)
	if err != nil {
		logger.Error("discovery failed, skipping year", zap.Error(err))
		st.report.AddYearError(year, pipeline.Fail(pipeline.StageDiscover, pipeline.KindDiscovery, err))
		return
	}
	st.report.AddDiscovered(year, len(items))
	o.deps.Metrics.ObserveDiscovered(year, len(items))
	logger.Info("links discovered", zap.Int("count", len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res := o.processItem(ctx, st, item)
		o.finishItem(ctx, st, res)
	}

	if !st.log.Dirty() {
		return
	}
	if err := o.flushLog(ctx, st); err != nil {
		// Appends stay in memory and go out with the next flush.
		logger.Error("processing log flush failed", zap.Error(err))
		st.report.AddYearError(year, pipeline.Fail(pipeline.StageLog, pipeline.KindPublish, err))
		return
	}
	logger.Info("processing log flushed", zap.String("key", st.log.Key()))
}

func (o *Orchestrator) flushLog(ctx context.Context, st *runState) error {
	err := st.log.Flush(context.WithoutCancel(ctx))
	o.deps.Metrics.ObserveLogFlush(err)
	return err
}

// finishItem records a terminal item everywhere it is observed.
func (o *Orchestrator) finishItem(ctx context.Context, st *runState, res pipeline.ItemResult) {
	st.report.Add(res)
	o.deps.Metrics.ObserveItem(string(res.Outcome))
	for _, sr := range res.Stages {
		o.deps.Metrics.ObserveStage(string(sr.Stage), string(sr.Kind), sr.Duration, !sr.OK)
	}
	if res.Outcome == pipeline.OutcomeSkipped || o.deps.Outcomes == nil {
		return
	}
	rec := pipeline.OutcomeRecord{
		RunID:         st.runID,
		URL:           res.Item.URL,
		Year:          res.Item.Year,
		Outcome:       res.Outcome,
		FailedStage:   res.FailedStage,
		Kind:          res.Kind,
		Message:       res.Message,
		ValidCOG:      res.ValidCOG,
		ArchiveSHA256: res.ArchiveSHA256,
		RecordedAt:    o.deps.Clock.Now(),
	}
	if err := o.deps.Outcomes.RecordOutcome(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("outcome history write failed", zap.String("url", res.Item.URL), zap.Error(err))
	}
}

// LastRun returns the summary of the most recent run, if any.
func (o *Orchestrator) LastRun() (report.Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return report.Summary{}, false
	}
	return o.last.Summary(), true
}

func (o *Orchestrator) setLast(r *report.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = r
}
