// Package pipeline defines the core types shared across the ingestion and
// publication subsystems.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Stage names one step of the per-item state machine.
type Stage string

// Stages in the order an item moves through them.
const (
	StageDiscover  Stage = "discover"
	StageFilter    Stage = "filter"
	StageFetch     Stage = "fetch"
	StageLocate    Stage = "locate"
	StageReproject Stage = "reproject"
	StageTransform Stage = "transform"
	StageThumbnail Stage = "thumbnail"
	StageSidecar   Stage = "sidecar"
	StageLegend    Stage = "legend"
	StagePublish   Stage = "publish"
	StageSTAC      Stage = "stac"
	StageLog       Stage = "log"
)

// ErrorKind classifies why a stage failed.
type ErrorKind string

// Error kinds reported in stage results.
const (
	KindNone        ErrorKind = ""
	KindDiscovery   ErrorKind = "discovery"
	KindFetch       ErrorKind = "fetch"
	KindLocateEmpty ErrorKind = "locate_empty"
	KindTransform   ErrorKind = "transform"
	KindInvalidCOG  ErrorKind = "invalid_cog"
	KindArtifact    ErrorKind = "artifact"
	KindPublish     ErrorKind = "publish"
	KindSTAC        ErrorKind = "stac"
	KindConfig      ErrorKind = "config"
)

// Outcome is the terminal state of one item in a run.
type Outcome string

// Item outcomes recorded in the run report.
const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeLogged    Outcome = "logged"
	OutcomeFailed    Outcome = "failed"
	OutcomeAttempted Outcome = "attempted"
)

// MarkPolicy decides when an item is written to the processing log.
type MarkPolicy string

// Supported mark policies.
const (
	// MarkSucceeded logs an item only after its COG and archive were published.
	MarkSucceeded MarkPolicy = "succeeded"
	// MarkAttempted logs every item that reached the transform stage, whatever
	// the transform and publish outcome. Failed transforms are never uploaded.
	MarkAttempted MarkPolicy = "attempted"
)

// ParseMarkPolicy validates a configured policy string.
func ParseMarkPolicy(s string) (MarkPolicy, error) {
	switch MarkPolicy(s) {
	case MarkSucceeded, MarkAttempted:
		return MarkPolicy(s), nil
	case "":
		return MarkSucceeded, nil
	default:
		return "", fmt.Errorf("unknown mark policy %q", s)
	}
}

// StageError carries the kind of a stage failure alongside the cause.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fail wraps err into a StageError.
func Fail(stage Stage, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind of err, or fallback when err carries none.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return fallback
}

// StageResult is the uniform record every stage reports.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	OK       bool          `json:"ok"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SourceItem is one discoverable archive.
type SourceItem struct {
	URL      string `json:"url"`
	Year     string `json:"year"`
	Keyword  string `json:"keyword"`
	Country  string `json:"country"`
	Province string `json:"province"`
}

// ArchiveName returns the last path segment of the item URL.
func (s SourceItem) ArchiveName() string {
	for i := len(s.URL) - 1; i >= 0; i-- {
		if s.URL[i] == '/' {
			return s.URL[i+1:]
		}
	}
	return s.URL
}

// ItemResult summarizes one item's trip through the orchestrator.
type ItemResult struct {
	Item          SourceItem    `json:"item"`
	Outcome       Outcome       `json:"outcome"`
	FailedStage   Stage         `json:"failed_stage,omitempty"`
	Kind          ErrorKind     `json:"kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	ValidCOG      bool          `json:"valid_cog"`
	Validation    []string      `json:"validation,omitempty"`
	ArchiveSHA256 string        `json:"archive_sha256,omitempty"`
	PublishedZip  bool          `json:"published_zip"`
	PublishedCOG  bool          `json:"published_cog"`
	ZipError      string        `json:"zip_error,omitempty"`
	COGError      string        `json:"cog_error,omitempty"`
	Stages        []StageResult `json:"stages"`
}

// Record appends a stage result, filling failure fields from err.
func (r *ItemResult) Record(stage Stage, started time.Time, now time.Time, err error) {
	res := StageResult{Stage: stage, OK: err == nil, Duration: now.Sub(started)}
	if err != nil {
		res.Kind = KindOf(err, KindNone)
		res.Error = err.Error()
	}
	r.Stages = append(r.Stages, res)
}

// Fail marks the item failed at stage.
func (r *ItemResult) Fail(stage Stage, err error) {
	r.Outcome = OutcomeFailed
	r.FailedStage = stage
	r.Kind = KindOf(err, KindNone)
	r.Message = err.Error()
}

// AccessPolicy is the grant pair applied to every published object.
type AccessPolicy struct {
	// GrantRead is the grantee given read access, e.g. the AllUsers group URI.
	GrantRead string
	// GrantFullControl is the owner identity given full control.
	GrantFullControl string
}

// ReprojectOptions controls the warp step.
type ReprojectOptions struct {
	EPSG       int
	Resolution float64
	Resampling string
}

// COGValidation is the structural verdict for an encoded COG.
type COGValidation struct {
	Valid    bool     `json:"valid"`
	Messages []string `json:"messages,omitempty"`
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OutcomeRecord is persisted for each terminal item when history is enabled.
type OutcomeRecord struct {
	RunID         string
	URL           string
	Year          string
	Outcome       Outcome
	FailedStage   Stage
	Kind          ErrorKind
	Message       string
	ValidCOG      bool
	ArchiveSHA256 string
	RecordedAt    time.Time
}
