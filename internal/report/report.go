// Package report accumulates per-item outcomes of one ingestion run and
// renders them as the lastRun.txt object.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// FileName is the object name of the report inside the catalog folder.
const FileName = "lastRun.txt"

// YearError records a discovery failure that skipped a whole year.
type YearError struct {
	Year    string `json:"year"`
	Message string `json:"message"`
}

// Report is the accumulator for one run.
type Report struct {
	mu         sync.RWMutex
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	items      []pipeline.ItemResult
	yearErrors []YearError
	discovered map[string]int
}

// New starts a report for runID.
func New(runID string, startedAt time.Time) *Report {
	return &Report{runID: runID, startedAt: startedAt, discovered: make(map[string]int)}
}

// Add records a terminal item.
func (r *Report) Add(item pipeline.ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

// AddDiscovered notes how many links a year produced.
func (r *Report) AddDiscovered(year string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[year] += n
}

// AddYearError notes a year whose discovery failed.
func (r *Report) AddYearError(year string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.yearErrors = append(r.yearErrors, YearError{Year: year, Message: err.Error()})
}

// Finish stamps the end time.
func (r *Report) Finish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = at
}

// Items returns a copy of the recorded items.
func (r *Report) Items() []pipeline.ItemResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]pipeline.ItemResult(nil), r.items...)
}

// Summary is the JSON view served by the ops API.
type Summary struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at,omitempty"`
	Discovered map[string]int           `json:"discovered"`
	Outcomes   map[pipeline.Outcome]int `json:"outcomes"`
	InvalidCOG int                      `json:"invalid_cog"`
	YearErrors []YearError              `json:"year_errors,omitempty"`
	Failures   []pipeline.ItemResult    `json:"failures,omitempty"`
}

// Summary aggregates the report.
func (r *Report) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		RunID:      r.runID,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Discovered: make(map[string]int, len(r.discovered)),
		Outcomes:   make(map[pipeline.Outcome]int),
		YearErrors: append([]YearError(nil), r.yearErrors...),
	}
	for y, n := range r.discovered {
		s.Discovered[y] = n
	}
	for _, it := range r.items {
		s.Outcomes[it.Outcome]++
		if it.Outcome == pipeline.OutcomeFailed {
			s.Failures = append(s.Failures, it)
		}
		if it.FailedStage == pipeline.StageTransform && it.Kind == pipeline.KindInvalidCOG {
			s.InvalidCOG++
		}
	}
	return s
}

// Render produces the lastRun.txt text: a header followed by one
// tab-separated line per item and an indented line per validation message.
func (r *Report) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "run_id\t%s\n", r.runID)
	fmt.Fprintf(&b, "started_at\t%s\n", r.startedAt.UTC().Format(time.RFC3339))
	if !r.finishedAt.IsZero() {
		fmt.Fprintf(&b, "finished_at\t%s\n", r.finishedAt.UTC().Format(time.RFC3339))
	}
	for _, ye := range r.yearErrors {
		fmt.Fprintf(&b, "year_error\t%s\t%s\n", ye.Year, oneLine(ye.Message))
	}
	for _, it := range r.items {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", it.Item.URL, it.Outcome, it.FailedStage, oneLine(it.Message))
		for _, m := range it.Validation {
			fmt.Fprintf(&b, "\t%s\n", oneLine(m))
		}
	}
	return b.String()
}

// Write overwrites <folder>lastRun.txt with the rendered report.
func Write(
	ctx context.Context,
	store pipeline.ObjectStore,
	bucket, folder string,
	r *Report,
	policy *pipeline.AccessPolicy,
) error {
	key := storage.Key(folder, FileName)
	if err := store.PutText(ctx, bucket, key, r.Render(), policy); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", " "), "\n", " ")
}
