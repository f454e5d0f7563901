// Package ledger keeps the persisted record of archive URLs that have already
// been processed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// FileName is the object name of the log inside the catalog folder.
const FileName = "log.txt"

// emptyLog is the content of a log that has never been written.
const emptyLog = " "

// MatchMode selects how membership is tested.
type MatchMode string

// Supported match modes.
const (
	// MatchSubstring treats a URL as processed when it occurs anywhere in the log.
	MatchSubstring MatchMode = "substring"
	// MatchExact requires a whole line equal to the URL.
	MatchExact MatchMode = "exact"
)

// ParseMatchMode validates a configured mode string.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(s) {
	case MatchSubstring, MatchExact:
		return MatchMode(s), nil
	case "":
		return MatchSubstring, nil
	default:
		return "", fmt.Errorf("unknown match mode %q", s)
	}
}

// Log is the in-memory copy of the processing log. It is not safe for
// concurrent use; a run owns exactly one Log.
type Log struct {
	store   pipeline.ObjectStore
	bucket  string
	key     string
	policy  *pipeline.AccessPolicy
	mode    MatchMode
	content strings.Builder
	lines   map[string]struct{}
	added   []string
	dirty   bool
}

// Load reads <folder>log.txt. A missing object yields an empty log.
func Load(
	ctx context.Context,
	store pipeline.ObjectStore,
	bucket, folder string,
	mode MatchMode,
	policy *pipeline.AccessPolicy,
) (*Log, error) {
	key := storage.Key(folder, FileName)
	text, err := store.GetText(ctx, bucket, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		text = emptyLog
	case err != nil:
		return nil, fmt.Errorf("load processing log: %w", err)
	}
	if mode == "" {
		mode = MatchSubstring
	}
	l := &Log{
		store:  store,
		bucket: bucket,
		key:    key,
		policy: policy,
		mode:   mode,
		lines:  make(map[string]struct{}),
	}
	l.content.WriteString(text)
	for _, line := range strings.Split(text, "\n") {
		l.lines[strings.TrimSpace(line)] = struct{}{}
	}
	return l, nil
}

// Key is the object key the log is persisted to.
func (l *Log) Key() string {
	return l.key
}

// Contains reports whether url was already processed.
func (l *Log) Contains(url string) bool {
	if l.mode == MatchExact {
		_, ok := l.lines[url]
		return ok
	}
	return strings.Contains(l.content.String(), url)
}

// Append records url in memory. Nothing is written until Flush.
func (l *Log) Append(url string) {
	l.content.WriteString("\n")
	l.content.WriteString(url)
	l.lines[url] = struct{}{}
	l.added = append(l.added, url)
	l.dirty = true
}

// Added returns the URLs appended since Load, in order.
func (l *Log) Added() []string {
	return append([]string(nil), l.added...)
}

// String returns the full log text.
func (l *Log) String() string {
	return l.content.String()
}

// Dirty reports whether there are appends not yet flushed.
func (l *Log) Dirty() bool {
	return l.dirty
}

// Flush replaces the stored log with the in-memory copy.
func (l *Log) Flush(ctx context.Context) error {
	if err := l.store.PutText(ctx, l.bucket, l.key, l.content.String(), l.policy); err != nil {
		return fmt.Errorf("flush processing log: %w", err)
	}
	l.dirty = false
	return nil
}
