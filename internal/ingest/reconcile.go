package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/ledger"
	"github.com/JakeFAU/river-ice-cog/internal/sidecar"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// ReconcileResult counts what a reconcile pass changed.
type ReconcileResult struct {
	Discovered    int      `json:"discovered"`
	AlreadyLogged int      `json:"already_logged"`
	Added         []string `json:"added"`
	Sidecars      int      `json:"sidecars"`
	SidecarErrors []string `json:"sidecar_errors,omitempty"`
}

// Reconcile seeds the processing log from COGs already in the catalog: every
// discovered link whose raster is present under <folder>cog/ is appended.
// With writeSidecars, a JSON sidecar per discovered link is uploaded to
// <folder>json/. Discovery errors abort the pass before the log is written.
func (o *Orchestrator) Reconcile(ctx context.Context, years []string, writeSidecars bool) (ReconcileResult, error) {
	var out ReconcileResult

	log, err := ledger.Load(ctx, o.deps.Store, o.cfg.Bucket, o.cfg.Folder, o.cfg.MatchMode, nil)
	if err != nil {
		return out, err
	}
	cogFolder := storage.Key(o.cfg.Folder, "cog/")
	names, err := o.deps.Store.List(ctx, o.cfg.Bucket, cogFolder)
	if err != nil {
		return out, fmt.Errorf("list %s: %w", cogFolder, err)
	}
	present := make(map[string]struct{}, len(names))
	for _, n := range names {
		present[n] = struct{}{}
	}

	jsonFolder := storage.Key(o.cfg.Folder, "json/")
	for _, year := range years {
		items, err := o.deps.Discoverer.Discover(ctx, year)
		if err != nil {
			return out, fmt.Errorf("discover %s: %w", year, err)
		}
		out.Discovered += len(items)
		for _, item := range items {
			name := item.ArchiveName()
			stem := strings.TrimSuffix(name, path.Ext(name))

			if _, ok := present[stem+o.cfg.RasterSuffix]; ok {
				if log.Contains(item.URL) {
					out.AlreadyLogged++
				} else {
					log.Append(item.URL)
					out.Added = append(out.Added, item.URL)
				}
			}

			if !writeSidecars {
				continue
			}
			data, err := sidecar.Marshal(sidecar.Document{SourceURL: item.URL})
			if err == nil {
				err = o.deps.Store.PutText(ctx, o.cfg.Bucket, storage.Key(jsonFolder, stem+".json"), string(data), nil)
			}
			if err != nil {
				out.SidecarErrors = append(out.SidecarErrors, fmt.Sprintf("%s: %v", item.URL, err))
				continue
			}
			out.Sidecars++
		}
	}

	if log.Dirty() {
		err := log.Flush(ctx)
		o.deps.Metrics.ObserveLogFlush(err)
		if err != nil {
			return out, err
		}
	}
	o.logger.Info("processing log reconciled",
		zap.Int("discovered", out.Discovered),
		zap.Int("added", len(out.Added)),
		zap.Int("sidecars", out.Sidecars),
	)
	return out, nil
}
