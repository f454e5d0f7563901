// Package discovery walks the remote directory index for archives of one product.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/product"
)

// DefaultMaxDepth covers year/product/country/province listings.
const DefaultMaxDepth = 4

// Config controls the walk.
type Config struct {
	// RootURL is the server root, e.g. https://data.eodms-sgdot.nrcan-rncan.gc.ca.
	RootURL string
	// BasePath is the directory holding the year folders.
	BasePath      string
	Keyword       string
	ArchiveSuffix string
	MaxDepth      int
}

// Walker finds archive URLs below a year directory.
type Walker struct {
	lister pipeline.Lister
	cfg    Config
	logger *zap.Logger
}

// New constructs a Walker, filling defaults.
func New(lister pipeline.Lister, cfg Config, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/public/EGS"
	}
	if cfg.ArchiveSuffix == "" {
		cfg.ArchiveSuffix = ".zip"
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Walker{lister: lister, cfg: cfg, logger: logger.Named("discovery")}
}

// YearURL is the listing the walk starts from.
func (w *Walker) YearURL(year string) string {
	return fmt.Sprintf("%s/%s/%s/",
		strings.TrimRight(w.cfg.RootURL, "/"), strings.Trim(w.cfg.BasePath, "/"), year)
}

// Discover returns archive items for year in listing order. A listing failure
// anywhere in the tree fails the whole year.
func (w *Walker) Discover(ctx context.Context, year string) ([]pipeline.SourceItem, error) {
	yearURL := w.YearURL(year)
	links, err := w.lister.List(ctx, yearURL)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", yearURL, err)
	}
	if !w.anyMatch(links) {
		w.logger.Info("no keyword entry in year listing, returning zero links",
			zap.String("year", year),
			zap.String("keyword", w.cfg.Keyword),
			zap.String("url", yearURL),
		)
		return nil, nil
	}

	st := &walkState{
		visited: map[string]struct{}{yearURL: {}},
		seen:    make(map[string]struct{}),
	}
	if err := w.collect(ctx, links, 1, st); err != nil {
		return nil, err
	}

	items := make([]pipeline.SourceItem, 0, len(st.urls))
	for _, u := range st.urls {
		items = append(items, w.item(u, year))
	}
	w.logger.Info("discovered archives",
		zap.String("year", year),
		zap.String("keyword", w.cfg.Keyword),
		zap.Int("count", len(items)),
	)
	return items, nil
}

type walkState struct {
	visited map[string]struct{}
	seen    map[string]struct{}
	urls    []string
}

func (w *Walker) collect(ctx context.Context, links []pipeline.Link, depth int, st *walkState) error {
	for _, link := range links {
		if !strings.Contains(link.Href, w.cfg.Keyword) {
			continue
		}
		if strings.HasSuffix(link.Href, w.cfg.ArchiveSuffix) {
			if _, dup := st.seen[link.URL]; !dup {
				st.seen[link.URL] = struct{}{}
				st.urls = append(st.urls, link.URL)
			}
			continue
		}
		if depth >= w.cfg.MaxDepth {
			continue
		}
		if _, done := st.visited[link.URL]; done {
			continue
		}
		st.visited[link.URL] = struct{}{}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("discovery canceled: %w", err)
		}
		children, err := w.lister.List(ctx, link.URL)
		if err != nil {
			return fmt.Errorf("list %s: %w", link.URL, err)
		}
		if err := w.collect(ctx, children, depth+1, st); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) anyMatch(links []pipeline.Link) bool {
	for _, link := range links {
		if strings.Contains(link.Href, w.cfg.Keyword) {
			return true
		}
	}
	return false
}

func (w *Walker) item(rawURL, year string) pipeline.SourceItem {
	item := pipeline.SourceItem{URL: rawURL, Year: year, Keyword: w.cfg.Keyword}
	if n, err := product.Parse(rawURL); err == nil {
		item.Country = n.Country
		item.Province = n.Province
	}
	return item
}
