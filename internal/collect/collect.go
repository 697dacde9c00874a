package collect

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/database"
)

// Adapter fetches candidate items newer than a trailing window.
type Adapter interface {
	Source() database.SourceType
	Fetch(ctx context.Context, hours int) ([]database.Item, error)
}

// Store persists candidates without touching existing rows.
type Store interface {
	PutMany(ctx context.Context, items []database.Item) (int, error)
}

// Result holds the results of a collection run.
type Result struct {
	TotalFound int
	NewItems   int
	Duplicates int
	Sources    map[database.SourceType]int
	Failed     []database.SourceType
}

// Collector runs every adapter and writes what they return into the store.
type Collector struct {
	store    Store
	adapters []Adapter
}

// NewCollector creates a collector with explicit adapters.
func NewCollector(store Store, adapters ...Adapter) *Collector {
	return &Collector{store: store, adapters: adapters}
}

// FromConfig builds adapters for every enabled source.
func FromConfig(cfg *config.Config, store Store) *Collector {
	client := &http.Client{Timeout: 30 * time.Second}
	var adapters []Adapter

	if yt := cfg.Sources.YouTube; yt.Enabled && len(yt.Channels) > 0 {
		adapters = append(adapters, NewYouTubeAdapter(yt.Channels, client))
	}
	if src := cfg.Sources.OpenAI; src.Enabled && len(src.URLs) > 0 {
		adapters = append(adapters, NewFeedAdapter(database.SourceOpenAI, src.URLs, client))
	}
	if src := cfg.Sources.Anthropic; src.Enabled && len(src.URLs) > 0 {
		adapters = append(adapters, NewFeedAdapter(database.SourceAnthropic, src.URLs, client))
	}

	return NewCollector(store, adapters...)
}

// Collect fetches from all adapters and inserts new items. A failing source
// is logged and recorded in Result.Failed; a store error aborts the run.
func (c *Collector) Collect(ctx context.Context, hours int) (*Result, error) {
	r := &Result{Sources: make(map[database.SourceType]int)}

	for _, a := range c.adapters {
		items, err := a.Fetch(ctx, hours)
		if err != nil {
			slog.Error("source failed", "source", a.Source(), "err", err)
			r.Failed = append(r.Failed, a.Source())
			continue
		}
		r.TotalFound += len(items)

		inserted, err := c.store.PutMany(ctx, items)
		if err != nil {
			return r, fmt.Errorf("storing %s items: %w", a.Source(), err)
		}
		r.NewItems += inserted
		r.Duplicates += len(items) - inserted
		r.Sources[a.Source()] += inserted
	}

	slog.Info("collection complete", "found", r.TotalFound, "new", r.NewItems, "duplicates", r.Duplicates)
	return r, nil
}
