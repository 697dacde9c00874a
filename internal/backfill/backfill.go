// Package backfill fills in transcripts and article bodies for stored items.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/fetch"
)

// DefaultMaxAttempts is how many transient failures an item may accumulate
// before it is marked unavailable.
const DefaultMaxAttempts = 3

// Store is the part of the database the stage needs.
type Store interface {
	ItemsMissingContent(ctx context.Context, t database.SourceType, limit int) ([]database.Item, error)
	SetContent(ctx context.Context, t database.SourceType, key, content string) (bool, error)
	MarkUnavailable(ctx context.Context, t database.SourceType, key string) (bool, error)
	RecordFetchFailure(ctx context.Context, t database.SourceType, key string) (int, error)
}

// Result holds the counts of one backfill pass.
type Result struct {
	Source      database.SourceType
	Total       int
	Processed   int
	Unavailable int
	Failed      int
}

// Stage runs the content capability for items of one source type.
type Stage struct {
	store       Store
	fetcher     fetch.Fetcher
	maxAttempts int
}

// New creates a backfill stage. maxAttempts <= 0 means DefaultMaxAttempts.
func New(store Store, fetcher fetch.Fetcher, maxAttempts int) *Stage {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Stage{store: store, fetcher: fetcher, maxAttempts: maxAttempts}
}

// Backfill processes up to limit items of type t whose content is missing.
// Per-item failures are counted; store errors abort the pass.
func (s *Stage) Backfill(ctx context.Context, t database.SourceType, limit int) (*Result, error) {
	items, err := s.store.ItemsMissingContent(ctx, t, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s items without content: %w", t, err)
	}

	r := &Result{Source: t, Total: len(items)}
	if len(items) == 0 {
		slog.Info("nothing to backfill", "type", t)
		return r, nil
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		out := s.fetcher.Fetch(ctx, item)
		switch out.Status {
		case fetch.StatusSuccess:
			if _, err := s.store.SetContent(ctx, t, item.Key, out.Content); err != nil {
				return r, err
			}
			r.Processed++
			slog.Debug("content fetched", "type", t, "key", item.Key, "chars", len(out.Content))

		case fetch.StatusUnavailable:
			if _, err := s.store.MarkUnavailable(ctx, t, item.Key); err != nil {
				return r, err
			}
			r.Unavailable++
			slog.Info("content unavailable", "type", t, "key", item.Key, "reason", out.Reason)

		case fetch.StatusTransient:
			attempts, err := s.store.RecordFetchFailure(ctx, t, item.Key)
			if err != nil {
				return r, err
			}
			if attempts >= s.maxAttempts {
				if _, err := s.store.MarkUnavailable(ctx, t, item.Key); err != nil {
					return r, err
				}
				r.Unavailable++
				slog.Warn("giving up on content", "type", t, "key", item.Key, "attempts", attempts, "err", out.Err)
				continue
			}
			r.Failed++
			slog.Warn("content fetch failed", "type", t, "key", item.Key, "attempts", attempts, "err", out.Err)
		}
	}

	slog.Info("backfill complete", "type", t, "total", r.Total, "processed", r.Processed,
		"unavailable", r.Unavailable, "failed", r.Failed)
	return r, nil
}
