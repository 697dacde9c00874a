package collect

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
)

// FeedAdapter reads one or more RSS feeds belonging to a single source.
type FeedAdapter struct {
	source database.SourceType
	urls   []string
	parser *gofeed.Parser
	now    func() time.Time
}

// NewFeedAdapter creates an adapter for the given source and feed URLs.
func NewFeedAdapter(source database.SourceType, urls []string, client *http.Client) *FeedAdapter {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	return &FeedAdapter{source: source, urls: urls, parser: parser, now: time.Now}
}

// Source returns the source type this adapter produces.
func (f *FeedAdapter) Source() database.SourceType { return f.source }

// Fetch returns entries published within the last hours. A feed that fails
// to download is logged and skipped; an error is returned only when every
// feed failed.
func (f *FeedAdapter) Fetch(ctx context.Context, hours int) ([]database.Item, error) {
	cutoff := f.now().Add(-time.Duration(hours) * time.Hour)
	seen := make(map[string]bool)
	var items []database.Item
	failures := 0

	for _, u := range f.urls {
		feed, err := f.parser.ParseURLWithContext(u, ctx)
		if err != nil {
			slog.Warn("failed to parse feed", "source", f.source, "url", u, "err", err)
			failures++
			continue
		}
		entries := feedItems(f.source, feed, cutoff, seen)
		slog.Info("parsed feed", "source", f.source, "url", u, "entries", len(entries), "hours", hours)
		items = append(items, entries...)
	}

	if len(f.urls) > 0 && failures == len(f.urls) {
		return nil, fmt.Errorf("all %d %s feeds failed", failures, f.source)
	}
	return items, nil
}

// feedItems converts parsed entries into candidate items. Entries without a
// parsable publish time or older than cutoff are dropped, as are keys already
// in seen.
func feedItems(source database.SourceType, feed *gofeed.Feed, cutoff time.Time, seen map[string]bool) []database.Item {
	var items []database.Item
	for _, entry := range feed.Items {
		if entry.PublishedParsed == nil || entry.PublishedParsed.Before(cutoff) {
			continue
		}

		key := strings.TrimSpace(entry.GUID)
		if key == "" {
			key = strings.TrimSpace(entry.Link)
		}
		title := strings.TrimSpace(entry.Title)
		if key == "" || title == "" || seen[key] {
			continue
		}
		seen[key] = true

		description := entry.Description
		if description == "" {
			description = entry.Content
		}

		item := database.Item{
			Type:        source,
			Key:         key,
			Title:       title,
			URL:         lo.Ternary(entry.Link != "", entry.Link, key),
			PublishedAt: entry.PublishedParsed.UTC(),
			Description: stripHTML(description),
		}
		if len(entry.Categories) > 0 {
			item.Category = lo.ToPtr(strings.TrimSpace(entry.Categories[0]))
		}
		items = append(items, item)
	}
	return items
}

// stripHTML returns the text content of an HTML fragment with whitespace
// collapsed.
func stripHTML(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return strings.Join(strings.Fields(text), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return strings.Join(strings.Fields(text), " ")
	}
	// Keep words from adjacent block elements apart.
	doc.Find("p, br, div, li, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}
