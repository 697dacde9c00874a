package collect

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/mmcdole/gofeed"
)

const youtubeFeedURL = "https://www.youtube.com/feeds/videos.xml"

// YouTubeAdapter reads the public Atom feed of each configured channel.
type YouTubeAdapter struct {
	channels []config.Channel
	feedURL  string
	parser   *gofeed.Parser
	now      func() time.Time
}

// NewYouTubeAdapter creates an adapter for the given channels.
func NewYouTubeAdapter(channels []config.Channel, client *http.Client) *YouTubeAdapter {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	return &YouTubeAdapter{channels: channels, feedURL: youtubeFeedURL, parser: parser, now: time.Now}
}

// Source returns database.SourceYouTube.
func (y *YouTubeAdapter) Source() database.SourceType { return database.SourceYouTube }

// Fetch returns videos published within the last hours across all channels.
// Shorts are skipped.
func (y *YouTubeAdapter) Fetch(ctx context.Context, hours int) ([]database.Item, error) {
	cutoff := y.now().Add(-time.Duration(hours) * time.Hour)
	var items []database.Item
	failures := 0

	for _, ch := range y.channels {
		feedURL := y.feedURL + "?channel_id=" + url.QueryEscape(ch.ID)
		feed, err := y.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			slog.Warn("failed to fetch channel feed", "channel", ch.ID, "name", ch.Name, "err", err)
			failures++
			continue
		}
		videos := channelVideos(ch.ID, feed, cutoff)
		slog.Info("parsed channel feed", "channel", ch.ID, "name", ch.Name, "videos", len(videos))
		items = append(items, videos...)
	}

	if len(y.channels) > 0 && failures == len(y.channels) {
		return nil, fmt.Errorf("all %d youtube channel feeds failed", failures)
	}
	return items, nil
}

func channelVideos(channelID string, feed *gofeed.Feed, cutoff time.Time) []database.Item {
	var items []database.Item
	for _, entry := range feed.Items {
		if strings.Contains(entry.Link, "/shorts/") {
			continue
		}
		if entry.PublishedParsed == nil || entry.PublishedParsed.Before(cutoff) {
			continue
		}

		id := extensionValue(entry, "yt", "videoId")
		if id == "" {
			id = ExtractVideoID(entry.Link)
		}
		if id == "" {
			slog.Debug("skipping entry without video id", "link", entry.Link)
			continue
		}

		description := mediaDescription(entry)
		if description == "" {
			description = entry.Description
		}

		items = append(items, database.Item{
			Type:        database.SourceYouTube,
			Key:         id,
			Title:       strings.TrimSpace(entry.Title),
			URL:         entry.Link,
			ChannelID:   channelID,
			PublishedAt: entry.PublishedParsed.UTC(),
			Description: strings.TrimSpace(description),
		})
	}
	return items
}

func extensionValue(entry *gofeed.Item, prefix, name string) string {
	exts, ok := entry.Extensions[prefix][name]
	if !ok || len(exts) == 0 {
		return ""
	}
	return strings.TrimSpace(exts[0].Value)
}

func mediaDescription(entry *gofeed.Item) string {
	groups := entry.Extensions["media"]["group"]
	if len(groups) == 0 {
		return ""
	}
	desc := groups[0].Children["description"]
	if len(desc) == 0 {
		return ""
	}
	return desc[0].Value
}

// ExtractVideoID returns the video id from watch, shorts and youtu.be URLs,
// or "" when none is found.
func ExtractVideoID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be":
		return strings.Trim(u.Path, "/")
	case strings.HasSuffix(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			return strings.SplitN(rest, "/", 2)[0]
		}
	}
	return ""
}
