package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/AINews/internal/database"
)

// minArticleChars is the shortest extracted text accepted as an article body.
const minArticleChars = 100

// maxPageBytes caps how much of a page is read.
const maxPageBytes = 5 << 20

// MarkdownFetcher downloads an article page, extracts the readable part and
// converts it to markdown.
type MarkdownFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	converter *md.Converter
}

// NewMarkdownFetcher creates an article fetcher.
func NewMarkdownFetcher(opts Options) (*MarkdownFetcher, error) {
	client, err := opts.httpClient()
	if err != nil {
		return nil, err
	}
	return &MarkdownFetcher{
		client:    client,
		limiter:   opts.limiter(),
		converter: md.NewConverter("", true, nil),
	}, nil
}

// Fetch retrieves the article body for item.URL.
func (f *MarkdownFetcher) Fetch(ctx context.Context, item database.Item) Outcome {
	pageURL, err := url.Parse(item.URL)
	if err != nil || pageURL.Host == "" {
		return Unavailable(fmt.Sprintf("invalid url %q", item.URL))
	}

	resp, err := get(ctx, f.client, f.limiter, item.URL, http.Header{"Accept": {"text/html,application/xhtml+xml"}})
	if err != nil {
		return Transient(fmt.Errorf("requesting %s: %w", item.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusOutcome(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Transient(fmt.Errorf("reading %s: %w", item.URL, err))
	}

	return f.extract(body, pageURL)
}

func (f *MarkdownFetcher) extract(page []byte, pageURL *url.URL) Outcome {
	article, err := readability.FromReader(bytes.NewReader(page), pageURL)
	if err != nil {
		return Unavailable(fmt.Sprintf("no readable content: %v", err))
	}

	text := strings.TrimSpace(article.TextContent)
	if utf8.RuneCountInString(text) < minArticleChars {
		return Unavailable("extracted text too short")
	}

	markdown, err := f.converter.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return Success(text)
	}
	if title := strings.TrimSpace(article.Title); title != "" && !strings.HasPrefix(markdown, "#") {
		markdown = "# " + title + "\n\n" + markdown
	}
	return Success(strings.TrimSpace(markdown))
}
