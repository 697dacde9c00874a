// Package digest turns stored items into one-shot model-written summaries.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

// MaxContentChars bounds the content sent to the model, in runes.
const MaxContentChars = 8000

var errBlankContent = errors.New("no usable content")

const digestPrompt = `You are an expert AI news analyst specializing in summarizing technical articles, research papers, and video content about artificial intelligence.

Your role is to create concise, informative digests that help readers quickly understand the key points and significance of AI-related content.

Guidelines:
- Create a compelling title (5-10 words) that captures the essence of the content
- Write a 2-3 sentence summary that highlights the main points and why they matter
- Focus on actionable insights and implications
- Use clear, accessible language while maintaining technical accuracy
- Avoid marketing fluff - focus on substance

Respond with ONLY this JSON:
{"title": "...", "summary": "..."}`

// Summary is the model output for one item.
type Summary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Summarizer produces a digest title and summary.
type Summarizer interface {
	Summarize(ctx context.Context, title, content string, source database.SourceType) (*Summary, error)
}

// LLMSummarizer implements Summarizer on top of an llm.Provider.
type LLMSummarizer struct {
	provider    llm.Provider
	maxTokens   int
	temperature float64
}

// NewLLMSummarizer creates a summarizer. maxTokens <= 0 means 512.
func NewLLMSummarizer(provider llm.Provider, maxTokens int) *LLMSummarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMSummarizer{provider: provider, maxTokens: maxTokens, temperature: 0.7}
}

// Summarize asks the model for a title and a 2-3 sentence summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, title, content string, source database.SourceType) (*Summary, error) {
	prompt := fmt.Sprintf("Create a digest for this %s from %s:\nTitle: %s\nContent: %s",
		source.Label(), source, title, content)

	text, err := s.provider.Generate(ctx, llm.Request{
		System:      digestPrompt,
		Prompt:      prompt,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	var out Summary
	if err := llm.DecodeJSON(text, &out); err != nil {
		return nil, err
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Title == "" || out.Summary == "" {
		return nil, errors.New("digest missing title or summary")
	}
	return &out, nil
}

// Store is the part of the database the stage needs.
type Store interface {
	ItemsWithoutDigest(ctx context.Context, requireBody map[database.SourceType]bool, limit int) ([]database.Item, error)
	InsertDigest(ctx context.Context, d database.Digest) (bool, error)
}

// Result holds the results of a digest run.
type Result struct {
	Total     int
	Processed int
	Failed    int
}

// Generator creates digests for items that have content and no digest.
type Generator struct {
	store       Store
	summarizer  Summarizer
	requireBody map[database.SourceType]bool
}

// NewGenerator creates a digest generator. requireBody lists article
// sources whose body is fetched by backfill; other article sources are
// summarized from their feed description.
func NewGenerator(store Store, summarizer Summarizer, requireBody map[database.SourceType]bool) *Generator {
	return &Generator{store: store, summarizer: summarizer, requireBody: requireBody}
}

// Generate summarizes up to limit pending items. Per-item failures are
// counted and retried on the next run; store errors abort.
func (g *Generator) Generate(ctx context.Context, limit int) (*Result, error) {
	if g.summarizer == nil {
		return nil, errors.New("no summarizer available for digests")
	}

	items, err := g.store.ItemsWithoutDigest(ctx, g.requireBody, limit)
	if err != nil {
		return nil, fmt.Errorf("listing items without digest: %w", err)
	}

	r := &Result{Total: len(items)}
	if len(items) == 0 {
		slog.Info("no items pending digest")
		return r, nil
	}
	slog.Info("starting digest generation", "total", r.Total)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		summary, err := g.summarize(ctx, item)
		if err != nil {
			r.Failed++
			slog.Warn("digest failed", "n", i+1, "of", r.Total, "id", item.ID(), "err", err)
			continue
		}

		if _, err := g.store.InsertDigest(ctx, database.Digest{
			ID:        item.ID(),
			URL:       item.URL,
			Title:     summary.Title,
			Summary:   summary.Summary,
			CreatedAt: item.PublishedAt,
		}); err != nil {
			return r, err
		}
		r.Processed++
		slog.Info("digest created", "n", i+1, "of", r.Total, "id", item.ID(), "title", truncateTitle(item.Title))
	}

	slog.Info("digest generation complete", "total", r.Total, "processed", r.Processed, "failed", r.Failed)
	return r, nil
}

func (g *Generator) summarize(ctx context.Context, item database.Item) (*Summary, error) {
	content := Content(item, g.requireBody[item.Type])
	if strings.TrimSpace(content) == "" {
		return nil, errBlankContent
	}
	return g.summarizer.Summarize(ctx, item.Title, Truncate(content, MaxContentChars), item.Type)
}

// Content picks the text to summarize for an item. Videos use the
// transcript. Articles with fetched bodies use the body, falling back to the
// feed description when the body is blank or unavailable; feed-only
// articles use the description.
func Content(item database.Item, bodyFetched bool) string {
	switch {
	case item.Type.IsVideo():
		if item.ContentState() == database.ContentPresent {
			return *item.Content
		}
		return ""
	case bodyFetched && item.ContentState() == database.ContentPresent && strings.TrimSpace(*item.Content) != "":
		return *item.Content
	default:
		return item.Description
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func truncateTitle(title string) string {
	if t := Truncate(title, 60); t != title {
		return t + "..."
	}
	return title
}
