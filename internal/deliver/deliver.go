// Package deliver renders the ranked digest email and hands it to a
// transport.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/curate"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

var (
	// ErrDanglingDigest means the ranking named a digest that is not in
	// the window it was computed from.
	ErrDanglingDigest = errors.New("ranked digest not found")
	ErrNoDigests      = errors.New("no digests available")
)

// Failure reasons reported in Result.Error.
const (
	reasonNoDigests     = "no digests available"
	reasonRankingFailed = "failed to rank articles"
)

const introPrompt = `You are writing the opening of a personal daily AI news email for %s (%s).

Today's top stories, most relevant first:

%s

Write a short, warm introduction (2-3 sentences) that highlights the most important themes across these stories. Do not list every article.

Respond with ONLY this JSON:
{
    "introduction": "Your introduction here"
}`

// Store is the read side of the store used by Send.
type Store interface {
	GetRecentDigests(ctx context.Context, hours int) ([]database.Digest, error)
}

// Ranker orders a window of digests. An empty result means ranking was
// unavailable.
type Ranker interface {
	Rank(ctx context.Context, digests []database.Digest) ([]curate.RankedArticle, error)
}

// Message is a rendered email.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Entry is one ranked article joined to its digest.
type Entry struct {
	Rank      int
	Score     float64
	Reasoning string
	Digest    database.Digest
}

// Result is the outcome of a delivery attempt.
type Result struct {
	Success       bool
	Subject       string
	ArticlesCount int
	Error         string
}

// Deliverer composes and sends the digest email.
type Deliverer struct {
	store     Store
	ranker    Ranker
	transport Transport
	provider  llm.Provider
	maxTokens int
	profile   config.Profile
	now       func() time.Time
}

// New creates a deliverer. A nil provider uses the fixed introduction;
// maxTokens caps the introduction request (512 when not positive).
func New(store Store, ranker Ranker, transport Transport, provider llm.Provider, maxTokens int, profile config.Profile) *Deliverer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Deliverer{
		store:     store,
		ranker:    ranker,
		transport: transport,
		provider:  provider,
		maxTokens: maxTokens,
		profile:   profile,
		now:       time.Now,
	}
}

// Send ranks the digests of the last hours and delivers the top N. An
// empty window and a failed ranking are reported in the result; only store
// errors and dangling ranking entries are returned as errors.
func (d *Deliverer) Send(ctx context.Context, hours, topN int) (*Result, error) {
	digests, err := d.store.GetRecentDigests(ctx, hours)
	if err != nil {
		return nil, fmt.Errorf("loading recent digests: %w", err)
	}
	if len(digests) == 0 {
		slog.Warn("no digests in window", "hours", hours)
		return &Result{Error: reasonNoDigests}, nil
	}

	slog.Info("ranking digests for email", "count", len(digests))
	ranked, err := d.ranker.Rank(ctx, digests)
	if len(ranked) == 0 {
		slog.Error("failed to rank digests", "err", err)
		return &Result{Error: reasonRankingFailed}, nil
	}

	return d.Deliver(ctx, ranked, digests, topN)
}

// Deliver renders the top N ranked articles and sends them in one message.
func (d *Deliverer) Deliver(ctx context.Context, ranked []curate.RankedArticle, digests []database.Digest, topN int) (*Result, error) {
	msg, entries, err := d.Compose(ctx, ranked, digests, topN)
	if err != nil {
		return nil, err
	}

	if err := d.transport.Send(ctx, *msg); err != nil {
		slog.Error("email delivery failed", "err", err)
		return &Result{Subject: msg.Subject, Error: fmt.Sprintf("sending email: %v", err)}, nil
	}

	slog.Info("email sent", "subject", msg.Subject, "articles", len(entries))
	return &Result{Success: true, Subject: msg.Subject, ArticlesCount: len(entries)}, nil
}

// Preview builds the message Send would deliver without sending it.
func (d *Deliverer) Preview(ctx context.Context, hours, topN int) (*Message, error) {
	digests, err := d.store.GetRecentDigests(ctx, hours)
	if err != nil {
		return nil, fmt.Errorf("loading recent digests: %w", err)
	}
	if len(digests) == 0 {
		return nil, ErrNoDigests
	}
	ranked, err := d.ranker.Rank(ctx, digests)
	if len(ranked) == 0 {
		if err == nil {
			err = curate.ErrRankingFailed
		}
		return nil, err
	}
	msg, _, err := d.Compose(ctx, ranked, digests, topN)
	return msg, err
}

// Compose joins the top N ranked entries to their digests and renders the
// message. topN <= 0 keeps every entry.
func (d *Deliverer) Compose(ctx context.Context, ranked []curate.RankedArticle, digests []database.Digest, topN int) (*Message, []Entry, error) {
	entries, err := Join(ranked, digests, topN)
	if err != nil {
		return nil, nil, err
	}

	date := d.now()
	intro := d.introduction(ctx, entries)
	text := renderText(d.profile.Name, date, intro, entries)
	html, err := renderHTML(Subject(date), text)
	if err != nil {
		return nil, nil, err
	}

	return &Message{Subject: Subject(date), Text: text, HTML: html}, entries, nil
}

// Join resolves ranked entries against digests in rank order.
func Join(ranked []curate.RankedArticle, digests []database.Digest, topN int) ([]Entry, error) {
	byID := lo.KeyBy(digests, func(d database.Digest) database.DigestID { return d.ID })

	ordered := append([]curate.RankedArticle(nil), ranked...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })
	if topN > 0 && len(ordered) > topN {
		ordered = ordered[:topN]
	}

	entries := make([]Entry, 0, len(ordered))
	for _, r := range ordered {
		dg, ok := byID[r.DigestID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDanglingDigest, r.DigestID)
		}
		entries = append(entries, Entry{Rank: r.Rank, Score: r.RelevanceScore, Reasoning: r.Reasoning, Digest: dg})
	}
	return entries, nil
}

// Subject is the email subject for the given day.
func Subject(date time.Time) string {
	return "Daily AI News Digest - " + date.Format("Jan 02, 2006")
}

func (d *Deliverer) introduction(ctx context.Context, entries []Entry) string {
	if d.provider == nil || len(entries) == 0 {
		return fallbackIntro(entries)
	}

	top := entries[:min(len(entries), 5)]
	lines := lo.Map(top, func(e Entry, _ int) string {
		return fmt.Sprintf("%d. %s (%s): %s", e.Rank, e.Digest.Title, e.Digest.ID.Type.Label(), e.Digest.Summary)
	})
	prompt := fmt.Sprintf(introPrompt, d.profile.Name, d.profile.Background, strings.Join(lines, "\n"))

	text, err := d.provider.Generate(ctx, llm.Request{
		Prompt:      prompt,
		MaxTokens:   d.maxTokens,
		Temperature: 0.7,
		JSON:        true,
	})
	if err != nil {
		slog.Warn("introduction generation failed, using fallback", "err", err)
		return fallbackIntro(entries)
	}

	var parsed struct {
		Introduction string `json:"introduction"`
	}
	if err := llm.DecodeJSON(text, &parsed); err != nil || strings.TrimSpace(parsed.Introduction) == "" {
		slog.Warn("unusable introduction, using fallback", "err", err)
		return fallbackIntro(entries)
	}
	return strings.TrimSpace(parsed.Introduction)
}

func fallbackIntro(entries []Entry) string {
	switch len(entries) {
	case 0:
		return "There is nothing new in today's digest."
	case 1:
		return fmt.Sprintf("Today's digest has one pick for you: %s.", entries[0].Digest.Title)
	default:
		return fmt.Sprintf("Today's digest has %d picks for you, led by %s.", len(entries), entries[0].Digest.Title)
	}
}
