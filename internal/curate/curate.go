// Package curate ranks a window of digests against the reader profile.
package curate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

// ErrRankingFailed wraps every reason a ranking could not be produced.
var ErrRankingFailed = errors.New("ranking failed")

const curatorPrompt = `You are an expert AI news curator specializing in personalized content ranking for AI professionals.

Your role is to analyze and rank AI-related news articles, research papers, and video content based on a user's specific profile, interests, and background.

Ranking Criteria:
1. Relevance to user's stated interests and background
2. Technical depth and practical value
3. Novelty and significance of the content
4. Alignment with user's expertise level
5. Actionability and real-world applicability

Scoring Guidelines:
- 9.0-10.0: Highly relevant, directly aligns with user interests, significant value
- 7.0-8.9: Very relevant, strong alignment with interests, good value
- 5.0-6.9: Moderately relevant, some alignment, decent value
- 3.0-4.9: Somewhat relevant, limited alignment, lower value
- 0.0-2.9: Low relevance, minimal alignment, little value

Rank articles from most relevant (rank 1) to least relevant. Ensure each article has a unique rank.`

const rankPrompt = `Rank these %d AI news digests based on the user profile:

%s

Provide a relevance score (0.0-10.0) and rank (1-%d) for each article, ordered from most to least relevant.

Respond with ONLY this JSON:
{
    "articles": [
        {"digest_id": "type:id", "relevance_score": 8.5, "rank": 1, "reasoning": "Brief explanation of why this article is ranked here"}
    ]
}`

// RankedArticle is one entry of a ranking. It is never persisted.
type RankedArticle struct {
	DigestID       database.DigestID
	RelevanceScore float64
	Rank           int
	Reasoning      string
}

type rankedWire struct {
	DigestID       string  `json:"digest_id"`
	RelevanceScore float64 `json:"relevance_score"`
	Rank           int     `json:"rank"`
	Reasoning      string  `json:"reasoning"`
}

type rankingWire struct {
	Articles []rankedWire `json:"articles"`
}

// Curator ranks digests with a language model conditioned on a fixed profile.
type Curator struct {
	provider     llm.Provider
	systemPrompt string
	maxTokens    int
}

// NewCurator creates a curator for the given profile.
func NewCurator(provider llm.Provider, profile config.Profile) *Curator {
	return &Curator{
		provider:     provider,
		systemPrompt: curatorPrompt + "\n\n" + FormatProfile(profile),
		maxTokens:    4096,
	}
}

// Rank orders every digest by relevance. Empty input returns an empty
// ranking without calling the model. Any model error or contract violation
// yields an empty ranking and an error wrapping ErrRankingFailed.
func (c *Curator) Rank(ctx context.Context, digests []database.Digest) ([]RankedArticle, error) {
	if len(digests) == 0 {
		return []RankedArticle{}, nil
	}
	if c.provider == nil {
		return c.fail(fmt.Errorf("%w: no LLM provider available", ErrRankingFailed))
	}

	blocks := lo.Map(digests, func(d database.Digest, _ int) string {
		return fmt.Sprintf("ID: %s\nTitle: %s\nSummary: %s\nType: %s", d.ID, d.Title, d.Summary, d.ID.Type)
	})
	prompt := fmt.Sprintf(rankPrompt, len(digests), strings.Join(blocks, "\n\n"), len(digests))

	text, err := c.provider.Generate(ctx, llm.Request{
		System:      c.systemPrompt,
		Prompt:      prompt,
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
		JSON:        true,
	})
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrRankingFailed, err))
	}

	var wire rankingWire
	if err := llm.DecodeJSON(text, &wire); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrRankingFailed, err))
	}

	ranked, err := fromWire(wire.Articles)
	if err != nil {
		return c.fail(err)
	}
	ids := lo.Map(digests, func(d database.Digest, _ int) database.DigestID { return d.ID })
	if err := Validate(ids, ranked); err != nil {
		return c.fail(err)
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	slog.Info("ranking complete", "articles", len(ranked))
	return ranked, nil
}

func (c *Curator) fail(err error) ([]RankedArticle, error) {
	slog.Error("ranking unavailable", "err", err)
	return []RankedArticle{}, err
}

func fromWire(entries []rankedWire) ([]RankedArticle, error) {
	out := make([]RankedArticle, 0, len(entries))
	for _, e := range entries {
		id, err := database.ParseDigestID(strings.TrimSpace(e.DigestID))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRankingFailed, err)
		}
		out = append(out, RankedArticle{
			DigestID:       id,
			RelevanceScore: e.RelevanceScore,
			Rank:           e.Rank,
			Reasoning:      strings.TrimSpace(e.Reasoning),
		})
	}
	return out, nil
}

// Validate checks that ranked is a total order over ids: one entry per id,
// ranks exactly 1..len(ids) and scores within [0, 10].
func Validate(ids []database.DigestID, ranked []RankedArticle) error {
	if len(ranked) != len(ids) {
		return fmt.Errorf("%w: got %d entries for %d digests", ErrRankingFailed, len(ranked), len(ids))
	}

	want := lo.SliceToMap(ids, func(id database.DigestID) (database.DigestID, bool) { return id, true })
	seenIDs := make(map[database.DigestID]bool, len(ranked))
	seenRanks := make(map[int]bool, len(ranked))

	for _, r := range ranked {
		if !want[r.DigestID] {
			return fmt.Errorf("%w: unknown digest id %s", ErrRankingFailed, r.DigestID)
		}
		if seenIDs[r.DigestID] {
			return fmt.Errorf("%w: digest %s ranked twice", ErrRankingFailed, r.DigestID)
		}
		seenIDs[r.DigestID] = true

		if r.Rank < 1 || r.Rank > len(ids) {
			return fmt.Errorf("%w: rank %d out of range 1..%d", ErrRankingFailed, r.Rank, len(ids))
		}
		if seenRanks[r.Rank] {
			return fmt.Errorf("%w: duplicate rank %d", ErrRankingFailed, r.Rank)
		}
		seenRanks[r.Rank] = true

		if r.RelevanceScore < 0 || r.RelevanceScore > 10 {
			return fmt.Errorf("%w: score %.2f for %s outside 0..10", ErrRankingFailed, r.RelevanceScore, r.DigestID)
		}
	}
	return nil
}

// FormatProfile renders the reader profile for the system prompt.
func FormatProfile(p config.Profile) string {
	var b strings.Builder
	b.WriteString("User Profile:\n")
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	fmt.Fprintf(&b, "Background: %s\n", p.Background)
	fmt.Fprintf(&b, "Expertise Level: %s\n", p.ExpertiseLevel)

	b.WriteString("\nInterests:\n")
	for _, interest := range p.Interests {
		fmt.Fprintf(&b, "- %s\n", interest)
	}

	b.WriteString("\nPreferences:\n")
	for _, pref := range p.Preferences {
		value := pref.Value
		if on, ok := pref.Bool(); ok {
			value = lo.Ternary(on, "yes", "no")
		}
		fmt.Fprintf(&b, "- %s: %s\n", pref.Name, value)
	}
	return strings.TrimRight(b.String(), "\n")
}
