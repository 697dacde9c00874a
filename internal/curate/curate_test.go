package curate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

type mockProvider struct {
	response string
	err      error
	calls    int
	last     llm.Request
}

func (m *mockProvider) Generate(_ context.Context, req llm.Request) (string, error) {
	m.calls++
	m.last = req
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

var profile = config.Profile{
	Name:           "William",
	Background:     "AI engineer",
	ExpertiseLevel: "Advanced",
	Interests:      []string{"RAG systems", "Agents"},
	Preferences: config.Preferences{
		{Name: "prefer_practical", Value: "true"},
		{Name: "avoid_marketing_hype", Value: "true"},
	},
}

func digests(ids ...string) []database.Digest {
	var out []database.Digest
	for _, s := range ids {
		id, err := database.ParseDigestID(s)
		if err != nil {
			panic(err)
		}
		out = append(out, database.Digest{ID: id, Title: "Title " + s, Summary: "Summary " + s, CreatedAt: time.Now()})
	}
	return out
}

func TestRankEmptyInputSkipsModel(t *testing.T) {
	p := &mockProvider{}
	ranked, err := NewCurator(p, profile).Rank(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ranked)
	assert.Zero(t, p.calls)
}

func TestRankSortsByRank(t *testing.T) {
	p := &mockProvider{response: `{"articles": [
		{"digest_id": "openai:g1", "relevance_score": 4.5, "rank": 3, "reasoning": "meh"},
		{"digest_id": "youtube:v1", "relevance_score": 9.1, "rank": 1, "reasoning": "agents"},
		{"digest_id": "anthropic:https://www.anthropic.com/news/x", "relevance_score": 7, "rank": 2, "reasoning": "safety"}
	]}`}
	in := digests("youtube:v1", "openai:g1", "anthropic:https://www.anthropic.com/news/x")

	ranked, err := NewCurator(p, profile).Rank(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, "youtube:v1", ranked[0].DigestID.String())
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "anthropic:https://www.anthropic.com/news/x", ranked[1].DigestID.String())
	assert.Equal(t, 3, ranked[2].Rank)

	assert.True(t, p.last.JSON)
	assert.Equal(t, 0.3, p.last.Temperature)
	assert.Contains(t, p.last.Prompt, "Rank these 3 AI news digests")
	assert.Contains(t, p.last.Prompt, "ID: openai:g1")
	assert.Contains(t, p.last.System, "Name: William")
}

func TestRankTooFewEntriesFails(t *testing.T) {
	p := &mockProvider{response: `{"articles": [
		{"digest_id": "youtube:a", "relevance_score": 9, "rank": 1, "reasoning": ""},
		{"digest_id": "youtube:b", "relevance_score": 8, "rank": 2, "reasoning": ""}
	]}`}

	ranked, err := NewCurator(p, profile).Rank(context.Background(), digests("youtube:a", "youtube:b", "youtube:c"))
	assert.ErrorIs(t, err, ErrRankingFailed)
	assert.Empty(t, ranked)
}

func TestRankModelErrorFails(t *testing.T) {
	p := &mockProvider{err: errors.New("timeout")}
	ranked, err := NewCurator(p, profile).Rank(context.Background(), digests("youtube:a"))
	assert.ErrorIs(t, err, ErrRankingFailed)
	assert.Empty(t, ranked)
}

func TestRankMalformedOutputFails(t *testing.T) {
	for _, resp := range []string{"", "not json", `{"articles": [{"digest_id": "bogus", "rank": 1}]}`} {
		ranked, err := NewCurator(&mockProvider{response: resp}, profile).Rank(context.Background(), digests("youtube:a"))
		assert.ErrorIs(t, err, ErrRankingFailed, "response %q", resp)
		assert.Empty(t, ranked)
	}
}

func TestRankWithoutProvider(t *testing.T) {
	ranked, err := NewCurator(nil, profile).Rank(context.Background(), digests("youtube:a"))
	assert.ErrorIs(t, err, ErrRankingFailed)
	assert.Empty(t, ranked)
}

func ids(ss ...string) []database.DigestID {
	var out []database.DigestID
	for _, d := range digests(ss...) {
		out = append(out, d.ID)
	}
	return out
}

func entry(id string, rank int, score float64) RankedArticle {
	parsed, _ := database.ParseDigestID(id)
	return RankedArticle{DigestID: parsed, Rank: rank, RelevanceScore: score}
}

func TestValidate(t *testing.T) {
	in := ids("youtube:a", "openai:b", "anthropic:c")

	cases := []struct {
		name   string
		ranked []RankedArticle
		ok     bool
	}{
		{"valid", []RankedArticle{entry("youtube:a", 2, 5), entry("openai:b", 1, 10), entry("anthropic:c", 3, 0)}, true},
		{"missing entry", []RankedArticle{entry("youtube:a", 1, 5), entry("openai:b", 2, 5)}, false},
		{"duplicate rank", []RankedArticle{entry("youtube:a", 1, 5), entry("openai:b", 1, 5), entry("anthropic:c", 3, 5)}, false},
		{"rank gap", []RankedArticle{entry("youtube:a", 1, 5), entry("openai:b", 2, 5), entry("anthropic:c", 4, 5)}, false},
		{"rank zero", []RankedArticle{entry("youtube:a", 0, 5), entry("openai:b", 1, 5), entry("anthropic:c", 2, 5)}, false},
		{"score too high", []RankedArticle{entry("youtube:a", 1, 10.5), entry("openai:b", 2, 5), entry("anthropic:c", 3, 5)}, false},
		{"negative score", []RankedArticle{entry("youtube:a", 1, -1), entry("openai:b", 2, 5), entry("anthropic:c", 3, 5)}, false},
		{"unknown id", []RankedArticle{entry("youtube:a", 1, 5), entry("openai:b", 2, 5), entry("anthropic:zzz", 3, 5)}, false},
		{"duplicate id", []RankedArticle{entry("youtube:a", 1, 5), entry("youtube:a", 2, 5), entry("anthropic:c", 3, 5)}, false},
	}

	for _, tc := range cases {
		err := Validate(in, tc.ranked)
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, ErrRankingFailed, tc.name)
		}
	}
}

func TestFormatProfile(t *testing.T) {
	text := FormatProfile(profile)
	assert.Contains(t, text, "Expertise Level: Advanced")
	assert.Contains(t, text, "- RAG systems")
	assert.True(t, strings.Index(text, "prefer_practical") < strings.Index(text, "avoid_marketing_hype"))
	assert.Contains(t, text, "- prefer_practical: yes")
}

func TestFormatProfilePreferenceValues(t *testing.T) {
	text := FormatProfile(config.Profile{Preferences: config.Preferences{
		{Name: "prefer_video", Value: "False"},
		{Name: "tone", Value: "concise"},
	}})
	assert.Contains(t, text, "- prefer_video: no")
	assert.Contains(t, text, "- tone: concise")
}
