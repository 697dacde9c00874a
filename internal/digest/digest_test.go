package digest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	err      error
	requests []llm.Request
}

func (m *mockProvider) Generate(_ context.Context, req llm.Request) (string, error) {
	m.requests = append(m.requests, req)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

var published = time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)

func addVideo(t *testing.T, db *database.DB, key, transcript string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.PutMany(ctx, []database.Item{{
		Type:        database.SourceYouTube,
		Key:         key,
		Title:       "Video " + key,
		URL:         "https://www.youtube.com/watch?v=" + key,
		PublishedAt: published,
	}})
	if err != nil {
		t.Fatalf("PutMany: %v", err)
	}
	if _, err := db.SetContent(ctx, database.SourceYouTube, key, transcript); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
}

const okResponse = `{"title": "Agents get memory", "summary": "A new approach to agent memory. It matters for long tasks."}`

func TestGenerateOneEmptyContent(t *testing.T) {
	db := openTestDB(t)
	addVideo(t, db, "full", "a transcript about agents")
	addVideo(t, db, "empty", "")

	provider := &mockProvider{response: okResponse}
	g := NewGenerator(db, NewLLMSummarizer(provider, 0), nil)

	r, err := g.Generate(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Total != 2 || r.Processed != 1 || r.Failed != 1 {
		t.Errorf("expected {2,1,1}, got %+v", r)
	}
	if len(provider.requests) != 1 {
		t.Errorf("expected blank content to skip the model, got %d calls", len(provider.requests))
	}

	n, _ := db.CountDigests(context.Background())
	if n != 1 {
		t.Errorf("expected exactly one digest, got %d", n)
	}

	d, err := db.GetDigest(context.Background(), database.DigestID{Type: database.SourceYouTube, Key: "full"})
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if d.Title != "Agents get memory" {
		t.Errorf("unexpected title %q", d.Title)
	}
	if !d.CreatedAt.Equal(published) {
		t.Errorf("expected created_at from published_at, got %v", d.CreatedAt)
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	addVideo(t, db, "v1", "transcript one")
	addVideo(t, db, "v2", "transcript two")

	g := NewGenerator(db, NewLLMSummarizer(&mockProvider{response: okResponse}, 0), nil)
	first, err := g.Generate(context.Background(), 0)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", first.Processed)
	}

	second, err := g.Generate(context.Background(), 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Total != 0 || second.Processed != 0 {
		t.Errorf("expected nothing left to digest, got %+v", second)
	}
	n, _ := db.CountDigests(context.Background())
	if n != 2 {
		t.Errorf("expected 2 digests, got %d", n)
	}
}

func TestGenerateModelFailureIsRetriedNextRun(t *testing.T) {
	db := openTestDB(t)
	addVideo(t, db, "v1", "transcript")

	failing := &mockProvider{err: errors.New("rate limited")}
	r, err := NewGenerator(db, NewLLMSummarizer(failing, 0), nil).Generate(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Failed != 1 || r.Processed != 0 {
		t.Errorf("expected 1 failed, got %+v", r)
	}

	r, err = NewGenerator(db, NewLLMSummarizer(&mockProvider{response: okResponse}, 0), nil).Generate(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Processed != 1 {
		t.Errorf("expected retry to succeed, got %+v", r)
	}
}

func TestGenerateRejectsIncompleteOutput(t *testing.T) {
	db := openTestDB(t)
	addVideo(t, db, "v1", "transcript")

	for _, resp := range []string{`{"title": "", "summary": "x"}`, `{"title": "x"}`, "not json", ""} {
		r, err := NewGenerator(db, NewLLMSummarizer(&mockProvider{response: resp}, 0), nil).Generate(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Failed != 1 {
			t.Errorf("response %q: expected failure, got %+v", resp, r)
		}
	}
}

func TestGenerateTruncatesContent(t *testing.T) {
	db := openTestDB(t)
	addVideo(t, db, "long", strings.Repeat("é", MaxContentChars+500))

	provider := &mockProvider{response: okResponse}
	if _, err := NewGenerator(db, NewLLMSummarizer(provider, 0), nil).Generate(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.requests) != 1 {
		t.Fatalf("expected one model call, got %d", len(provider.requests))
	}
	req := provider.requests[0]
	if got := strings.Count(req.Prompt, "é"); got != MaxContentChars {
		t.Errorf("expected %d content runes in prompt, got %d", MaxContentChars, got)
	}
	if !req.JSON || req.Temperature != 0.7 {
		t.Errorf("unexpected request settings %+v", req)
	}
	if !strings.Contains(req.Prompt, "video from youtube") {
		t.Errorf("expected source in prompt, got %q", req.Prompt[:80])
	}
}

func TestGenerateWithoutSummarizer(t *testing.T) {
	db := openTestDB(t)
	if _, err := NewGenerator(db, nil, nil).Generate(context.Background(), 0); err == nil {
		t.Fatal("expected error without summarizer")
	}
}

func TestContent(t *testing.T) {
	desc := "feed description"
	cases := []struct {
		name        string
		item        database.Item
		bodyFetched bool
		want        string
	}{
		{"video transcript", database.Item{Type: database.SourceYouTube, Content: ptr("words"), Description: desc}, false, "words"},
		{"video unavailable", database.Item{Type: database.SourceYouTube, Content: ptr(database.ContentUnavailable), Description: desc}, false, ""},
		{"video missing", database.Item{Type: database.SourceYouTube, Description: desc}, false, ""},
		{"article body", database.Item{Type: database.SourceAnthropic, Content: ptr("# Body"), Description: desc}, true, "# Body"},
		{"article body unavailable", database.Item{Type: database.SourceAnthropic, Content: ptr(database.ContentUnavailable), Description: desc}, true, desc},
		{"article body blank", database.Item{Type: database.SourceAnthropic, Content: ptr("  "), Description: desc}, true, desc},
		{"feed only", database.Item{Type: database.SourceOpenAI, Description: desc}, false, desc},
	}
	for _, tc := range cases {
		if got := Content(tc.item, tc.bodyFetched); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("expected 'hé', got %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	long := strings.Repeat("ü", 20)
	if got := Truncate(long, 5); utf8.RuneCountInString(got) != 5 || !utf8.ValidString(got) {
		t.Errorf("expected 5 valid runes, got %q", got)
	}
}

func TestSummarizerMaxTokens(t *testing.T) {
	for _, tc := range []struct {
		configured, want int
	}{
		{0, 512},
		{1024, 1024},
	} {
		provider := &mockProvider{response: okResponse}
		if _, err := NewLLMSummarizer(provider, tc.configured).Summarize(context.Background(), "t", "c", database.SourceOpenAI); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := provider.requests[0].MaxTokens; got != tc.want {
			t.Errorf("max_tokens %d: expected %d in request, got %d", tc.configured, tc.want, got)
		}
	}
}
