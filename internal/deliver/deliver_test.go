package deliver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/curate"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/llm"
)

var testDate = time.Date(2026, 2, 6, 8, 30, 0, 0, time.UTC)

type fakeStore struct {
	digests []database.Digest
	err     error
}

func (s fakeStore) GetRecentDigests(context.Context, int) ([]database.Digest, error) {
	return s.digests, s.err
}

type fakeRanker struct {
	ranked []curate.RankedArticle
	err    error
	calls  int
}

func (r *fakeRanker) Rank(context.Context, []database.Digest) ([]curate.RankedArticle, error) {
	r.calls++
	return r.ranked, r.err
}

type recordingTransport struct {
	sent []Message
	err  error
}

func (t *recordingTransport) Send(_ context.Context, msg Message) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

type mockProvider struct {
	response string
	err      error
	last     llm.Request
}

func (m *mockProvider) Generate(_ context.Context, req llm.Request) (string, error) {
	m.last = req
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func digest(id, title string) database.Digest {
	parsed, err := database.ParseDigestID(id)
	if err != nil {
		panic(err)
	}
	return database.Digest{ID: parsed, Title: title, URL: "https://example.com/" + parsed.Key, Summary: "Summary of " + title}
}

func rankedAs(id string, rank int, score float64) curate.RankedArticle {
	parsed, _ := database.ParseDigestID(id)
	return curate.RankedArticle{DigestID: parsed, Rank: rank, RelevanceScore: score, Reasoning: "fits " + id}
}

var window = []database.Digest{
	digest("youtube:v1", "Agents in production"),
	digest("openai:g1", "New reasoning model"),
	digest("anthropic:https://www.anthropic.com/news/x", "Interpretability update"),
}

var ranking = []curate.RankedArticle{
	rankedAs("openai:g1", 2, 7.5),
	rankedAs("anthropic:https://www.anthropic.com/news/x", 3, 4),
	rankedAs("youtube:v1", 1, 9.2),
}

func newDeliverer(store Store, ranker Ranker, tr Transport, provider llm.Provider) *Deliverer {
	d := New(store, ranker, tr, provider, 0, config.Profile{Name: "William", Background: "AI engineer"})
	d.now = func() time.Time { return testDate }
	return d
}

func TestSendDeliversTopN(t *testing.T) {
	tr := &recordingTransport{}
	d := newDeliverer(fakeStore{digests: window}, &fakeRanker{ranked: ranking}, tr, nil)

	r, err := d.Send(context.Background(), 24, 2)
	require.NoError(t, err)
	assert.Equal(t, &Result{Success: true, Subject: "Daily AI News Digest - Feb 06, 2026", ArticlesCount: 2}, r)

	require.Len(t, tr.sent, 1)
	msg := tr.sent[0]
	assert.True(t, strings.HasPrefix(msg.Text, "Hello William,\n\nHere is your AI news digest for February 6, 2026."))
	first := strings.Index(msg.Text, "Agents in production")
	second := strings.Index(msg.Text, "New reasoning model")
	assert.True(t, first > 0 && second > first, "articles must appear in rank order")
	assert.NotContains(t, msg.Text, "Interpretability update")
	assert.Contains(t, msg.Text, "**Why it matters:** fits youtube:v1")
	assert.Contains(t, msg.Text, "Video from youtube · Relevance 9.2/10")

	assert.Contains(t, msg.HTML, "<title>Daily AI News Digest - Feb 06, 2026</title>")
	assert.Contains(t, msg.HTML, `<a href="https://example.com/v1">Agents in production</a>`)
}

func TestSendNoDigests(t *testing.T) {
	ranker := &fakeRanker{}
	tr := &recordingTransport{}
	r, err := newDeliverer(fakeStore{}, ranker, tr, nil).Send(context.Background(), 24, 10)
	require.NoError(t, err)
	assert.Equal(t, &Result{Error: "no digests available"}, r)
	assert.Zero(t, ranker.calls)
	assert.Empty(t, tr.sent)
}

func TestSendRankingFailed(t *testing.T) {
	tr := &recordingTransport{}
	ranker := &fakeRanker{ranked: []curate.RankedArticle{}, err: curate.ErrRankingFailed}
	r, err := newDeliverer(fakeStore{digests: window}, ranker, tr, nil).Send(context.Background(), 24, 10)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "failed to rank articles", r.Error)
	assert.Empty(t, tr.sent)
}

func TestSendStoreError(t *testing.T) {
	_, err := newDeliverer(fakeStore{err: errors.New("db closed")}, &fakeRanker{}, &recordingTransport{}, nil).
		Send(context.Background(), 24, 10)
	assert.Error(t, err)
}

func TestDeliverDanglingDigestFailsLoudly(t *testing.T) {
	tr := &recordingTransport{}
	bad := append([]curate.RankedArticle{rankedAs("youtube:ghost", 4, 1)}, ranking...)
	_, err := newDeliverer(fakeStore{}, &fakeRanker{}, tr, nil).Deliver(context.Background(), bad, window, 10)
	assert.ErrorIs(t, err, ErrDanglingDigest)
	assert.Empty(t, tr.sent, "nothing may be sent when the join fails")
}

func TestDeliverTransportError(t *testing.T) {
	tr := &recordingTransport{err: errors.New("connection refused")}
	r, err := newDeliverer(fakeStore{}, &fakeRanker{}, tr, nil).Deliver(context.Background(), ranking, window, 10)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "sending email: connection refused", r.Error)
	assert.Equal(t, "Daily AI News Digest - Feb 06, 2026", r.Subject)
}

func TestIntroductionFromModel(t *testing.T) {
	tr := &recordingTransport{}
	p := &mockProvider{response: `{"introduction": "Agents had a big day."}`}
	_, err := newDeliverer(fakeStore{}, &fakeRanker{}, tr, p).Deliver(context.Background(), ranking, window, 10)
	require.NoError(t, err)
	assert.Contains(t, tr.sent[0].Text, "Agents had a big day.")
	assert.Equal(t, 512, p.last.MaxTokens)
}

func TestIntroductionUsesConfiguredMaxTokens(t *testing.T) {
	p := &mockProvider{response: `{"introduction": "Short day."}`}
	d := New(fakeStore{}, &fakeRanker{}, &recordingTransport{}, p, 1024, config.Profile{Name: "William"})
	_, err := d.Deliver(context.Background(), ranking, window, 10)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.last.MaxTokens)
}

func TestIntroductionFallback(t *testing.T) {
	for _, p := range []llm.Provider{nil, &mockProvider{err: errors.New("down")}, &mockProvider{response: "{}"}} {
		tr := &recordingTransport{}
		_, err := newDeliverer(fakeStore{}, &fakeRanker{}, tr, p).Deliver(context.Background(), ranking, window, 10)
		require.NoError(t, err)
		assert.Contains(t, tr.sent[0].Text, "Today's digest has 3 picks for you, led by Agents in production.")
	}
}

func TestPreview(t *testing.T) {
	d := newDeliverer(fakeStore{digests: window}, &fakeRanker{ranked: ranking}, &recordingTransport{}, nil)
	msg, err := d.Preview(context.Background(), 24, 1)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "Agents in production")
	assert.NotContains(t, msg.Text, "New reasoning model")

	_, err = newDeliverer(fakeStore{}, &fakeRanker{}, nil, nil).Preview(context.Background(), 24, 1)
	assert.ErrorIs(t, err, ErrNoDigests)

	_, err = newDeliverer(fakeStore{digests: window}, &fakeRanker{}, nil, nil).Preview(context.Background(), 24, 1)
	assert.ErrorIs(t, err, curate.ErrRankingFailed)
}

func TestLinkTitlesAndURLsAreEscaped(t *testing.T) {
	tricky := digest("openai:g1", "Why *everyone* [really] loves RAG]")
	tricky.URL = "https://example.com/a b"
	tr := &recordingTransport{}
	_, err := newDeliverer(fakeStore{}, &fakeRanker{}, tr, nil).
		Deliver(context.Background(), []curate.RankedArticle{rankedAs("openai:g1", 1, 8)}, []database.Digest{tricky}, 1)
	require.NoError(t, err)

	html := tr.sent[0].HTML
	assert.Contains(t, html, `<a href="https://example.com/a`)
	assert.Contains(t, html, `>Why *everyone* [really] loves RAG]</a>`)
	assert.NotContains(t, html, "<em>everyone</em>")
	assert.Contains(t, tr.sent[0].Text, `[Why \*everyone\* \[really\] loves RAG\]](<https://example.com/a b>)`)
}

func TestJoinKeepsAllWhenTopNNotPositive(t *testing.T) {
	entries, err := Join(ranking, window, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Rank, entries[1].Rank, entries[2].Rank})
}

func TestFileTransport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	tr := NewFileTransport(dir)
	tr.now = func() time.Time { return testDate }

	err := tr.Send(context.Background(), Message{Subject: "S", Text: "# Body", HTML: "<h1>Body</h1>"})
	require.NoError(t, err)

	text, err := os.ReadFile(filepath.Join(dir, "digest-20260206-083000.md"))
	require.NoError(t, err)
	assert.Equal(t, "Subject: S\n\n# Body", string(text))

	html, err := os.ReadFile(filepath.Join(dir, "digest-20260206-083000.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>Body</h1>", string(html))
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(config.Email{Transport: "file"}, "/tmp/data")
	require.NoError(t, err)
	ft, ok := tr.(*FileTransport)
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/tmp/data", "outbox"), ft.Dir())

	_, err = NewTransport(config.Email{Transport: "pigeon"}, "")
	assert.Error(t, err)

	_, err = NewTransport(config.Email{Transport: "smtp", Host: "smtp.example.com", Port: 587}, "")
	assert.Error(t, err, "smtp without a sender must be rejected")
}

func TestSMTPMessage(t *testing.T) {
	tr, err := NewSMTPTransport(config.Email{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "me@example.com",
		StartTLS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"me@example.com"}, tr.to)

	m, err := tr.build(Message{Subject: "Daily", Text: "plain", HTML: "<p>rich</p>"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	tr.to = []string{"not an address"}
	_, err = tr.build(Message{Subject: "x"})
	assert.Error(t, err)
}
