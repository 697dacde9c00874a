package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/fetch"
)

type scriptedFetcher struct {
	outcomes map[string]fetch.Outcome
	calls    map[string]int
}

func newScriptedFetcher(outcomes map[string]fetch.Outcome) *scriptedFetcher {
	return &scriptedFetcher{outcomes: outcomes, calls: map[string]int{}}
}

func (f *scriptedFetcher) Fetch(_ context.Context, item database.Item) fetch.Outcome {
	f.calls[item.Key]++
	if out, ok := f.outcomes[item.Key]; ok {
		return out
	}
	return fetch.Transient(errors.New("unscripted"))
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *database.DB, typ database.SourceType, keys ...string) {
	t.Helper()
	var items []database.Item
	for _, k := range keys {
		items = append(items, database.Item{
			Type:        typ,
			Key:         k,
			Title:       "Item " + k,
			URL:         "https://example.com/" + k,
			PublishedAt: time.Now().Add(-time.Hour),
		})
	}
	_, err := db.PutMany(context.Background(), items)
	require.NoError(t, err)
}

func content(t *testing.T, db *database.DB, typ database.SourceType, key string) *string {
	t.Helper()
	item, err := db.GetItem(context.Background(), database.DigestID{Type: typ, Key: key})
	require.NoError(t, err)
	return item.Content
}

func TestBackfillOutcomes(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, database.SourceAnthropic, "ok", "gone", "flaky")

	f := newScriptedFetcher(map[string]fetch.Outcome{
		"ok":    fetch.Success("# Body"),
		"gone":  fetch.Unavailable("HTTP 404"),
		"flaky": fetch.Transient(errors.New("timeout")),
	})

	r, err := New(db, f, 3).Backfill(context.Background(), database.SourceAnthropic, 0)
	require.NoError(t, err)
	assert.Equal(t, &Result{Source: database.SourceAnthropic, Total: 3, Processed: 1, Unavailable: 1, Failed: 1}, r)

	assert.Equal(t, "# Body", *content(t, db, database.SourceAnthropic, "ok"))
	assert.Equal(t, database.ContentUnavailable, *content(t, db, database.SourceAnthropic, "gone"))
	assert.Nil(t, content(t, db, database.SourceAnthropic, "flaky"), "transient failure must leave the row untouched")
}

func TestSentinelIsNeverRetried(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, database.SourceYouTube, "v1")
	f := newScriptedFetcher(map[string]fetch.Outcome{"v1": fetch.Unavailable("transcripts disabled")})
	stage := New(db, f, 3)

	_, err := stage.Backfill(context.Background(), database.SourceYouTube, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := stage.Backfill(context.Background(), database.SourceYouTube, 0)
		require.NoError(t, err)
		assert.Zero(t, r.Total)
	}
	assert.Equal(t, 1, f.calls["v1"])
}

func TestTransientBecomesUnavailableAfterMaxAttempts(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, database.SourceYouTube, "v1")
	f := newScriptedFetcher(map[string]fetch.Outcome{"v1": fetch.Transient(errors.New("HTTP 429"))})
	stage := New(db, f, 2)
	ctx := context.Background()

	r, err := stage.Backfill(ctx, database.SourceYouTube, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Nil(t, content(t, db, database.SourceYouTube, "v1"))

	r, err = stage.Backfill(ctx, database.SourceYouTube, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 1, r.Unavailable)
	assert.Equal(t, database.ContentUnavailable, *content(t, db, database.SourceYouTube, "v1"))

	r, err = stage.Backfill(ctx, database.SourceYouTube, 0)
	require.NoError(t, err)
	assert.Zero(t, r.Total)
	assert.Equal(t, 2, f.calls["v1"])
}

func TestBackfillRespectsLimitAndType(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, database.SourceAnthropic, "a", "b", "c")
	seed(t, db, database.SourceOpenAI, "o")
	f := newScriptedFetcher(map[string]fetch.Outcome{
		"a": fetch.Success("x"), "b": fetch.Success("x"), "c": fetch.Success("x"), "o": fetch.Success("x"),
	})

	r, err := New(db, f, 0).Backfill(context.Background(), database.SourceAnthropic, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, 2, r.Processed)
	assert.Zero(t, f.calls["o"])
}

func TestBackfillEmptyStore(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, newScriptedFetcher(nil), 3).Backfill(context.Background(), database.SourceYouTube, 0)
	require.NoError(t, err)
	assert.Zero(t, r.Total)
}

type brokenStore struct{ Store }

func (brokenStore) ItemsMissingContent(context.Context, database.SourceType, int) ([]database.Item, error) {
	return nil, errors.New("connection lost")
}

func TestBackfillStoreErrorIsReturned(t *testing.T) {
	_, err := New(brokenStore{}, newScriptedFetcher(nil), 3).Backfill(context.Background(), database.SourceYouTube, 0)
	assert.Error(t, err)
}
