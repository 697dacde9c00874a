package database

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

// sourceTable maps a source type to its table and column names.
type sourceTable struct {
	name       string
	keyCol     string
	contentCol string
}

func tableFor(t SourceType) (sourceTable, error) {
	switch t {
	case SourceYouTube:
		return sourceTable{name: "youtube_videos", keyCol: "video_id", contentCol: "transcript"}, nil
	case SourceOpenAI:
		return sourceTable{name: "openai_articles", keyCol: "guid", contentCol: "body"}, nil
	case SourceAnthropic:
		return sourceTable{name: "anthropic_articles", keyCol: "guid", contentCol: "body"}, nil
	}
	return sourceTable{}, fmt.Errorf("%w: %q", ErrUnknownSourceType, t)
}

// selectColumns returns the aliased select list shared by every source,
// so that rows from all tables scan into itemRow.
func (st sourceTable) selectColumns(alias string) []string {
	col := func(c string) string { return alias + "." + c }
	channel, category := "'' AS channel_id", col("category")
	if st.name == "youtube_videos" {
		channel, category = col("channel_id"), "NULL"
	}
	return []string{
		col(st.keyCol) + " AS item_key",
		col("title"),
		col("url"),
		channel,
		col("published_at"),
		col("description"),
		category + " AS category",
		col(st.contentCol) + " AS content",
		col("fetch_attempts"),
	}
}

type itemRow struct {
	Key           string         `db:"item_key"`
	Title         string         `db:"title"`
	URL           string         `db:"url"`
	ChannelID     string         `db:"channel_id"`
	PublishedAt   string         `db:"published_at"`
	Description   string         `db:"description"`
	Category      sql.NullString `db:"category"`
	Content       sql.NullString `db:"content"`
	FetchAttempts int            `db:"fetch_attempts"`
}

func (r itemRow) toItem(t SourceType) Item {
	item := Item{
		Type:          t,
		Key:           r.Key,
		Title:         r.Title,
		URL:           r.URL,
		ChannelID:     r.ChannelID,
		PublishedAt:   parseTime(r.PublishedAt),
		Description:   r.Description,
		FetchAttempts: r.FetchAttempts,
	}
	if r.Category.Valid {
		item.Category = lo.ToPtr(r.Category.String)
	}
	if r.Content.Valid {
		item.Content = lo.ToPtr(r.Content.String)
	}
	return item
}

// PutMany inserts items whose natural key is not yet stored and returns how
// many rows were actually inserted. Existing rows are never touched, and each
// item is committed on its own.
func (db *DB) PutMany(ctx context.Context, items []Item) (int, error) {
	collectedAt := formatTime(db.now())
	inserted := 0

	for _, item := range items {
		st, err := tableFor(item.Type)
		if err != nil {
			return inserted, err
		}

		published := item.PublishedAt
		if published.IsZero() {
			published = db.now()
		}

		insert := db.sb.Insert(st.name)
		if item.Type.IsVideo() {
			insert = insert.
				Columns("video_id", "title", "url", "channel_id", "published_at", "description", "collected_at").
				Values(item.Key, item.Title, item.URL, item.ChannelID, formatTime(published), item.Description, collectedAt)
		} else {
			insert = insert.
				Columns("guid", "title", "url", "published_at", "description", "category", "collected_at").
				Values(item.Key, item.Title, item.URL, formatTime(published), item.Description, item.Category, collectedAt)
		}
		insert = insert.Suffix(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", st.keyCol))

		query, args, err := insert.ToSql()
		if err != nil {
			return inserted, fmt.Errorf("building insert: %w", err)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("inserting %s %q: %w", item.Type, item.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}

	return inserted, nil
}

// GetItem returns a single item by identity.
func (db *DB) GetItem(ctx context.Context, id DigestID) (*Item, error) {
	st, err := tableFor(id.Type)
	if err != nil {
		return nil, err
	}
	query, args, err := db.sb.Select(st.selectColumns("s")...).
		From(st.name + " s").
		Where(sq.Eq{"s." + st.keyCol: id.Key}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row itemRow
	if err := db.conn.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item := row.toItem(id.Type)
	return &item, nil
}

// ItemsMissingContent returns items of the given type whose content column
// is NULL, newest first. A limit of zero or less means no limit.
func (db *DB) ItemsMissingContent(ctx context.Context, t SourceType, limit int) ([]Item, error) {
	st, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	q := db.sb.Select(st.selectColumns("s")...).
		From(st.name + " s").
		Where(sq.Eq{"s." + st.contentCol: nil}).
		OrderBy("s.published_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.selectItems(ctx, t, q)
}

// CountMissingContent counts items of the given type still waiting for content.
func (db *DB) CountMissingContent(ctx context.Context, t SourceType) (int, error) {
	st, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	return db.count(ctx, db.sb.Select("COUNT(*)").From(st.name).Where(sq.Eq{st.contentCol: nil}))
}

// SetContent writes content for an item whose content is still NULL.
// It reports false when the item is missing or already has content, which
// keeps the write one-shot.
func (db *DB) SetContent(ctx context.Context, t SourceType, key, content string) (bool, error) {
	st, err := tableFor(t)
	if err != nil {
		return false, err
	}
	query, args, err := db.sb.Update(st.name).
		Set(st.contentCol, content).
		Where(sq.Eq{st.keyCol: key, st.contentCol: nil}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("setting content for %s %q: %w", t, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUnavailable stores the unavailable sentinel for an item.
func (db *DB) MarkUnavailable(ctx context.Context, t SourceType, key string) (bool, error) {
	return db.SetContent(ctx, t, key, ContentUnavailable)
}

// RecordFetchFailure increments fetch_attempts for an item that still has no
// content and returns the new attempt count.
func (db *DB) RecordFetchFailure(ctx context.Context, t SourceType, key string) (int, error) {
	st, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	query, args, err := db.sb.Update(st.name).
		Set("fetch_attempts", sq.Expr("fetch_attempts + 1")).
		Where(sq.Eq{st.keyCol: key, st.contentCol: nil}).
		ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("recording fetch failure for %s %q: %w", t, key, err)
	}

	query, args, err = db.sb.Select("fetch_attempts").From(st.name).Where(sq.Eq{st.keyCol: key}).ToSql()
	if err != nil {
		return 0, err
	}
	var attempts int
	if err := db.conn.GetContext(ctx, &attempts, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// ItemsWithoutDigest returns items that have no digest yet and whose content
// state allows summarizing. Videos need a real transcript. Article sources
// listed in requireBody need a non-NULL body (the sentinel is allowed since
// the description stands in for it); other article sources are feed-only.
// Sources are walked in AllSourceTypes order and limit applies overall.
func (db *DB) ItemsWithoutDigest(ctx context.Context, requireBody map[SourceType]bool, limit int) ([]Item, error) {
	var out []Item

	for _, t := range AllSourceTypes {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}

		st, err := tableFor(t)
		if err != nil {
			return nil, err
		}

		content := "s." + st.contentCol
		q := db.sb.Select(st.selectColumns("s")...).
			From(st.name + " s").
			LeftJoin(fmt.Sprintf("digests d ON d.id = '%s:' || s.%s", t, st.keyCol)).
			Where("d.id IS NULL").
			OrderBy("s.published_at DESC")

		switch {
		case t.IsVideo():
			q = q.Where(sq.And{sq.NotEq{content: nil}, sq.NotEq{content: ContentUnavailable}})
		case requireBody[t]:
			q = q.Where(sq.NotEq{content: nil})
		}
		if remaining > 0 {
			q = q.Limit(uint64(remaining))
		}

		items, err := db.selectItems(ctx, t, q)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}

	return out, nil
}

func (db *DB) selectItems(ctx context.Context, t SourceType, q sq.SelectBuilder) ([]Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []itemRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying %s items: %w", t, err)
	}
	return lo.Map(rows, func(r itemRow, _ int) Item { return r.toItem(t) }), nil
}

func (db *DB) count(ctx context.Context, q sq.SelectBuilder) (int, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.GetContext(ctx, &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}
