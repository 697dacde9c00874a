package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

type digestRow struct {
	ID          string `db:"id"`
	ArticleType string `db:"article_type"`
	ArticleID   string `db:"article_id"`
	URL         string `db:"url"`
	Title       string `db:"title"`
	Summary     string `db:"summary"`
	CreatedAt   string `db:"created_at"`
}

func (r digestRow) toDigest() Digest {
	return Digest{
		ID:        DigestID{Type: SourceType(r.ArticleType), Key: r.ArticleID},
		URL:       r.URL,
		Title:     r.Title,
		Summary:   r.Summary,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

var digestColumns = []string{"id", "article_type", "article_id", "url", "title", "summary", "created_at"}

// InsertDigest stores a digest unless one with the same ID exists.
// Returns false for an existing digest; stored digests are never replaced.
// A zero CreatedAt is stamped with the current time.
func (db *DB) InsertDigest(ctx context.Context, d Digest) (bool, error) {
	exists, err := db.DigestExists(ctx, d.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = db.now()
	}

	query, args, err := db.sb.Insert("digests").
		Columns(digestColumns...).
		Values(d.ID.String(), string(d.ID.Type), d.ID.Key, d.URL, d.Title, d.Summary, formatTime(createdAt)).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting digest %s: %w", d.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DigestExists reports whether a digest with the given ID is stored.
func (db *DB) DigestExists(ctx context.Context, id DigestID) (bool, error) {
	n, err := db.count(ctx, db.sb.Select("COUNT(*)").From("digests").Where(sq.Eq{"id": id.String()}))
	if err != nil {
		return false, fmt.Errorf("checking digest %s: %w", id, err)
	}
	return n > 0, nil
}

// GetDigest returns a single digest by ID.
func (db *DB) GetDigest(ctx context.Context, id DigestID) (*Digest, error) {
	query, args, err := db.sb.Select(digestColumns...).From("digests").Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return nil, err
	}
	var row digestRow
	if err := db.conn.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d := row.toDigest()
	return &d, nil
}

// RecentDigests returns digests created at or after since, newest first.
func (db *DB) RecentDigests(ctx context.Context, since time.Time) ([]Digest, error) {
	query, args, err := db.sb.Select(digestColumns...).
		From("digests").
		Where(sq.GtOrEq{"created_at": formatTime(ceilSecond(since))}).
		OrderBy("created_at DESC", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []digestRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying recent digests: %w", err)
	}
	return lo.Map(rows, func(r digestRow, _ int) Digest { return r.toDigest() }), nil
}

// GetRecentDigests returns digests whose created_at is within the last hours.
// The lower edge is inclusive.
func (db *DB) GetRecentDigests(ctx context.Context, hours int) ([]Digest, error) {
	return db.RecentDigests(ctx, db.now().Add(-time.Duration(hours)*time.Hour))
}

// CountDigests returns the number of stored digests.
func (db *DB) CountDigests(ctx context.Context) (int, error) {
	return db.count(ctx, db.sb.Select("COUNT(*)").From("digests"))
}

// ceilSecond rounds up to the stored one-second precision so that a digest
// stamped just before since never slips into the window.
func ceilSecond(t time.Time) time.Time {
	if tr := t.Truncate(time.Second); !tr.Equal(t) {
		return tr.Add(time.Second)
	}
	return t
}
