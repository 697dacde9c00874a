package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

type runReportRow struct {
	ID         string `db:"id"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Success    int    `db:"success"`
	Error      string `db:"error"`
	Steps      string `db:"steps"`
}

func (r runReportRow) toReport() RunReport {
	return RunReport{
		ID:         r.ID,
		StartedAt:  parseTime(r.StartedAt),
		FinishedAt: parseTime(r.FinishedAt),
		Success:    r.Success != 0,
		Error:      r.Error,
		Steps:      r.Steps,
	}
}

// InsertRunReport persists the outcome of a pipeline run.
func (db *DB) InsertRunReport(ctx context.Context, r RunReport) error {
	query, args, err := db.sb.Insert("run_reports").
		Columns("id", "started_at", "finished_at", "success", "error", "steps").
		Values(r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), lo.Ternary(r.Success, 1, 0), r.Error, r.Steps).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting run report: %w", err)
	}
	return nil
}

// GetRunReports returns the most recent run reports, newest first.
func (db *DB) GetRunReports(ctx context.Context, limit int) ([]RunReport, error) {
	q := db.sb.Select("id", "started_at", "finished_at", "success", "error", "steps").
		From("run_reports").
		OrderBy("started_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []runReportRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying run reports: %w", err)
	}
	return lo.Map(rows, func(r runReportRow, _ int) RunReport { return r.toReport() }), nil
}

// GetStats returns per-source item counts, digest and run totals.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Items:          make(map[SourceType]int),
		MissingContent: make(map[SourceType]int),
		Unavailable:    make(map[SourceType]int),
	}

	for _, t := range AllSourceTypes {
		st, err := tableFor(t)
		if err != nil {
			return nil, err
		}
		if stats.Items[t], err = db.count(ctx, db.sb.Select("COUNT(*)").From(st.name)); err != nil {
			return nil, fmt.Errorf("counting %s items: %w", t, err)
		}
		if stats.MissingContent[t], err = db.CountMissingContent(ctx, t); err != nil {
			return nil, fmt.Errorf("counting %s missing content: %w", t, err)
		}
		if stats.Unavailable[t], err = db.count(ctx, db.sb.Select("COUNT(*)").From(st.name).
			Where(sq.Eq{st.contentCol: ContentUnavailable})); err != nil {
			return nil, fmt.Errorf("counting %s unavailable: %w", t, err)
		}
	}

	var err error
	if stats.Digests, err = db.CountDigests(ctx); err != nil {
		return nil, fmt.Errorf("counting digests: %w", err)
	}
	if stats.Runs, err = db.count(ctx, db.sb.Select("COUNT(*)").From("run_reports")); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	reports, err := db.GetRunReports(ctx, 1)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if len(reports) > 0 {
		stats.LastRun = &reports[0]
	}

	return stats, nil
}

// SetClock replaces the time source used for stamping rows and computing
// windows.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}
