// Package index keeps the rebuildable run lookup table in sqlite. It is
// a pure cache over the artifact tree: every method has a scan fallback
// at the repo seam, and Rebuild rederives all rows from the tree alone.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"jobtrace/internal/domain"
	"jobtrace/internal/repo"
)

type Index struct {
	DB   *sql.DB
	Root string
	Now  func() time.Time
}

func (ix Index) now() time.Time {
	if ix.Now != nil {
		return ix.Now()
	}
	return time.Now()
}

// Upsert writes one row inside a transaction. Single-writer-at-a-time
// discipline is scoped to the row; readers never wait behind more than
// one upsert.
func (ix Index) Upsert(ctx context.Context, row domain.RunIndexRow) error {
	if row.CandidateID == "" || row.RunID == "" {
		return fmt.Errorf("upsert: candidate and run id required")
	}
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := ix.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO run_index(candidate_id,run_id,status,started_at,finished_at,artifact_count,listing_count,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(candidate_id,run_id) DO UPDATE SET
  status=excluded.status,
  started_at=excluded.started_at,
  finished_at=excluded.finished_at,
  artifact_count=excluded.artifact_count,
  listing_count=excluded.listing_count,
  updated_at=excluded.updated_at`,
		row.CandidateID, row.RunID, row.Status, row.StartedAt, nullable(row.FinishedAt),
		row.ArtifactCount, row.ListingCount, now)
	if err != nil {
		return fmt.Errorf("upsert run %s/%s: %w", row.CandidateID, row.RunID, err)
	}
	return tx.Commit()
}

// List returns rows for a candidate ordered (started_at desc, run_id desc),
// stable under timestamp collisions.
func (ix Index) List(ctx context.Context, candidateID string, limit int) ([]domain.RunIndexRow, error) {
	query := `SELECT candidate_id,run_id,status,started_at,COALESCE(finished_at,''),artifact_count,listing_count
FROM run_index WHERE candidate_id=? ORDER BY started_at DESC, run_id DESC`
	args := []any{candidateID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ix.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RunIndexRow
	for rows.Next() {
		var r domain.RunIndexRow
		if err := rows.Scan(&r.CandidateID, &r.RunID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.ArtifactCount, &r.ListingCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one row or repo.ErrNotFound.
func (ix Index) Get(ctx context.Context, candidateID, runID string) (domain.RunIndexRow, error) {
	var r domain.RunIndexRow
	err := ix.DB.QueryRowContext(ctx, `SELECT candidate_id,run_id,status,started_at,COALESCE(finished_at,''),artifact_count,listing_count
FROM run_index WHERE candidate_id=? AND run_id=?`, candidateID, runID).
		Scan(&r.CandidateID, &r.RunID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.ArtifactCount, &r.ListingCount)
	if err == sql.ErrNoRows {
		return r, repo.ErrNotFound
	}
	return r, err
}

// Rebuild drops every row and rederives the table from the artifact
// tree. Idempotent; safe to run at any time, including against a
// corrupted table.
func (ix Index) Rebuild(ctx context.Context) (int, error) {
	candidates, err := repo.ScanCandidates(ix.Root)
	if err != nil {
		return 0, err
	}
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_index`); err != nil {
		return 0, fmt.Errorf("clear run_index: %w", err)
	}
	now := ix.now().UTC().Format(time.RFC3339)
	total := 0
	for _, cand := range candidates {
		rows, err := repo.ScanRuns(ix.Root, cand, 0)
		if err != nil {
			return 0, fmt.Errorf("scan candidate %s: %w", cand, err)
		}
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, `INSERT INTO run_index(candidate_id,run_id,status,started_at,finished_at,artifact_count,listing_count,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
				row.CandidateID, row.RunID, row.Status, row.StartedAt, nullable(row.FinishedAt),
				row.ArtifactCount, row.ListingCount, now); err != nil {
				return 0, fmt.Errorf("rebuild insert %s/%s: %w", row.CandidateID, row.RunID, err)
			}
			total++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
