package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"jobtrace/internal/catalog"
	"jobtrace/internal/domain"
	"jobtrace/internal/manifest"
)

// ScanRuns enumerates a candidate's run directories and rederives index
// rows from terminal artifacts. This is the correctness-equivalent
// fallback for every index read.
func ScanRuns(root, candidateID string, limit int) ([]domain.RunIndexRow, error) {
	dir := CandidateDir(root, candidateID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []domain.RunIndexRow
	for _, e := range entries {
		if !e.IsDir() || !domain.ValidID(e.Name()) {
			continue
		}
		row, err := RowFromRunDir(filepath.Join(dir, e.Name()), candidateID, e.Name())
		if err != nil {
			// Unfinalized or damaged run dirs are invisible to readers;
			// finalized runs are always complete.
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StartedAt != rows[j].StartedAt {
			return rows[i].StartedAt > rows[j].StartedAt
		}
		return rows[i].RunID > rows[j].RunID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ScanCandidates lists candidate namespaces present in the tree.
func ScanCandidates(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "candidates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && domain.ValidID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// RowFromRunDir rederives one index row from a finalized run directory.
func RowFromRunDir(dir, candidateID, runID string) (domain.RunIndexRow, error) {
	data, err := os.ReadFile(filepath.Join(dir, catalog.KeyRunSummary+".json"))
	if err != nil {
		return domain.RunIndexRow{}, fmt.Errorf("run %s not finalized: %w", runID, err)
	}
	var summary domain.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return domain.RunIndexRow{}, fmt.Errorf("run %s summary: %w", runID, err)
	}
	row := domain.RunIndexRow{
		CandidateID:   candidateID,
		RunID:         runID,
		Status:        summary.Status,
		StartedAt:     summary.StartedAt,
		FinishedAt:    summary.FinishedAt,
		ArtifactCount: summary.ArtifactCount,
		ListingCount:  summary.ListingCount,
	}
	if row.ArtifactCount == 0 {
		if entries, err := manifest.Load(dir); err == nil {
			row.ArtifactCount = len(entries)
		}
	}
	return row, nil
}
