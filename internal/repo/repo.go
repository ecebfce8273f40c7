// Package repo is the only legal seam for resolving run directories and
// artifact paths. The directory tree is the source of truth; the sqlite
// index is a cache it can always fall back past.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jobtrace/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidID  = errors.New("invalid id")
	ErrPathEscape = errors.New("artifact path escapes run root")
)

// RowSource is the fast lookup path, satisfied by index.Index. Any
// error or empty result falls back to a full tree scan with identical
// logical output.
type RowSource interface {
	List(ctx context.Context, candidateID string, limit int) ([]domain.RunIndexRow, error)
	Get(ctx context.Context, candidateID, runID string) (domain.RunIndexRow, error)
}

type Repo struct {
	Root  string
	Index RowSource
}

// CandidateDir returns the directory owning all of a candidate's runs.
func CandidateDir(root, candidateID string) string {
	return filepath.Join(root, "candidates", candidateID, "runs")
}

// ResolveRunDir returns the directory owned by (candidateID, runID).
// A lookup scoped to one candidate can never resolve into another
// candidate's tree, even on run-id collision: both ids are validated
// and joined under the candidate's own subtree only.
func (r Repo) ResolveRunDir(candidateID, runID string) (string, error) {
	if !domain.ValidID(candidateID) {
		return "", fmt.Errorf("candidate %q: %w", candidateID, ErrInvalidID)
	}
	if !domain.ValidID(runID) {
		return "", fmt.Errorf("run %q: %w", runID, ErrInvalidID)
	}
	dir := filepath.Join(CandidateDir(r.Root, candidateID), runID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("run %s/%s: %w", candidateID, runID, ErrNotFound)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("run %s/%s: %w", candidateID, runID, ErrNotFound)
	}
	return dir, nil
}

// EnsureRunDir creates the run directory for a new run.
func (r Repo) EnsureRunDir(candidateID, runID string) (string, error) {
	if !domain.ValidID(candidateID) {
		return "", fmt.Errorf("candidate %q: %w", candidateID, ErrInvalidID)
	}
	if !domain.ValidID(runID) {
		return "", fmt.Errorf("run %q: %w", runID, ErrInvalidID)
	}
	dir := filepath.Join(CandidateDir(r.Root, candidateID), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolveArtifactPath resolves a caller-supplied artifact name inside a
// run's own root. Names with "..", absolute paths, or symlink targets
// outside the run root are rejected, never normalized into a
// plausible-but-wrong path.
func (r Repo) ResolveArtifactPath(candidateID, runID, name string) (string, error) {
	runDir, err := r.ResolveRunDir(candidateID, runID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("artifact name empty: %w", ErrInvalidID)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("artifact %q: %w", name, ErrPathEscape)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact %q: %w", name, ErrPathEscape)
	}
	candidate := filepath.Join(runDir, clean)
	if !within(runDir, candidate) {
		return "", fmt.Errorf("artifact %q: %w", name, ErrPathEscape)
	}
	// Symlink escape: resolve the real path and require it stays under
	// the run root's real path.
	realRun, err := filepath.EvalSymlinks(runDir)
	if err != nil {
		return "", err
	}
	realPath, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("artifact %s/%s/%s: %w", candidateID, runID, name, ErrNotFound)
		}
		return "", err
	}
	if !within(realRun, realPath) {
		return "", fmt.Errorf("artifact %q: %w", name, ErrPathEscape)
	}
	return candidate, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ListRuns returns index rows for a candidate ordered by
// (started_at desc, run_id desc). The index answers when healthy; any
// index error or empty result degrades to a full directory scan with
// the same ordering and membership.
func (r Repo) ListRuns(ctx context.Context, candidateID string, limit int) ([]domain.RunIndexRow, error) {
	if !domain.ValidID(candidateID) {
		return nil, fmt.Errorf("candidate %q: %w", candidateID, ErrInvalidID)
	}
	if r.Index != nil {
		rows, err := r.Index.List(ctx, candidateID, limit)
		if err == nil && len(rows) > 0 {
			return rows, nil
		}
	}
	return ScanRuns(r.Root, candidateID, limit)
}

// GetRun returns one run's index row, scanning the tree when the index
// cannot answer.
func (r Repo) GetRun(ctx context.Context, candidateID, runID string) (domain.RunIndexRow, error) {
	if r.Index != nil {
		row, err := r.Index.Get(ctx, candidateID, runID)
		if err == nil {
			return row, nil
		}
	}
	dir, err := r.ResolveRunDir(candidateID, runID)
	if err != nil {
		return domain.RunIndexRow{}, err
	}
	row, err := RowFromRunDir(dir, candidateID, runID)
	if err != nil {
		return domain.RunIndexRow{}, err
	}
	return row, nil
}
