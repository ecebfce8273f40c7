package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"jobtrace/internal/domain"
	"jobtrace/internal/repo"
)

func writeFinalizedRun(t *testing.T, root, candidateID, runID, startedAt, status string) string {
	t.Helper()
	dir := filepath.Join(repo.CandidateDir(root, candidateID), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	summary := domain.RunSummary{
		RunID:         runID,
		CandidateID:   candidateID,
		Status:        status,
		StartedAt:     startedAt,
		FinishedAt:    startedAt,
		ArtifactCount: 4,
		ListingCount:  2,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run_summary.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestResolveRunDirValidation(t *testing.T) {
	r := repo.Repo{Root: t.TempDir()}
	if _, err := r.ResolveRunDir("Bad Candidate", "run-1"); !errors.Is(err, repo.ErrInvalidID) {
		t.Fatalf("bad candidate id: got %v", err)
	}
	if _, err := r.ResolveRunDir("default", "../../etc"); !errors.Is(err, repo.ErrInvalidID) {
		t.Fatalf("traversal run id: got %v", err)
	}
	if _, err := r.ResolveRunDir("default", "run-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing run: got %v", err)
	}
}

func TestCandidateIsolationOnRunIDCollision(t *testing.T) {
	root := t.TempDir()
	r := repo.Repo{Root: root}
	aliceDir := writeFinalizedRun(t, root, "alice", "run-1", "2026-01-01T00:00:00Z", domain.RunStatusSuccess)
	bobDir := writeFinalizedRun(t, root, "bob", "run-1", "2026-01-02T00:00:00Z", domain.RunStatusPartial)

	got, err := r.ResolveRunDir("alice", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != aliceDir || got == bobDir {
		t.Fatalf("alice's run-1 resolved to %s", got)
	}
	// A candidate only sees its own namespace even when the run id exists
	// elsewhere.
	if _, err := r.ResolveRunDir("carol", "run-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign candidate lookup: got %v", err)
	}

	rows, err := r.ListRuns(context.Background(), "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CandidateID != "alice" {
		t.Fatalf("alice list leaked rows: %+v", rows)
	}
}

func TestResolveArtifactPathRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	r := repo.Repo{Root: root}
	dir := writeFinalizedRun(t, root, "default", "run-1", "2026-01-01T00:00:00Z", domain.RunStatusSuccess)

	for _, name := range []string{
		"../run-2/run_summary.json",
		"../../../../etc/passwd",
		"/etc/passwd",
		"raw/../../run-2/x.json",
	} {
		if _, err := r.ResolveArtifactPath("default", "run-1", name); !errors.Is(err, repo.ErrPathEscape) {
			t.Errorf("name %q: got %v, want ErrPathEscape", name, err)
		}
	}
	if _, err := r.ResolveArtifactPath("default", "run-1", ""); !errors.Is(err, repo.ErrInvalidID) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := r.ResolveArtifactPath("default", "run-1", "missing.json"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("missing artifact: got %v", err)
	}

	got, err := r.ResolveArtifactPath("default", "run-1", "run_summary.json")
	if err != nil {
		t.Fatalf("legit artifact: %v", err)
	}
	if got != filepath.Join(dir, "run_summary.json") {
		t.Fatalf("resolved %s", got)
	}
}

func TestResolveArtifactPathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	r := repo.Repo{Root: root}
	dir := writeFinalizedRun(t, root, "default", "run-1", "2026-01-01T00:00:00Z", domain.RunStatusSuccess)

	secret := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(secret, []byte(`{"api_key":"k"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(dir, "leak.json")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := r.ResolveArtifactPath("default", "run-1", "leak.json"); !errors.Is(err, repo.ErrPathEscape) {
		t.Fatalf("symlink escape: got %v, want ErrPathEscape", err)
	}
}

func TestScanRunsOrderingAndSkips(t *testing.T) {
	root := t.TempDir()
	writeFinalizedRun(t, root, "default", "run-a", "2026-01-01T00:00:00Z", domain.RunStatusSuccess)
	writeFinalizedRun(t, root, "default", "run-b", "2026-01-03T00:00:00Z", domain.RunStatusPartial)
	writeFinalizedRun(t, root, "default", "run-c", "2026-01-02T00:00:00Z", domain.RunStatusSuccess)
	// Same started_at as run-b: ties break on run_id desc.
	writeFinalizedRun(t, root, "default", "run-d", "2026-01-03T00:00:00Z", domain.RunStatusSuccess)
	// Unfinalized dir: no run_summary.json, must be invisible.
	if err := os.MkdirAll(filepath.Join(repo.CandidateDir(root, "default"), "run-x"), 0o755); err != nil {
		t.Fatal(err)
	}

	rows, err := repo.ScanRuns(root, "default", 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, row := range rows {
		ids = append(ids, row.RunID)
	}
	want := []string{"run-d", "run-b", "run-c", "run-a"}
	if len(ids) != len(want) {
		t.Fatalf("rows = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("rows = %v, want %v", ids, want)
		}
	}

	limited, err := repo.ScanRuns(root, "default", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].RunID != "run-d" {
		t.Fatalf("limited rows = %+v", limited)
	}
}

func TestScanRunsEmptyTree(t *testing.T) {
	rows, err := repo.ScanRuns(t.TempDir(), "default", 0)
	if err != nil || rows != nil {
		t.Fatalf("empty tree: rows=%v err=%v", rows, err)
	}
}

type failingSource struct{}

func (failingSource) List(context.Context, string, int) ([]domain.RunIndexRow, error) {
	return nil, errors.New("index unavailable")
}

func (failingSource) Get(context.Context, string, string) (domain.RunIndexRow, error) {
	return domain.RunIndexRow{}, errors.New("index unavailable")
}

func TestListRunsFallsBackPastBrokenIndex(t *testing.T) {
	root := t.TempDir()
	writeFinalizedRun(t, root, "default", "run-a", "2026-01-01T00:00:00Z", domain.RunStatusSuccess)
	r := repo.Repo{Root: root, Index: failingSource{}}

	rows, err := r.ListRuns(context.Background(), "default", 0)
	if err != nil {
		t.Fatalf("list with broken index: %v", err)
	}
	if len(rows) != 1 || rows[0].RunID != "run-a" {
		t.Fatalf("fallback rows = %+v", rows)
	}

	row, err := r.GetRun(context.Background(), "default", "run-a")
	if err != nil {
		t.Fatalf("get with broken index: %v", err)
	}
	if row.Status != domain.RunStatusSuccess || row.ListingCount != 2 {
		t.Fatalf("fallback row = %+v", row)
	}
}
