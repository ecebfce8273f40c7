package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobtrace/internal/config"
	"jobtrace/internal/domain"
	"jobtrace/internal/manifest"
	"jobtrace/internal/pipeline"
	"jobtrace/internal/repo"
)

const openaiFixture = `[
  {"id":"p1","title":"Senior Go Backend Engineer","company":"acme","location":"Berlin","remote":true,"tags":["go","backend"]},
  {"id":"p2","title":"Head Chef","company":"bistro","location":"Paris"}
]`

const leverFixture = `[
  {"id":"p3","title":"Distributed Systems Engineer","company":"initech","location":"Remote","remote":true,"tags":["go"]}
]`

func testConfig() *config.Config {
	cfg := &config.Config{
		Candidate: "default",
		Providers: []config.Provider{
			{ID: "openai", Enabled: true, Fixture: "fixtures/openai.json"},
			{ID: "lever", Enabled: true, Fixture: "fixtures/lever.json"},
		},
		Profiles: []config.Profile{
			{ID: "backend", Keywords: []string{"go", "backend", "distributed"}},
			{ID: "remote", Keywords: []string{"remote"}},
		},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*pipeline.Engine, string) {
	t.Helper()
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "fixtures"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFixture := func(name, content string) {
		if err := os.WriteFile(filepath.Join(ws, "fixtures", name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFixture("openai.json", openaiFixture)
	writeFixture("lever.json", leverFixture)

	eng := &pipeline.Engine{
		Repo:      repo.Repo{Root: ws},
		Config:    cfg,
		Workspace: ws,
		Now:       func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) },
		Log:       log.New(io.Discard, "", 0),
	}
	return eng, ws
}

func runDir(t *testing.T, ws string, run domain.Run) string {
	t.Helper()
	return filepath.Join(repo.CandidateDir(ws, run.CandidateID), run.ID)
}

func readArtifact(t *testing.T, dir, key string, v any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)+".json"))
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
}

func TestExecuteSuccessRun(t *testing.T) {
	eng, ws := newTestEngine(t, testConfig())
	run, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %s, want success", run.Status)
	}
	if run.CandidateID != "default" {
		t.Fatalf("candidate = %s", run.CandidateID)
	}

	dir := runDir(t, ws, run)
	entries, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	keys := map[string]bool{}
	for _, e := range entries {
		keys[e.Key] = true
	}
	for _, want := range []string{
		"raw/openai", "raw/lever", "debug/fetch", "classify/postings",
		"scores/backend", "scores/remote", "listings",
		"run_summary", "run_health", "provider_availability",
	} {
		if !keys[want] {
			t.Errorf("manifest missing %s; have %v", want, keys)
		}
	}

	var listings []domain.Listing
	readArtifact(t, dir, "listings", &listings)
	if len(listings) != 2 {
		t.Fatalf("listings = %+v", listings)
	}
	// p1 hits go+backend (2.0) in backend profile; p3 hits go+distributed.
	// Merged listings keep the best score per posting, ranked densely.
	if listings[0].Rank != 1 || listings[1].Rank != 2 {
		t.Fatalf("ranks not dense: %+v", listings)
	}
	if listings[0].Score < listings[1].Score {
		t.Fatalf("listings not ordered by score: %+v", listings)
	}
	for _, l := range listings {
		if l.Posting.ID == "p2" {
			t.Fatalf("unscored posting leaked into listings: %+v", l)
		}
	}
}

func TestExecuteDeterministicDerivedArtifacts(t *testing.T) {
	eng, ws := newTestEngine(t, testConfig())
	runA, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	engB := &pipeline.Engine{
		Repo:      eng.Repo,
		Config:    eng.Config,
		Workspace: ws,
		Now:       eng.Now,
		Log:       eng.Log,
	}
	runB, err := engB.Execute(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if runA.ID == runB.ID {
		t.Fatalf("two runs shared an id: %s", runA.ID)
	}

	entriesA, err := manifest.Load(runDir(t, ws, runA))
	if err != nil {
		t.Fatal(err)
	}
	entriesB, err := manifest.Load(runDir(t, ws, runB))
	if err != nil {
		t.Fatal(err)
	}
	digestOf := func(entries []domain.ManifestEntry, key string) string {
		for _, e := range entries {
			if e.Key == key {
				return e.Digest
			}
		}
		t.Fatalf("key %s missing", key)
		return ""
	}
	for _, key := range []string{"raw/openai", "raw/lever", "classify/postings", "scores/backend", "scores/remote", "listings"} {
		if a, b := digestOf(entriesA, key), digestOf(entriesB, key); a != b {
			t.Errorf("%s drifted between identical runs: %s vs %s", key, a, b)
		}
	}
}

func TestExecuteDisabledProviderIsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = append(cfg.Providers, config.Provider{ID: "greenhouse", Enabled: false, Fixture: "fixtures/greenhouse.json"})
	eng, ws := newTestEngine(t, cfg)

	run, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("status = %s, want partial", run.Status)
	}

	var avail domain.ProviderAvailability
	readArtifact(t, runDir(t, ws, run), "provider_availability", &avail)
	byID := map[string]domain.ProviderStatus{}
	for _, p := range avail.Providers {
		byID[p.ID] = p
	}
	if got := byID["greenhouse"]; got.Available || got.Reason != domain.ReasonNotEnabled {
		t.Fatalf("greenhouse = %+v, want not_enabled", got)
	}
	if !byID["openai"].Available || !byID["lever"].Available {
		t.Fatalf("enabled providers should be available: %+v", avail.Providers)
	}
}

func TestExecuteFetchFailureDegradesToPartial(t *testing.T) {
	eng, ws := newTestEngine(t, testConfig())
	if err := os.Remove(filepath.Join(ws, "fixtures", "lever.json")); err != nil {
		t.Fatal(err)
	}

	run, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("status = %s, want partial", run.Status)
	}

	dir := runDir(t, ws, run)
	var avail domain.ProviderAvailability
	readArtifact(t, dir, "provider_availability", &avail)
	for _, p := range avail.Providers {
		if p.ID == "lever" && (p.Available || p.Reason != domain.ReasonFetchFailed) {
			t.Fatalf("lever = %+v, want fetch_failed", p)
		}
	}
	// The surviving provider's postings still flow through.
	var listings []domain.Listing
	readArtifact(t, dir, "listings", &listings)
	if len(listings) == 0 {
		t.Fatalf("expected listings from the surviving provider")
	}
}

func TestExecuteAllProvidersFailing(t *testing.T) {
	eng, ws := newTestEngine(t, testConfig())
	for _, name := range []string{"openai.json", "lever.json"} {
		if err := os.Remove(filepath.Join(ws, "fixtures", name)); err != nil {
			t.Fatal(err)
		}
	}

	run, execErr := eng.Execute(context.Background(), "")
	if execErr == nil {
		t.Fatalf("expected stage error when no provider delivers input")
	}
	if run.Status != domain.RunStatusError {
		t.Fatalf("status = %s, want error", run.Status)
	}

	// The run still finalized: terminal artifacts exist and the failure
	// is recorded.
	var health domain.RunHealth
	readArtifact(t, runDir(t, ws, run), "run_health", &health)
	if health.FailedStage != "fetch" || health.FailureCode != domain.FailureCodeStageFailed {
		t.Fatalf("health = %+v", health)
	}
}

func TestExecuteInjectedFailureAtClassify(t *testing.T) {
	eng, ws := newTestEngine(t, testConfig())
	eng.FailPoint = "classify"

	run, execErr := eng.Execute(context.Background(), "")
	if !errors.Is(execErr, pipeline.ErrInjectedFailure) {
		t.Fatalf("execute error = %v, want injected failure", execErr)
	}
	if run.Status != domain.RunStatusError {
		t.Fatalf("status = %s, want error", run.Status)
	}

	dir := runDir(t, ws, run)
	var health domain.RunHealth
	readArtifact(t, dir, "run_health", &health)
	if health.Status != domain.RunStatusError || health.FailedStage != "classify" || health.FailureCode != domain.FailureCodeInjected {
		t.Fatalf("health = %+v", health)
	}

	// Availability was assembled during fetch and survives the failure.
	var avail domain.ProviderAvailability
	readArtifact(t, dir, "provider_availability", &avail)
	if len(avail.Providers) != 2 {
		t.Fatalf("availability = %+v", avail)
	}

	// The manifest is sealed even for failed runs.
	entries, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("manifest after failure: %v", err)
	}
	keys := map[string]bool{}
	for _, e := range entries {
		keys[e.Key] = true
	}
	if !keys["run_summary"] || !keys["run_health"] || !keys["provider_availability"] {
		t.Fatalf("terminal set incomplete after failure: %v", keys)
	}
	if keys["classify/postings"] {
		t.Fatalf("classify artifact should not exist when classify was injected to fail")
	}
}

func TestExecuteStageOrderRecorded(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig())
	run, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range run.Stages {
		names = append(names, s.Name)
	}
	want := []string{"fetch", "classify", "score:backend", "score:remote", "publish"}
	if len(names) != len(want) {
		t.Fatalf("stages = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("stages = %v, want %v", names, want)
		}
	}
	for _, s := range run.Stages {
		if s.Status != "success" {
			t.Fatalf("stage %s status %s", s.Name, s.Status)
		}
	}
}

func TestClassifierDropsIncompletePostings(t *testing.T) {
	got, err := pipeline.JSONClassifier{}.Classify("openai", []byte(`[
	  {"id":"b","title":"ok"},
	  {"id":"","title":"no id"},
	  {"id":"a","title":""},
	  {"id":"c","title":"ok","tags":["z","a"]}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("postings = %+v", got)
	}
	if got[1].Tags[0] != "a" {
		t.Fatalf("tags not sorted: %+v", got[1].Tags)
	}
	for _, p := range got {
		if p.Provider != "openai" {
			t.Fatalf("provider not stamped: %+v", p)
		}
	}
}

func TestKeywordScorerOrderingAndRemoteBonus(t *testing.T) {
	profile := config.Profile{ID: "remote", Keywords: []string{"remote", "go"}}
	postings := []domain.Posting{
		{ID: "a", Title: "Go dev", Remote: true, Location: "Remote"},
		{ID: "b", Title: "Go dev", Location: "Berlin"},
		{ID: "c", Title: "Accountant", Location: "Paris"},
	}
	listings, err := pipeline.KeywordScorer{}.Score(profile, postings)
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 2 {
		t.Fatalf("listings = %+v", listings)
	}
	// a: remote keyword hit (1) + remote bonus (0.5) + go (1) = 2.5; b: go (1).
	if listings[0].Posting.ID != "a" || listings[0].Score != 2.5 {
		t.Fatalf("top listing = %+v", listings[0])
	}
	if listings[1].Posting.ID != "b" || listings[1].Rank != 2 {
		t.Fatalf("second listing = %+v", listings[1])
	}
}
