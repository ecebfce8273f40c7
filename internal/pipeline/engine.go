// Package pipeline owns a run from creation to finalize. One engine
// instance owns one run at a time; finalize's at-most-once guarantee is
// an in-process flag, not a distributed lock.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"jobtrace/internal/catalog"
	"jobtrace/internal/config"
	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
	"jobtrace/internal/events"
	"jobtrace/internal/finalize"
	"jobtrace/internal/index"
	"jobtrace/internal/manifest"
	"jobtrace/internal/repo"
	"jobtrace/internal/snapshot"
)

// ErrInjectedFailure marks a forced stage failure from --fail-at.
var ErrInjectedFailure = errors.New("injected stage failure")

type Engine struct {
	Repo       repo.Repo
	Index      *index.Index
	Events     events.Writer
	Config     *config.Config
	Guard      *snapshot.Guard
	Workspace  string
	Fetchers   []Fetcher
	Classifier Classifier
	Scorer     Scorer
	Now        func() time.Time
	// FailPoint forces a failure at the named stage boundary. Testing
	// hook; empty in production.
	FailPoint string
	Log       *log.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

func (e *Engine) fetchers() []Fetcher {
	if e.Fetchers != nil {
		return e.Fetchers
	}
	var out []Fetcher
	for _, p := range e.Config.Providers {
		out = append(out, FixtureFetcher{Provider: p, Workspace: e.Workspace})
	}
	return out
}

func (e *Engine) classifier() Classifier {
	if e.Classifier != nil {
		return e.Classifier
	}
	return JSONClassifier{}
}

func (e *Engine) scorer() Scorer {
	if e.Scorer != nil {
		return e.Scorer
	}
	return KeywordScorer{}
}

type stageResult struct {
	stages       []domain.Stage
	providers    []domain.ProviderStatus
	listingCount int
	failedStage  string
	failureCode  string
	err          error
}

// Execute runs the pipeline for one candidate. The snapshot guard runs
// before the run exists; once the run directory is created, every exit
// path goes through Finalize exactly once and then upserts the index.
func (e *Engine) Execute(ctx context.Context, candidateID string) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	if candidateID == "" {
		candidateID = e.Config.Candidate
	}
	if candidateID == "" {
		candidateID = domain.DefaultCandidate
	}

	if e.Guard != nil {
		if _, err := e.Guard.Verify(); err != nil {
			return domain.Run{}, fmt.Errorf("snapshot guard: %w", err)
		}
	}

	started := e.now().UTC()
	run := domain.Run{
		ID:          domain.NewRunID(started),
		CandidateID: candidateID,
		StartedAt:   started.Format(time.RFC3339),
	}
	runDir, err := e.Repo.EnsureRunDir(candidateID, run.ID)
	if err != nil {
		return run, err
	}
	b := manifest.NewBuilder(runDir)
	fin := &finalize.Finalizer{ConfiguredProviders: e.Config.ProviderIDs(), Now: e.Now, Log: e.Log}

	if err := e.Events.Append(ctx, events.TypeRunStart, candidateID, run.ID, events.EventPayload{"started_at": run.StartedAt}); err != nil {
		e.logger().Printf("run %s: event append failed: %v", run.ID, err)
	}

	res := e.runStages(ctx, runDir, b)
	run.Stages = res.stages
	run.Status = e.statusFor(res)
	run.FinishedAt = e.now().UTC().Format(time.RFC3339)

	fctx := finalize.Context{
		Run:          run,
		Providers:    res.providers,
		FailedStage:  res.failedStage,
		FailureCode:  res.failureCode,
		ListingCount: res.listingCount,
	}
	if ferr := fin.Finalize(runDir, b, fctx); ferr != nil {
		// Terminal state is ambiguous: fatal to this run, never to the
		// process or to other runs.
		return run, fmt.Errorf("run %s: %w", run.ID, ferr)
	}

	row := domain.RunIndexRow{
		CandidateID:   candidateID,
		RunID:         run.ID,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		ArtifactCount: len(b.Entries()),
		ListingCount:  res.listingCount,
	}
	if e.Index != nil {
		if err := e.Index.Upsert(ctx, row); err != nil {
			// The index is a cache; a failed upsert degrades reads to the
			// scan fallback instead of failing the run.
			e.logger().Printf("run %s: index upsert failed: %v", run.ID, err)
		}
	}
	if err := e.Events.Append(ctx, events.TypeRunFinalize, candidateID, run.ID, events.EventPayload{"status": run.Status}); err != nil {
		e.logger().Printf("run %s: event append failed: %v", run.ID, err)
	}

	return run, res.err
}

func (e *Engine) statusFor(res stageResult) string {
	if res.err != nil {
		return domain.RunStatusError
	}
	for _, p := range res.providers {
		if !p.Available {
			return domain.RunStatusPartial
		}
	}
	return domain.RunStatusSuccess
}

const stageFetch = "fetch"
const stageClassify = "classify"

func (e *Engine) runStages(ctx context.Context, runDir string, b *manifest.Builder) stageResult {
	var res stageResult
	raws := map[string][]byte{}
	var postings []domain.Posting

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{stageFetch, func(ctx context.Context) error { return e.stageFetch(ctx, runDir, b, raws, &res) }},
		{stageClassify, func(ctx context.Context) error {
			var err error
			postings, err = e.stageClassify(runDir, b, raws)
			return err
		}},
	}
	for _, profile := range e.Config.Profiles {
		profile := profile
		stages = append(stages, struct {
			name string
			fn   func(context.Context) error
		}{"score:" + profile.ID, func(ctx context.Context) error {
			return e.stageScore(runDir, b, profile, postings)
		}})
	}
	stages = append(stages, struct {
		name string
		fn   func(context.Context) error
	}{"publish", func(ctx context.Context) error {
		return e.stagePublish(runDir, b, &res)
	}})

	for _, st := range stages {
		begin := e.now()
		var err error
		if e.FailPoint == st.name {
			err = fmt.Errorf("%w at stage %s", ErrInjectedFailure, st.name)
		} else if err = ctx.Err(); err == nil {
			err = st.fn(ctx)
		}
		stage := domain.Stage{
			Name:       st.name,
			Status:     "success",
			DurationMS: e.now().Sub(begin).Milliseconds(),
		}
		if err != nil {
			stage.Status = "failed"
			stage.Error = err.Error()
			res.stages = append(res.stages, stage)
			res.failedStage = st.name
			res.failureCode = domain.FailureCodeStageFailed
			if errors.Is(err, ErrInjectedFailure) {
				res.failureCode = domain.FailureCodeInjected
			}
			res.err = fmt.Errorf("stage %s: %w", st.name, err)
			return res
		}
		res.stages = append(res.stages, stage)
	}
	return res
}

func (e *Engine) stageFetch(ctx context.Context, runDir string, b *manifest.Builder, raws map[string][]byte, res *stageResult) error {
	rawDir := filepath.Join(runDir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return err
	}
	enabled := map[string]bool{}
	for _, p := range e.Config.EnabledProviders() {
		enabled[p.ID] = true
	}
	provenance := map[string]Provenance{}
	fetched := 0
	for _, f := range e.fetchers() {
		id := f.ID()
		if !enabled[id] {
			res.providers = append(res.providers, domain.ProviderStatus{ID: id, Available: false, Reason: domain.ReasonNotEnabled})
			continue
		}
		data, prov, err := f.Fetch(ctx)
		if err != nil {
			e.logger().Printf("provider %s fetch failed: %v", id, err)
			res.providers = append(res.providers, domain.ProviderStatus{ID: id, Available: false, Reason: domain.ReasonFetchFailed})
			continue
		}
		path := filepath.Join(rawDir, id+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write raw/%s: %w", id, err)
		}
		if _, err := b.Record("raw/"+id, path); err != nil {
			return err
		}
		prov.FetchedAt = e.now().UTC().Format(time.RFC3339)
		provenance[id] = prov
		raws[id] = data
		fetched++
	}
	if len(provenance) > 0 {
		if err := e.writeArtifact(runDir, b, "debug/fetch", provenance); err != nil {
			return err
		}
	}
	if fetched == 0 {
		return errors.New("no provider delivered input")
	}
	return nil
}

func (e *Engine) stageClassify(runDir string, b *manifest.Builder, raws map[string][]byte) ([]domain.Posting, error) {
	ids := make([]string, 0, len(raws))
	for id := range raws {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var postings []domain.Posting
	for _, id := range ids {
		got, err := e.classifier().Classify(id, raws[id])
		if err != nil {
			return nil, err
		}
		postings = append(postings, got...)
	}
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Provider != postings[j].Provider {
			return postings[i].Provider < postings[j].Provider
		}
		return postings[i].ID < postings[j].ID
	})
	if err := e.writeArtifact(runDir, b, "classify/postings", postings); err != nil {
		return nil, err
	}
	return postings, nil
}

func (e *Engine) stageScore(runDir string, b *manifest.Builder, profile config.Profile, postings []domain.Posting) error {
	listings, err := e.scorer().Score(profile, postings)
	if err != nil {
		return err
	}
	return e.writeArtifact(runDir, b, "scores/"+profile.ID, listings)
}

// stagePublish merges per-profile scores into the external listings
// artifact: best score per posting, ordered (score desc, posting id asc).
func (e *Engine) stagePublish(runDir string, b *manifest.Builder, res *stageResult) error {
	best := map[string]domain.Listing{}
	for _, profile := range e.Config.Profiles {
		entry, ok := b.Lookup("scores/" + profile.ID)
		if !ok {
			continue
		}
		listings, err := loadListings(filepath.Join(runDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			return err
		}
		for _, l := range listings {
			if cur, ok := best[l.Posting.ID]; !ok || l.Score > cur.Score {
				best[l.Posting.ID] = l
			}
		}
	}
	merged := make([]domain.Listing, 0, len(best))
	for _, l := range best {
		merged = append(merged, l)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Posting.ID < merged[j].Posting.ID
	})
	for i := range merged {
		merged[i].Rank = i + 1
	}
	res.listingCount = len(merged)
	return e.writeArtifact(runDir, b, catalog.KeyListings, merged)
}

func loadListings(path string) ([]domain.Listing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var listings []domain.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return listings, nil
}

// writeArtifact canonically encodes v, validates it against the catalog
// (fail-closed at write), writes it under the run dir and records it.
func (e *Engine) writeArtifact(runDir string, b *manifest.Builder, key string, v any) error {
	data, err := digest.MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := catalog.Validate(key, data); err != nil {
		return err
	}
	path := filepath.Join(runDir, filepath.FromSlash(key)+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	_, err = b.Record(key, path)
	return err
}
