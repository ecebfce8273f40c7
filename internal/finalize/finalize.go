// Package finalize writes a run's terminal artifact set. It is the
// single choke point every run-ending path goes through, and it fails
// closed: a write attempt that cannot be catalog-validated is discarded
// and a simpler attempt takes its place, down to a minimal artifact set
// constructible from run identity alone.
package finalize

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"jobtrace/internal/catalog"
	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
	"jobtrace/internal/manifest"
)

var ErrAlreadyFinalized = errors.New("run already finalized")

// Context carries whatever the orchestrator knows at the moment the run
// ends. Any field may be missing when the run died early; the escalation
// chain compensates.
type Context struct {
	Run          domain.Run
	Providers    []domain.ProviderStatus
	FailedStage  string
	FailureCode  string
	ListingCount int
}

// Finalizer writes terminal artifacts exactly once per run.
type Finalizer struct {
	// ConfiguredProviders is the full provider id list from config, used
	// to rebuild availability when the live context is partial.
	ConfiguredProviders []string
	Now                 func() time.Time
	Log                 *log.Logger

	done bool
}

func (f *Finalizer) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Finalizer) logger() *log.Logger {
	if f.Log != nil {
		return f.Log
	}
	return log.Default()
}

// Finalize emits run_summary, run_health and provider_availability into
// runDir, records them in the manifest, and writes manifest.json.
// Callable at most once; every attempt is schema-validated before
// writing and a failing attempt escalates instead of propagating.
func (f *Finalizer) Finalize(runDir string, b *manifest.Builder, fctx Context) error {
	if f.done {
		return ErrAlreadyFinalized
	}
	f.done = true

	attempts := []func(Context) (Context, error){
		f.live,
		f.normalized,
		f.fallback,
	}
	var lastErr error
	for i, attempt := range attempts {
		ctx, err := attempt(fctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := f.writeTerminalSet(runDir, b, ctx); err != nil {
			lastErr = err
			f.logger().Printf("finalize attempt %d for run %s discarded: %v", i+1, fctx.Run.ID, err)
			f.discardAttempt(runDir, b)
			continue
		}
		if err := b.WriteFile(); err != nil {
			return fmt.Errorf("write manifest for run %s: %w", fctx.Run.ID, err)
		}
		return nil
	}
	return fmt.Errorf("finalize run %s: all attempts failed: %w", fctx.Run.ID, lastErr)
}

// Done reports whether Finalize already ran.
func (f *Finalizer) Done() bool { return f.done }

// live passes the orchestrator's context through unchanged, but only
// when it is complete: identity, a terminal status, and a status for
// every configured provider. Anything less escalates.
func (f *Finalizer) live(fctx Context) (Context, error) {
	if fctx.Run.ID == "" {
		return Context{}, errors.New("live context missing run id")
	}
	if fctx.Run.CandidateID == "" || fctx.Run.StartedAt == "" {
		return Context{}, errors.New("live context missing run identity fields")
	}
	switch fctx.Run.Status {
	case domain.RunStatusSuccess, domain.RunStatusPartial, domain.RunStatusError:
	default:
		return Context{}, fmt.Errorf("live context status %q is not terminal", fctx.Run.Status)
	}
	seen := map[string]bool{}
	for _, p := range fctx.Providers {
		seen[p.ID] = true
	}
	for _, id := range f.ConfiguredProviders {
		if !seen[id] {
			return Context{}, fmt.Errorf("live context missing provider status for %s", id)
		}
	}
	return fctx, nil
}

// normalized defaults missing fields and rebuilds the provider list
// from configuration, keeping any live statuses that survived.
func (f *Finalizer) normalized(fctx Context) (Context, error) {
	if fctx.Run.ID == "" {
		return Context{}, errors.New("cannot normalize context without run id")
	}
	out := fctx
	if out.Run.CandidateID == "" {
		out.Run.CandidateID = domain.DefaultCandidate
	}
	if out.Run.Status == "" {
		out.Run.Status = domain.RunStatusError
		if out.FailureCode == "" {
			out.FailureCode = domain.FailureCodeEarlyFailure
		}
	}
	if out.Run.StartedAt == "" {
		out.Run.StartedAt = f.now().UTC().Format(time.RFC3339)
	}
	live := map[string]domain.ProviderStatus{}
	for _, p := range fctx.Providers {
		if p.ID != "" {
			live[p.ID] = p
		}
	}
	out.Providers = nil
	for _, id := range f.ConfiguredProviders {
		if s, ok := live[id]; ok {
			out.Providers = append(out.Providers, s)
			continue
		}
		out.Providers = append(out.Providers, domain.ProviderStatus{
			ID: id, Available: false, Reason: domain.ReasonUnknownEarlyFailure,
		})
	}
	return out, nil
}

// fallback is constructible from run identity alone: status error,
// every configured provider unknown due to early failure.
func (f *Finalizer) fallback(fctx Context) (Context, error) {
	runID := fctx.Run.ID
	if runID == "" {
		runID = "unknown-run"
	}
	candidate := fctx.Run.CandidateID
	if candidate == "" {
		candidate = domain.DefaultCandidate
	}
	out := Context{
		Run: domain.Run{
			ID:          runID,
			CandidateID: candidate,
			Status:      domain.RunStatusError,
			StartedAt:   f.now().UTC().Format(time.RFC3339),
		},
		FailureCode: domain.FailureCodeEarlyFailure,
	}
	for _, id := range f.ConfiguredProviders {
		out.Providers = append(out.Providers, domain.ProviderStatus{
			ID: id, Available: false, Reason: domain.ReasonUnknownEarlyFailure,
		})
	}
	return out, nil
}

func (f *Finalizer) writeTerminalSet(runDir string, b *manifest.Builder, fctx Context) error {
	finished := fctx.Run.FinishedAt
	if finished == "" {
		finished = f.now().UTC().Format(time.RFC3339)
	}

	providers := make([]domain.ProviderStatus, len(fctx.Providers))
	copy(providers, fctx.Providers)
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })

	summary := domain.RunSummary{
		RunID:         fctx.Run.ID,
		CandidateID:   fctx.Run.CandidateID,
		Status:        fctx.Run.Status,
		StartedAt:     fctx.Run.StartedAt,
		FinishedAt:    finished,
		Stages:        fctx.Run.Stages,
		ListingCount:  fctx.ListingCount,
		ArtifactCount: len(b.Entries()) + 3,
	}
	health := domain.RunHealth{
		RunID:       fctx.Run.ID,
		Status:      fctx.Run.Status,
		FailedStage: fctx.FailedStage,
		FailureCode: fctx.FailureCode,
		FinishedAt:  finished,
	}
	avail := domain.ProviderAvailability{RunID: fctx.Run.ID, Providers: providers}

	payloads := []struct {
		key string
		v   any
	}{
		{catalog.KeyRunSummary, summary},
		{catalog.KeyRunHealth, health},
		{catalog.KeyProviderAvailability, avail},
	}
	// Validate the whole attempt before writing anything: a terminal set
	// is all-or-nothing.
	encoded := make([][]byte, len(payloads))
	for i, p := range payloads {
		data, err := digest.MarshalCanonical(p.v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p.key, err)
		}
		if err := catalog.Validate(p.key, data); err != nil {
			return err
		}
		encoded[i] = data
	}
	// All writes land before anything is recorded, so a failed attempt
	// never leaves entries behind for the next attempt to collide with.
	for i, p := range payloads {
		path := filepath.Join(runDir, p.key+".json")
		if err := os.WriteFile(path, encoded[i], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p.key, err)
		}
	}
	for _, p := range payloads {
		if _, err := b.Record(p.key, filepath.Join(runDir, p.key+".json")); err != nil {
			return err
		}
	}
	return nil
}

// discardAttempt unwinds whatever a failed write attempt left behind:
// recorded terminal keys and their files. A later attempt starts from
// the same state the first one saw.
func (f *Finalizer) discardAttempt(runDir string, b *manifest.Builder) {
	for _, key := range []string{catalog.KeyRunSummary, catalog.KeyRunHealth, catalog.KeyProviderAvailability} {
		b.Remove(key)
		path := filepath.Join(runDir, key+".json")
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			os.Remove(path)
		}
	}
}
