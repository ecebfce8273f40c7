// Package replay proves reproducibility: it re-derives a finalized
// run's outputs from its recorded inputs and diffs digests against the
// manifest. It is read-only with respect to the run's artifact tree;
// mismatches are reported, never repaired.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobtrace/internal/catalog"
	"jobtrace/internal/config"
	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
	"jobtrace/internal/manifest"
	"jobtrace/internal/pipeline"
	"jobtrace/internal/repo"
)

var (
	ErrMismatch     = errors.New("replay mismatch")
	ErrMissingInput = errors.New("replay input missing")
)

// ArtifactReport is the per-artifact expected/actual/match record.
type ArtifactReport struct {
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Match    bool   `json:"match"`
	Detail   string `json:"detail,omitempty"`
}

type Report struct {
	RunID   string           `json:"run_id"`
	Pass    bool             `json:"pass"`
	Results []ArtifactReport `json:"results"`
}

type Verifier struct {
	Repo       repo.Repo
	Config     *config.Config
	Classifier pipeline.Classifier
	Scorer     pipeline.Scorer
}

func (v *Verifier) classifier() pipeline.Classifier {
	if v.Classifier != nil {
		return v.Classifier
	}
	return pipeline.JSONClassifier{}
}

func (v *Verifier) scorer() pipeline.Scorer {
	if v.Scorer != nil {
		return v.Scorer
	}
	return pipeline.KeywordScorer{}
}

// Verify re-derives the run's derived artifacts from its recorded raw
// inputs with the same scoring and classification collaborators, then
// compares digests against the manifest. Strict: any mismatch or
// missing artifact fails.
func (v *Verifier) Verify(ctx context.Context, candidateID, runID string) (Report, error) {
	report := Report{RunID: runID}
	runDir, err := v.Repo.ResolveRunDir(candidateID, runID)
	if err != nil {
		return report, err
	}
	entries, err := manifest.Load(runDir)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	byKey := map[string]domain.ManifestEntry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}

	// Recorded inputs must hash to their manifest digests before they
	// can seed a re-derivation.
	raws := map[string][]byte{}
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, "raw/") {
			continue
		}
		path := filepath.Join(runDir, filepath.FromSlash(e.Path))
		data, err := os.ReadFile(path)
		if err != nil {
			report.Results = append(report.Results, ArtifactReport{
				Key: e.Key, Expected: e.Digest, Detail: "input unreadable: " + err.Error(),
			})
			return report, fmt.Errorf("%w: %s", ErrMissingInput, e.Key)
		}
		sum := digest.Bytes(data)
		if sum != e.Digest {
			report.Results = append(report.Results, ArtifactReport{
				Key: e.Key, Expected: e.Digest, Actual: sum, Detail: "recorded input drifted",
			})
			return report, fmt.Errorf("%w: input %s drifted", ErrMismatch, e.Key)
		}
		report.Results = append(report.Results, ArtifactReport{Key: e.Key, Expected: e.Digest, Actual: sum, Match: true})
		raws[strings.TrimPrefix(e.Key, "raw/")] = data
	}

	derived, err := v.deriveArtifacts(raws, byKey)
	if err != nil {
		return report, err
	}

	pass := true
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e := byKey[key]
		data, ok := derived[key]
		if !ok {
			if strings.HasPrefix(key, "raw/") {
				continue
			}
			// A recorded derived artifact we could not re-derive (a scoring
			// profile dropped from config, say) is unverifiable, and
			// unverifiable is a failure, never a silent skip.
			if isDerivedKey(key) {
				report.Results = append(report.Results, ArtifactReport{
					Key: key, Expected: e.Digest, Detail: "recorded artifact cannot be re-derived under the current config",
				})
				pass = false
				continue
			}
			// Status artifacts carry wall-clock fields and cannot be
			// re-derived; their stored bytes must still round-trip to the
			// recorded digest.
			sum, _, err := digest.File(filepath.Join(runDir, filepath.FromSlash(e.Path)))
			r := ArtifactReport{Key: key, Expected: e.Digest, Actual: sum, Match: err == nil && sum == e.Digest}
			if err != nil {
				r.Detail = err.Error()
			} else if !r.Match {
				r.Detail = "stored artifact drifted"
			}
			report.Results = append(report.Results, r)
			pass = pass && r.Match
			continue
		}
		sum := digest.Bytes(data)
		r := ArtifactReport{Key: key, Expected: e.Digest, Actual: sum, Match: sum == e.Digest}
		if !r.Match {
			r.Detail = "re-derived artifact differs"
		}
		report.Results = append(report.Results, r)
		pass = pass && r.Match
	}
	// A manifest missing any expected derived artifact is itself a failure.
	for key := range derived {
		if _, ok := byKey[key]; !ok {
			report.Results = append(report.Results, ArtifactReport{
				Key: key, Actual: digest.Bytes(derived[key]), Detail: "not in manifest",
			})
			pass = false
		}
	}
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Key < report.Results[j].Key })
	report.Pass = pass
	if !pass {
		return report, ErrMismatch
	}
	return report, nil
}

func isDerivedKey(key string) bool {
	return key == catalog.KeyListings || key == "classify/postings" || strings.HasPrefix(key, "scores/")
}

// deriveArtifacts rebuilds classify/postings, scores/<profile> and
// listings from raw inputs, byte-identically to the original pipeline.
func (v *Verifier) deriveArtifacts(raws map[string][]byte, byKey map[string]domain.ManifestEntry) (map[string][]byte, error) {
	out := map[string][]byte{}
	ids := make([]string, 0, len(raws))
	for id := range raws {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var postings []domain.Posting
	for _, id := range ids {
		got, err := v.classifier().Classify(id, raws[id])
		if err != nil {
			return nil, fmt.Errorf("%w: classify %s: %v", ErrMismatch, id, err)
		}
		postings = append(postings, got...)
	}
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Provider != postings[j].Provider {
			return postings[i].Provider < postings[j].Provider
		}
		return postings[i].ID < postings[j].ID
	})
	data, err := digest.MarshalCanonical(postings)
	if err != nil {
		return nil, err
	}
	out["classify/postings"] = data

	best := map[string]domain.Listing{}
	for _, profile := range v.Config.Profiles {
		key := "scores/" + profile.ID
		if _, recorded := byKey[key]; !recorded {
			continue
		}
		listings, err := v.scorer().Score(profile, postings)
		if err != nil {
			return nil, fmt.Errorf("%w: score %s: %v", ErrMismatch, profile.ID, err)
		}
		data, err := digest.MarshalCanonical(listings)
		if err != nil {
			return nil, err
		}
		out[key] = data
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
	data, err = digest.MarshalCanonical(merged)
	if err != nil {
		return nil, err
	}
	out[catalog.KeyListings] = data
	return out, nil
}
