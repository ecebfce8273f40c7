package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
	"jobtrace/internal/manifest"
)

// DriftAllowList names fields a cross-run comparison may ignore:
// environment-variant timings and hostnames, plus run identity, which
// differs between any two runs by construction. Scored values and
// ordering are never on this list; a score or order difference fails
// even in drift-tolerant mode.
var DriftAllowList = []string{
	"run_id",
	"duration_ms",
	"elapsed_ms",
	"hostname",
	"generated_at",
	"started_at",
	"finished_at",
	"fetched_at",
	"ts",
	"updated_at",
}

var driftSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DriftAllowList))
	for _, f := range DriftAllowList {
		m[f] = struct{}{}
	}
	return m
}()

// CompareRuns diffs two finalized runs artifact by artifact. In strict
// mode payloads must be byte-identical. Drift-tolerant mode compares
// canonical payloads with allow-listed fields removed at any depth,
// which still enforces exact ordering and scored-value equality.
func CompareRuns(dirA, dirB string, driftTolerant bool) (Report, error) {
	entriesA, err := manifest.Load(dirA)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	entriesB, err := manifest.Load(dirB)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	byKeyB := map[string]domain.ManifestEntry{}
	for _, e := range entriesB {
		byKeyB[e.Key] = e
	}

	report := Report{Pass: true}
	seen := map[string]bool{}
	for _, a := range entriesA {
		seen[a.Key] = true
		b, ok := byKeyB[a.Key]
		if !ok {
			report.Results = append(report.Results, ArtifactReport{Key: a.Key, Expected: a.Digest, Detail: "missing in second run"})
			report.Pass = false
			continue
		}
		r, err := compareArtifact(dirA, dirB, a, b, driftTolerant)
		if err != nil {
			return report, err
		}
		report.Results = append(report.Results, r)
		report.Pass = report.Pass && r.Match
	}
	for _, b := range entriesB {
		if !seen[b.Key] {
			report.Results = append(report.Results, ArtifactReport{Key: b.Key, Actual: b.Digest, Detail: "missing in first run"})
			report.Pass = false
		}
	}
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Key < report.Results[j].Key })
	if !report.Pass {
		return report, ErrMismatch
	}
	return report, nil
}

func compareArtifact(dirA, dirB string, a, b domain.ManifestEntry, driftTolerant bool) (ArtifactReport, error) {
	r := ArtifactReport{Key: a.Key, Expected: a.Digest, Actual: b.Digest}
	if a.Digest == b.Digest {
		r.Match = true
		return r, nil
	}
	if !driftTolerant {
		r.Detail = "digest differs"
		return r, nil
	}
	// Raw inputs must be identical logical inputs even in drift mode.
	if strings.HasPrefix(a.Key, "raw/") {
		r.Detail = "raw input differs"
		return r, nil
	}
	dataA, err := os.ReadFile(filepath.Join(dirA, filepath.FromSlash(a.Path)))
	if err != nil {
		return r, fmt.Errorf("%w: %s: %v", ErrMissingInput, a.Key, err)
	}
	dataB, err := os.ReadFile(filepath.Join(dirB, filepath.FromSlash(b.Path)))
	if err != nil {
		return r, fmt.Errorf("%w: %s: %v", ErrMissingInput, b.Key, err)
	}
	normA, err := normalizeDrift(dataA)
	if err != nil {
		r.Detail = "first payload not comparable: " + err.Error()
		return r, nil
	}
	normB, err := normalizeDrift(dataB)
	if err != nil {
		r.Detail = "second payload not comparable: " + err.Error()
		return r, nil
	}
	if string(normA) == string(normB) {
		r.Match = true
		r.Detail = "drift confined to allow-listed fields"
		return r, nil
	}
	r.Detail = "payloads differ beyond allow-listed fields"
	return r, nil
}

// normalizeDrift canonicalizes payload with allow-listed fields dropped
// at every depth. Array order is preserved: ordering differences are
// real differences.
func normalizeDrift(payload []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	return digest.MarshalCanonical(dropDriftFields(decoded))
}

func dropDriftFields(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if _, drop := driftSet[strings.ToLower(k)]; drop {
				continue
			}
			out[k] = dropDriftFields(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = dropDriftFields(child)
		}
		return out
	default:
		return v
	}
}
