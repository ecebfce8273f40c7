// Package snapshot verifies pinned input fixtures before any run
// executes. A digest mismatch is an input-integrity failure and blocks
// the whole process; drift is never silently accepted.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
)

var ErrDigestMismatch = errors.New("pinned snapshot digest mismatch")

// Guard holds the pinned (fixture -> digest, size) table.
type Guard struct {
	Workspace string
	Pins      []domain.SnapshotPin
}

type pinsFile struct {
	Pins []domain.SnapshotPin `yaml:"pins"`
}

// Load reads the pinned snapshot manifest. A missing manifest means
// nothing is pinned; the guard then has nothing to check.
func Load(workspace, path string) (*Guard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Guard{Workspace: workspace}, nil
		}
		return nil, err
	}
	var pf pinsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("invalid snapshot manifest %s: %w", path, err)
	}
	for _, p := range pf.Pins {
		if p.ProviderID == "" || p.Path == "" || p.Digest == "" {
			return nil, fmt.Errorf("snapshot manifest %s: pin needs provider_id, path and digest", path)
		}
	}
	sort.Slice(pf.Pins, func(i, j int) bool { return pf.Pins[i].ProviderID < pf.Pins[j].ProviderID })
	return &Guard{Workspace: workspace, Pins: pf.Pins}, nil
}

// Result reports one fixture check.
type Result struct {
	ProviderID string `json:"provider_id"`
	Path       string `json:"path"`
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped"`
	Detail     string `json:"detail,omitempty"`
}

// Verify recomputes digests for present fixtures and fails on any
// mismatch. Missing fixtures fail only when the pin is required. Every
// pin is reported even after a failure; the first failure is the verdict.
func (g *Guard) Verify() ([]Result, error) {
	var results []Result
	var verdict error
	fail := func(err error) {
		if verdict == nil {
			verdict = err
		}
	}
	for _, pin := range g.Pins {
		path := pin.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.Workspace, path)
		}
		res := Result{ProviderID: pin.ProviderID, Path: pin.Path}
		sum, size, err := digest.File(path)
		switch {
		case err != nil && os.IsNotExist(err):
			if pin.Required {
				res.Detail = "required fixture missing"
				fail(fmt.Errorf("fixture %s: required but missing: %w", pin.ProviderID, ErrDigestMismatch))
			} else {
				res.Skipped = true
				res.OK = true
				res.Detail = "fixture not present"
			}
		case err != nil:
			res.Detail = err.Error()
			fail(fmt.Errorf("fixture %s: %w", pin.ProviderID, err))
		case sum != pin.Digest:
			res.Detail = fmt.Sprintf("expected %s got %s", pin.Digest, sum)
			fail(fmt.Errorf("fixture %s: %w: expected %s got %s", pin.ProviderID, ErrDigestMismatch, pin.Digest, sum))
		case pin.Size > 0 && size != pin.Size:
			res.Detail = fmt.Sprintf("expected %d bytes got %d", pin.Size, size)
			fail(fmt.Errorf("fixture %s: %w: size expected %d got %d", pin.ProviderID, ErrDigestMismatch, pin.Size, size))
		default:
			res.OK = true
		}
		results = append(results, res)
	}
	return results, verdict
}

// Pin computes and returns a fresh pin for a fixture path.
func Pin(workspace, providerID, path string) (domain.SnapshotPin, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(workspace, full)
	}
	sum, size, err := digest.File(full)
	if err != nil {
		return domain.SnapshotPin{}, fmt.Errorf("pin %s: %w", providerID, err)
	}
	return domain.SnapshotPin{ProviderID: providerID, Path: path, Digest: sum, Size: size, Required: true}, nil
}

// Write persists pins to the manifest path in stable order.
func Write(path string, pins []domain.SnapshotPin) error {
	sorted := make([]domain.SnapshotPin, len(pins))
	copy(sorted, pins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProviderID < sorted[j].ProviderID })
	data, err := yaml.Marshal(pinsFile{Pins: sorted})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
