// Package manifest records (logical key, path, digest) entries for every
// artifact a run touches. A sealed manifest is the run's reproducibility
// contract and is never rewritten.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"jobtrace/internal/digest"
	"jobtrace/internal/domain"
)

const FileName = "manifest.json"

var (
	ErrSealed       = errors.New("manifest sealed")
	ErrDuplicateKey = errors.New("duplicate manifest key")
)

// Builder accumulates entries for one in-progress run. Not safe for
// concurrent use; a run has a single owning writer.
type Builder struct {
	dir     string
	entries map[string]domain.ManifestEntry
	sealed  bool
}

// NewBuilder returns a Builder rooted at the run directory.
func NewBuilder(runDir string) *Builder {
	return &Builder{dir: runDir, entries: map[string]domain.ManifestEntry{}}
}

// Record streams the file once, computes digest and size, and appends
// the entry. A missing file at record time is a programmer error and
// surfaces as a hard error carrying the logical key.
func (b *Builder) Record(key, path string) (domain.ManifestEntry, error) {
	if b.sealed {
		return domain.ManifestEntry{}, fmt.Errorf("record %s: %w", key, ErrSealed)
	}
	if key == "" {
		return domain.ManifestEntry{}, errors.New("record: empty logical key")
	}
	if _, ok := b.entries[key]; ok {
		return domain.ManifestEntry{}, fmt.Errorf("record %s: %w", key, ErrDuplicateKey)
	}
	sum, size, err := digest.File(path)
	if err != nil {
		return domain.ManifestEntry{}, fmt.Errorf("record %s: %w", key, err)
	}
	rel, err := filepath.Rel(b.dir, path)
	if err != nil || rel == "" {
		rel = filepath.Base(path)
	}
	entry := domain.ManifestEntry{Key: key, Path: filepath.ToSlash(rel), Digest: sum, Size: size}
	b.entries[key] = entry
	return entry, nil
}

// Remove drops a recorded entry so a discarded write attempt leaves no
// trace. No-op on sealed builders and unknown keys.
func (b *Builder) Remove(key string) {
	if b.sealed {
		return
	}
	delete(b.entries, key)
}

// Seal freezes the builder; further Record calls fail.
func (b *Builder) Seal() { b.sealed = true }

// Sealed reports whether the builder has been sealed.
func (b *Builder) Sealed() bool { return b.sealed }

// Entries returns all recorded entries sorted by key.
func (b *Builder) Entries() []domain.ManifestEntry {
	out := make([]domain.ManifestEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup returns the entry for key, if recorded.
func (b *Builder) Lookup(key string) (domain.ManifestEntry, bool) {
	e, ok := b.entries[key]
	return e, ok
}

// WriteFile seals the builder and writes manifest.json in canonical form.
func (b *Builder) WriteFile() error {
	b.Seal()
	data, err := digest.MarshalCanonical(b.Entries())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(b.dir, FileName), data, 0o644)
}

// Load reads a sealed manifest from a finalized run directory.
func Load(runDir string) ([]domain.ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(runDir, FileName))
	if err != nil {
		return nil, err
	}
	var entries []domain.ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return entries, nil
}
