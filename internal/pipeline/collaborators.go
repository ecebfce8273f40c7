package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobtrace/internal/config"
	"jobtrace/internal/domain"
)

// Provenance describes where a provider's raw bytes came from. It is
// diagnostic metadata, never part of a derived artifact.
type Provenance struct {
	Mode      string `json:"mode"`
	SourceID  string `json:"source_id"`
	FetchedAt string `json:"fetched_at" format:"date-time"`
}

// Fetcher delivers one provider's raw posting bytes. The core trusts
// that the bytes are stable, not that fetching was correct.
type Fetcher interface {
	ID() string
	Fetch(ctx context.Context) ([]byte, Provenance, error)
}

// Classifier turns raw provider bytes into cleaned postings.
type Classifier interface {
	Classify(provider string, raw []byte) ([]domain.Posting, error)
}

// Scorer ranks postings for one profile. Implementations must be
// deterministic: identical inputs produce identical listings.
type Scorer interface {
	Score(profile config.Profile, postings []domain.Posting) ([]domain.Listing, error)
}

// FixtureFetcher reads provider bytes from a pinned fixture file.
type FixtureFetcher struct {
	Provider  config.Provider
	Workspace string
}

func (f FixtureFetcher) ID() string { return f.Provider.ID }

func (f FixtureFetcher) Fetch(ctx context.Context) ([]byte, Provenance, error) {
	if err := ctx.Err(); err != nil {
		return nil, Provenance{}, err
	}
	path := f.Provider.Fixture
	if path == "" {
		return nil, Provenance{}, fmt.Errorf("provider %s has no fixture configured", f.Provider.ID)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.Workspace, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Provenance{}, fmt.Errorf("provider %s: %w", f.Provider.ID, err)
	}
	return data, Provenance{Mode: "fixture", SourceID: f.Provider.Fixture}, nil
}

// JSONClassifier decodes raw bytes as a JSON array of postings and
// normalizes them into a stable order.
type JSONClassifier struct{}

func (JSONClassifier) Classify(provider string, raw []byte) ([]domain.Posting, error) {
	var postings []domain.Posting
	if err := json.Unmarshal(raw, &postings); err != nil {
		return nil, fmt.Errorf("classify %s: %w", provider, err)
	}
	out := postings[:0]
	for _, p := range postings {
		if p.ID == "" || p.Title == "" {
			continue
		}
		p.Provider = provider
		sort.Strings(p.Tags)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// KeywordScorer scores a posting by keyword hits in title, tags and
// location, with a remote bonus when the profile asks for it. Ties
// break on posting id so ranking is total and reproducible.
type KeywordScorer struct{}

func (KeywordScorer) Score(profile config.Profile, postings []domain.Posting) ([]domain.Listing, error) {
	listings := make([]domain.Listing, 0, len(postings))
	for _, p := range postings {
		score := scorePosting(profile, p)
		if score <= 0 {
			continue
		}
		listings = append(listings, domain.Listing{Score: score, Posting: p})
	}
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].Score != listings[j].Score {
			return listings[i].Score > listings[j].Score
		}
		return listings[i].Posting.ID < listings[j].Posting.ID
	})
	for i := range listings {
		listings[i].Rank = i + 1
	}
	return listings, nil
}

func scorePosting(profile config.Profile, p domain.Posting) float64 {
	haystack := strings.ToLower(p.Title + " " + p.Location + " " + strings.Join(p.Tags, " "))
	var score float64
	for _, kw := range profile.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			score += 1
		}
		if kw == "remote" && p.Remote {
			score += 0.5
		}
	}
	return score
}
