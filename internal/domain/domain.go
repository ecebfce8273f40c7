package domain

// Category is the static classification of a logical artifact key.
type Category string

const (
	CategoryExternalSafe Category = "external-safe"
	CategoryInternalOnly Category = "internal-only"
	CategoryUnclassified Category = "unclassified"
)

// Run statuses. A finalized run always carries exactly one of these.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// DefaultCandidate is the tenant namespace used when none is given.
const DefaultCandidate = "default"

type Run struct {
	ID          string  `json:"id"`
	CandidateID string  `json:"candidate_id"`
	Status      string  `json:"status" enum:"success,partial,error"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	FinishedAt  string  `json:"finished_at,omitempty" format:"date-time"`
	Stages      []Stage `json:"stages,omitempty"`
}

type Stage struct {
	Name       string `json:"name"`
	Status     string `json:"status" enum:"success,failed,skipped"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ManifestEntry records one artifact touched by a run. The union of
// entries over a run is its reproducibility contract.
type ManifestEntry struct {
	Key    string `json:"key"`
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// RunIndexRow is the denormalized projection kept in the sqlite index.
// It is fully rederivable from the artifact tree.
type RunIndexRow struct {
	CandidateID   string `json:"candidate_id"`
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at" format:"date-time"`
	FinishedAt    string `json:"finished_at,omitempty" format:"date-time"`
	ArtifactCount int    `json:"artifact_count"`
	ListingCount  int    `json:"listing_count"`
}

// SnapshotPin pins an input fixture to a digest that must never drift.
type SnapshotPin struct {
	ProviderID string `yaml:"provider_id" json:"provider_id"`
	Path       string `yaml:"path" json:"path"`
	Digest     string `yaml:"digest" json:"digest"`
	Size       int64  `yaml:"size" json:"size"`
	Required   bool   `yaml:"required" json:"required"`
}

// Provider availability reason codes.
const (
	ReasonOK                  = "ok"
	ReasonNotEnabled          = "not_enabled"
	ReasonFetchFailed         = "fetch_failed"
	ReasonUnknownEarlyFailure = "unknown_early_failure"
)

type ProviderStatus struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
}

type ProviderAvailability struct {
	RunID     string           `json:"run_id"`
	Providers []ProviderStatus `json:"providers"`
}

// Failure codes recorded in run_health.
const (
	FailureCodeStageFailed  = "stage_failed"
	FailureCodeEarlyFailure = "early_failure"
	FailureCodeInjected     = "injected_failure"
)

type RunHealth struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	FailedStage string `json:"failed_stage,omitempty"`
	FailureCode string `json:"failure_code,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty" format:"date-time"`
}

type RunSummary struct {
	RunID         string  `json:"run_id"`
	CandidateID   string  `json:"candidate_id"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    string  `json:"finished_at,omitempty"`
	Stages        []Stage `json:"stages,omitempty"`
	ListingCount  int     `json:"listing_count"`
	ArtifactCount int     `json:"artifact_count"`
}

// Posting is a fetched job posting after classification. Raw provider
// bytes never leave the internal-only tree; postings are the cleaned
// projection scoring works on.
type Posting struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider"`
	Title    string   `json:"title"`
	Company  string   `json:"company"`
	Location string   `json:"location"`
	Remote   bool     `json:"remote"`
	Tags     []string `json:"tags,omitempty"`
}

// Listing is a ranked posting as exposed to external readers.
type Listing struct {
	Rank    int     `json:"rank"`
	Score   float64 `json:"score"`
	Posting Posting `json:"posting"`
}
