package jobtracesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal jobtrace read API client.
type Client struct {
	BaseURL     string
	Candidate   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, candidate string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Candidate: candidate,
		Timeout:   10 * time.Second,
	}
}

// Run represents the API run index row.
type Run struct {
	CandidateID   string `json:"candidate_id"`
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
	ArtifactCount int    `json:"artifact_count"`
	ListingCount  int    `json:"listing_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsClassificationViolation reports whether the server refused the
// artifact for classification or shape reasons rather than absence.
func (e *APIError) IsClassificationViolation() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnprocessableEntity
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) candidateQuery() url.Values {
	q := url.Values{}
	if c.Candidate != "" {
		q.Set("candidate", c.Candidate)
	}
	return q
}

// ListRuns returns runs for the client's candidate, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := c.candidateQuery()
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	body, err := c.get(ctx, "/v1/runs", q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun returns one run's index row.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	body, err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), c.candidateQuery())
	if err != nil {
		return Run{}, err
	}
	var run Run
	if err := json.Unmarshal(body, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetArtifact fetches one artifact payload by logical key. The server
// rejects unclassified keys and internal-only keys without credentials.
func (c *Client) GetArtifact(ctx context.Context, runID, key string) ([]byte, error) {
	q := c.candidateQuery()
	q.Set("key", key)
	return c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/artifact", q)
}
