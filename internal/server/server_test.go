package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobtrace/internal/config"
	"jobtrace/internal/domain"
	"jobtrace/internal/pipeline"
	"jobtrace/internal/repo"
	"jobtrace/internal/server"
)

const testSecret = "test-secret"

type testEnv struct {
	ws      string
	cfg     *config.Config
	run     domain.Run
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "fixtures"), 0o755); err != nil {
		t.Fatal(err)
	}
	fixture := `[{"id":"p1","title":"Go Engineer","company":"acme","location":"Berlin","remote":true,"tags":["go"]}]`
	if err := os.WriteFile(filepath.Join(ws, "fixtures", "openai.json"), []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Candidate: "default",
		Providers: []config.Provider{{ID: "openai", Enabled: true, Fixture: "fixtures/openai.json"}},
		Profiles:  []config.Profile{{ID: "backend", Keywords: []string{"go"}}},
	}

	eng := &pipeline.Engine{
		Repo:      repo.Repo{Root: ws},
		Config:    cfg,
		Workspace: ws,
		Now:       func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) },
		Log:       log.New(io.Discard, "", 0),
	}
	run, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	handler, err := server.New(server.Config{
		Repo:      repo.Repo{Root: ws},
		AppConfig: cfg,
		Auth:      server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{ws: ws, cfg: cfg, run: run, handler: handler}
}

func (e *testEnv) request(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func internalToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "ops",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListAndGetRuns(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/runs?candidate=default", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", rec.Code, rec.Body.String())
	}
	var list struct {
		Runs []domain.RunIndexRow `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Runs) != 1 || list.Runs[0].RunID != e.run.ID {
		t.Fatalf("runs = %+v", list.Runs)
	}

	rec = e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = e.request(t, http.MethodGet, "/v1/runs/run-none", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "not_found" {
		t.Fatalf("error code = %q", code)
	}
}

func TestGetExternalSafeArtifact(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID+"/artifact?key=listings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var listings []domain.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &listings); err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 || listings[0].Posting.ID != "p1" {
		t.Fatalf("listings = %+v", listings)
	}
}

func TestUnclassifiedArtifactRejected(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID+"/artifact?key=notes", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "unclassified_artifact" {
		t.Fatalf("error code = %q", code)
	}
	// Traversal-shaped keys are not in the catalog either: rejected
	// before any path handling happens.
	rec = e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID+"/artifact?key=../other/run_summary", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("traversal key status = %d", rec.Code)
	}
}

func TestInternalOnlyRequiresRole(t *testing.T) {
	e := newTestEnv(t)
	url := "/v1/runs/" + e.run.ID + "/artifact?key=scores%2Fbackend"

	rec := e.request(t, http.MethodGet, url, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous status = %d body=%s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "internal_only" {
		t.Fatalf("error code = %q", code)
	}

	// A principal without the internal role is still refused.
	rec = e.request(t, http.MethodGet, url, internalToken(t, "viewer"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d", rec.Code)
	}

	rec = e.request(t, http.MethodGet, url, internalToken(t, "internal"))
	if rec.Code != http.StatusOK {
		t.Fatalf("internal status = %d body=%s", rec.Code, rec.Body.String())
	}
	var scores []domain.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &scores); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/runs", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestArtifactSizeCap(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Server.MaxArtifactBytes = 8

	rec := e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID+"/artifact?key=listings", "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "payload_too_large" {
		t.Fatalf("error code = %q", code)
	}
}

func TestLeakedFieldBlockedAtReadTime(t *testing.T) {
	e := newTestEnv(t)
	// Simulate a buggy producer: an external-safe artifact on disk now
	// carries a forbidden field. The read path must refuse to serve it.
	leak := `[{"rank":1,"score":1,"posting":{"id":"p1","title":"t","provider":"openai","api_key":"secret"}}]`
	path := filepath.Join(repo.CandidateDir(e.ws, "default"), e.run.ID, "listings.json")
	if err := os.WriteFile(path, []byte(leak), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := e.request(t, http.MethodGet, "/v1/runs/"+e.run.ID+"/artifact?key=listings", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "classification_violation" {
		t.Fatalf("error code = %q", code)
	}
}
