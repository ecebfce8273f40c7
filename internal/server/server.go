// Package server exposes the read API. Every artifact request goes
// through the repository seam and then the catalog: unclassified keys
// are rejected, internal-only keys need an authenticated internal
// principal, and external-safe payloads are validated before they are
// served.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jobtrace/internal/catalog"
	"jobtrace/internal/config"
	"jobtrace/internal/domain"
	"jobtrace/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	AppConfig *config.Config
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unclassified_artifact"`
	Message string         `json:"message" example:"artifact key is not in the catalog"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the jobtrace read API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("jobtrace read API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg)
	registerArtifacts(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrPathEscape):
		return newAPIError(http.StatusBadRequest, "path_rejected", err.Error(), nil)
	case errors.Is(err, repo.ErrInvalidID):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, catalog.ErrUnclassified):
		return newAPIError(http.StatusForbidden, "unclassified_artifact", err.Error(), nil)
	case errors.Is(err, catalog.ErrForbiddenField), errors.Is(err, catalog.ErrSchema):
		return newAPIError(http.StatusUnprocessableEntity, "classification_violation", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "classification_violation"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	type listInput struct {
		Candidate string `query:"candidate" default:"default" doc:"candidate namespace"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}
	type listOutput struct {
		Body struct {
			Runs []domain.RunIndexRow `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs for a candidate",
	}, func(ctx context.Context, in *listInput) (*listOutput, error) {
		rows, err := cfg.Repo.ListRuns(ctx, in.Candidate, in.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOutput{}
		out.Body.Runs = rows
		if out.Body.Runs == nil {
			out.Body.Runs = []domain.RunIndexRow{}
		}
		return out, nil
	})

	type getInput struct {
		RunID     string `path:"run_id"`
		Candidate string `query:"candidate" default:"default"`
	}
	type getOutput struct {
		Body domain.RunIndexRow
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get one run",
	}, func(ctx context.Context, in *getInput) (*getOutput, error) {
		row, err := cfg.Repo.GetRun(ctx, in.Candidate, in.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &getOutput{Body: row}, nil
	})
}

func registerArtifacts(api huma.API, cfg Config) {
	type artifactInput struct {
		RunID     string `path:"run_id"`
		Candidate string `query:"candidate" default:"default"`
		Key       string `query:"key" doc:"logical artifact key, e.g. listings or scores/backend"`
	}
	type artifactOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifact",
		Summary:     "Fetch one artifact by logical key",
	}, func(ctx context.Context, in *artifactInput) (*artifactOutput, error) {
		data, err := ReadArtifact(ctx, cfg, in.Candidate, in.RunID, in.Key)
		if err != nil {
			return nil, err
		}
		return &artifactOutput{ContentType: "application/json", Body: data}, nil
	})
}

// ReadArtifact enforces the full read path: repository resolution,
// classification, access control, size cap and payload validation.
func ReadArtifact(ctx context.Context, cfg Config, candidateID, runID, key string) ([]byte, huma.StatusError) {
	if key == "" {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifact key required", nil)
	}
	switch catalog.Classify(key) {
	case domain.CategoryUnclassified:
		return nil, newAPIError(http.StatusForbidden, "unclassified_artifact",
			fmt.Sprintf("artifact key %q is not in the catalog", key), map[string]any{"key": key})
	case domain.CategoryInternalOnly:
		principal, ok := principalFromContext(ctx)
		if !ok || !principal.HasRole("internal") {
			return nil, newAPIError(http.StatusForbidden, "internal_only",
				fmt.Sprintf("artifact %q requires an internal principal", key), map[string]any{"key": key})
		}
	}
	path, err := cfg.Repo.ResolveArtifactPath(candidateID, runID, key+".json")
	if err != nil {
		return nil, handleError(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, handleError(err)
	}
	if max := cfg.AppConfig.MaxArtifactBytes(); info.Size() > max {
		return nil, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
			fmt.Sprintf("artifact %q is %d bytes, cap is %d", key, info.Size(), max), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, handleError(err)
	}
	// Classification is checked again at read time: a leak written by a
	// buggy producer must not be served.
	if err := catalog.Validate(key, data); err != nil {
		return nil, handleError(err)
	}
	return data, nil
}
