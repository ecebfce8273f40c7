// Package catalog is the static registry mapping logical artifact keys
// to categories and schemas. Classification is fail-closed: a key the
// catalog does not know is unclassified and every consumer must treat
// it as internal-only.
package catalog

import (
	"errors"
	"fmt"
	"path"

	"jobtrace/internal/domain"
)

var (
	ErrUnclassified   = errors.New("unclassified artifact")
	ErrForbiddenField = errors.New("forbidden field in external-safe payload")
	ErrSchema         = errors.New("schema validation failed")
)

// Terminal artifact keys every finalized run carries.
const (
	KeyRunSummary           = "run_summary"
	KeyRunHealth            = "run_health"
	KeyProviderAvailability = "provider_availability"
	KeyListings             = "listings"
	KeyManifest             = "manifest"
)

// ForbiddenFields are rejected at any depth of an external-safe payload.
// Order matters for stable error messages, nothing else.
var ForbiddenFields = []string{
	"api_key",
	"authorization",
	"cookie",
	"set_cookie",
	"raw_html",
	"prompt",
	"internal_notes",
}

type entry struct {
	category domain.Category
	schema   string // schema id, empty when the key is not schema-bound
	version  int
}

// exact keys first, then glob patterns in declaration order.
var exact = map[string]entry{
	KeyRunSummary:           {domain.CategoryExternalSafe, "run_summary", 1},
	KeyRunHealth:            {domain.CategoryExternalSafe, "run_health", 1},
	KeyProviderAvailability: {domain.CategoryExternalSafe, "provider_availability", 1},
	KeyListings:             {domain.CategoryExternalSafe, "listings", 1},
	KeyManifest:             {domain.CategoryInternalOnly, "", 0},
}

var patterns = []struct {
	glob string
	e    entry
}{
	{"raw/*", entry{domain.CategoryInternalOnly, "", 0}},
	{"scores/*", entry{domain.CategoryInternalOnly, "", 0}},
	{"classify/*", entry{domain.CategoryInternalOnly, "", 0}},
	{"debug/*", entry{domain.CategoryInternalOnly, "", 0}},
}

// Classify returns the static category for a logical key. Unmatched
// keys are unclassified, never implicitly accepted.
func Classify(key string) domain.Category {
	if e, ok := exact[key]; ok {
		return e.category
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p.glob, key); ok {
			return p.e.category
		}
	}
	return domain.CategoryUnclassified
}

// SchemaFor returns the schema id and version bound to key, if any.
func SchemaFor(key string) (string, int, bool) {
	if e, ok := exact[key]; ok && e.schema != "" {
		return e.schema, e.version, true
	}
	return "", 0, false
}

// Validate checks payload against the catalog rules for key.
//
// External-safe payloads are scanned recursively for forbidden fields
// and rejected on the first hit; nothing is ever stripped here, because
// a redaction bug silently widens leakage while an assertion bug only
// breaks availability. Schema-bound keys are additionally shape-checked.
// Unclassified keys always fail.
func Validate(key string, payload []byte) error {
	switch Classify(key) {
	case domain.CategoryUnclassified:
		return fmt.Errorf("%s: %w", key, ErrUnclassified)
	case domain.CategoryExternalSafe:
		if err := AssertNoForbiddenFields(payload); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if schema, version, ok := SchemaFor(key); ok {
		if err := validateSchema(schema, version, payload); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
