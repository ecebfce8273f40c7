package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run ids sort lexically in start order: UTC stamp first, uuid-derived
// suffix to disambiguate runs started in the same second.
const runIDStampFormat = "20060102t150405z"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// NewRunID returns a sanitized, sortable run id for a run starting at t.
func NewRunID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", t.UTC().Format(runIDStampFormat), suffix)
}

// ValidID reports whether s is safe to use as a run or candidate id
// path segment: lowercase alphanumerics and hyphens only.
func ValidID(s string) bool {
	return s != "" && len(s) <= 128 && idPattern.MatchString(s)
}
