package ingest

import (
	"errors"

	"github.com/ethpandaops/flakeoor/pkg/junit"
)

var (
	// ErrEmptyReport is returned for zero-length report uploads.
	ErrEmptyReport = errors.New("empty report")

	// ErrRunNotFound is returned when an explicit run ID does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrIdentityConflict is returned when a test case could neither be
	// created nor found after repeated unique-key conflicts.
	ErrIdentityConflict = errors.New("test case identity conflict")
)

// Error kinds reported to callers of Ingest.
const (
	KindMalformedReport = "MalformedReport"
	KindEmptyReport     = "EmptyReport"
	KindRunNotFound     = "RunNotFound"
	KindInternal        = "Internal"
)

// Kind classifies an ingestion error into its taxonomy name. It returns
// an empty string for a nil error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, junit.ErrMalformedReport):
		return KindMalformedReport
	case errors.Is(err, ErrEmptyReport):
		return KindEmptyReport
	case errors.Is(err, ErrRunNotFound):
		return KindRunNotFound
	default:
		return KindInternal
	}
}
