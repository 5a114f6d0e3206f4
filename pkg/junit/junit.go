// Package junit decodes JUnit-style XML test reports into normalized
// execution records.
package junit

import "errors"

var (
	// ErrMalformedReport is returned when the report is not well-formed XML.
	ErrMalformedReport = errors.New("malformed report")

	// ErrMalformedAttribute is returned when a numeric attribute cannot be
	// parsed. The parser treats such attributes as absent.
	ErrMalformedAttribute = errors.New("malformed attribute")
)

// Outcome is the result of a single test execution.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeError:
		return true
	default:
		return false
	}
}

// IsFailure reports whether o counts as a failing execution.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed || o == OutcomeError
}

// Failure kinds recorded for failed and errored executions.
const (
	FailureKindFailure = "failure"
	FailureKindError   = "error"
)

// UnnamedIdentityKey identifies test-case elements that carry neither a
// classname nor a name.
const UnnamedIdentityKey = "<unnamed>"

// DefaultFileExtension is appended to derived file paths.
const DefaultFileExtension = ".py"

// NormalizedExecution is a single test-case element decoded from a report.
// ErrorFingerprint is set if and only if ErrorMessage is set.
type NormalizedExecution struct {
	IdentityKey      string   `json:"identity_key"`
	Suite            *string  `json:"suite,omitempty"`
	FilePath         *string  `json:"file_path,omitempty"`
	Outcome          Outcome  `json:"outcome"`
	DurationSec      *float64 `json:"duration_sec,omitempty"`
	FailureKind      *string  `json:"failure_kind,omitempty"`
	ErrorMessage     *string  `json:"error_message,omitempty"`
	ErrorFingerprint *string  `json:"error_fingerprint,omitempty"`
}
