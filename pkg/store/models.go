package store

import "time"

// Run is a single CI pipeline run. Deleting a run deletes its executions.
type Run struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Provider      string     `gorm:"size:32;not null" json:"provider"`
	Workflow      *string    `gorm:"size:128" json:"workflow"`
	Repo          *string    `gorm:"size:256" json:"repo"`
	Branch        *string    `gorm:"size:128;index:idx_runs_branch_started,priority:1" json:"branch"`
	CommitSHA     *string    `gorm:"size:64;index" json:"commit_sha"`
	RunExternalID *string    `gorm:"size:128;index" json:"run_external_id"`
	Status        string     `gorm:"size:24;not null" json:"status"`
	StartedAt     time.Time  `gorm:"not null;index:idx_runs_branch_started,priority:2" json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
}

// TestCase is the persistent identity of a test across runs. IdentityKey is
// unique and never changes once created.
type TestCase struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IdentityKey string    `gorm:"size:512;not null;uniqueIndex:idx_test_cases_identity_key" json:"identity_key"`
	Suite       *string   `gorm:"size:128;index" json:"suite"`
	FilePath    *string   `gorm:"size:256" json:"file_path"`
	Owner       *string   `gorm:"size:128" json:"owner"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// Execution is one test-case result within a run. Rows are append-only;
// only ReasonCode and ClassifiedAs may change after creation.
type Execution struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RunID            uint      `gorm:"not null;index:idx_exec_run_test,priority:1" json:"run_id"`
	TestCaseID       uint      `gorm:"not null;index:idx_exec_run_test,priority:2;index:idx_exec_test_created,priority:1" json:"test_case_id"`
	Outcome          string    `gorm:"size:16;not null" json:"outcome"`
	DurationSec      *float64  `json:"duration_sec"`
	ErrorFingerprint *string   `gorm:"size:64;index" json:"error_fingerprint"`
	ErrorMessage     *string   `gorm:"type:text" json:"error_message"`
	FailureKind      *string   `gorm:"size:24" json:"failure_kind"`
	ReasonCode       *string   `gorm:"size:64;index" json:"reason_code"`
	ClassifiedAs     *string   `gorm:"size:24;index" json:"classified_as"`
	CreatedAt        time.Time `gorm:"not null;index:idx_exec_test_created,priority:2" json:"created_at"`
}

// ImportedReport records a report file the importer has already processed.
type ImportedReport struct {
	ID            uint   `gorm:"primaryKey"`
	DiscoveryPath string `gorm:"not null;uniqueIndex:idx_imported_dp_key"`
	ReportKey     string `gorm:"not null;uniqueIndex:idx_imported_dp_key"`
	Status        string `gorm:"size:16;not null"`
	RunID         *uint
	ErrorKind     *string   `gorm:"size:32"`
	ImportedAt    time.Time `gorm:"not null"`
}

// Import statuses.
const (
	ImportStatusIngested = "ingested"
	ImportStatusFailed   = "failed"
)

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	RunID      uint
	TestCaseID uint
	Outcome    string
	Limit      int
}

// FailureGroup aggregates failing executions sharing an error fingerprint.
type FailureGroup struct {
	Fingerprint   string    `json:"fingerprint"`
	Count         int64     `json:"count"`
	TestCases     int64     `json:"test_cases"`
	SampleMessage string    `json:"sample_message"`
	LastSeen      time.Time `json:"last_seen"`
}

// OutcomeCount is the number of executions with a given outcome.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// OutcomeHistory is the ordered outcome sequence of one test case.
type OutcomeHistory struct {
	TestCaseID  uint
	IdentityKey string
	Outcomes    []string
}
