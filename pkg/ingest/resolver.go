package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// maxIdentityAttempts bounds the create-or-get loop. A conflict means
// another writer committed the row, so the second lookup finds it.
const maxIdentityAttempts = 3

// RunMetadata describes a pipeline run created during ingestion.
type RunMetadata struct {
	Provider      string     `json:"provider,omitempty" mapstructure:"provider"`
	Workflow      string     `json:"workflow,omitempty" mapstructure:"workflow"`
	Repo          string     `json:"repo,omitempty" mapstructure:"repo"`
	Branch        string     `json:"branch,omitempty" mapstructure:"branch"`
	CommitSHA     string     `json:"commit_sha,omitempty" mapstructure:"commit_sha"`
	RunExternalID string     `json:"run_external_id,omitempty" mapstructure:"run_external_id"`
	Status        string     `json:"status,omitempty" mapstructure:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty" mapstructure:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" mapstructure:"finished_at"`
}

// RunDefaults are applied to metadata fields left empty.
type RunDefaults struct {
	Provider string
	Status   string
}

// NewRun builds a Run from metadata, filling provider, status and start
// time from defaults where absent.
func NewRun(md RunMetadata, defaults RunDefaults, now time.Time) *store.Run {
	run := &store.Run{
		Provider:      md.Provider,
		Workflow:      optional(md.Workflow),
		Repo:          optional(md.Repo),
		Branch:        optional(md.Branch),
		CommitSHA:     optional(md.CommitSHA),
		RunExternalID: optional(md.RunExternalID),
		Status:        md.Status,
		StartedAt:     now,
		FinishedAt:    md.FinishedAt,
	}

	if run.Provider == "" {
		run.Provider = defaults.Provider
	}

	if run.Status == "" {
		run.Status = defaults.Status
	}

	if md.StartedAt != nil {
		run.StartedAt = *md.StartedAt
	}

	return run
}

// ResolveRun returns the run with explicitRunID when given, failing with
// ErrRunNotFound if it does not exist. Without an explicit ID a new run is
// always created from md; implicit runs are never deduplicated.
func ResolveRun(
	ctx context.Context,
	st store.Store,
	explicitRunID *uint,
	md RunMetadata,
	defaults RunDefaults,
) (*store.Run, error) {
	if explicitRunID != nil {
		run, err := st.GetRun(ctx, *explicitRunID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrRunNotFound, *explicitRunID)
			}

			return nil, fmt.Errorf("resolving run: %w", err)
		}

		return run, nil
	}

	run := NewRun(md, defaults, time.Now().UTC())
	if err := st.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("resolving run: %w", err)
	}

	return run, nil
}

// ResolveTestCase returns the test case for identityKey, creating it when
// absent. For an existing test case, suite and filePath are backfilled
// only where still unset. Concurrent creation of the same key is resolved
// by catching the unique violation and re-reading the winner's row.
func ResolveTestCase(
	ctx context.Context,
	log logrus.FieldLogger,
	st store.Store,
	identityKey string,
	suite, filePath *string,
) (*store.TestCase, error) {
	for attempt := 1; attempt <= maxIdentityAttempts; attempt++ {
		tc, err := st.GetTestCaseByKey(ctx, identityKey)
		if err == nil {
			return backfill(ctx, st, tc, suite, filePath)
		}

		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolving test case: %w", err)
		}

		tc = &store.TestCase{
			IdentityKey: identityKey,
			Suite:       suite,
			FilePath:    filePath,
		}

		err = st.CreateTestCase(ctx, tc)
		if err == nil {
			return tc, nil
		}

		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("resolving test case: %w", err)
		}

		log.WithField("identity_key", identityKey).
			WithField("attempt", attempt).
			Debug("Test case created concurrently, retrying lookup")
	}

	return nil, fmt.Errorf("%w: %q", ErrIdentityConflict, identityKey)
}

func backfill(
	ctx context.Context,
	st store.Store,
	tc *store.TestCase,
	suite, filePath *string,
) (*store.TestCase, error) {
	if tc.Suite != nil {
		suite = nil
	}

	if tc.FilePath != nil {
		filePath = nil
	}

	if suite == nil && filePath == nil {
		return tc, nil
	}

	updated, err := st.BackfillTestCase(ctx, tc.ID, suite, filePath)
	if err != nil {
		return nil, fmt.Errorf("resolving test case: %w", err)
	}

	return updated, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
