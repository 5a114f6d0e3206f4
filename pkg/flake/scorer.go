package flake

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/flakeoor/pkg/junit"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Scorer computes flake scores from committed execution history.
type Scorer interface {
	// Score returns the flake score of one test case. A test case without
	// history scores zero.
	Score(ctx context.Context, testCaseID uint) (Score, error)

	// Leaderboard scores every test case and returns the top limit
	// entries. A non-positive limit returns all test cases.
	Leaderboard(ctx context.Context, limit int) ([]Entry, error)
}

// Compile-time interface check.
var _ Scorer = (*scorer)(nil)

type scorer struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewScorer creates a Scorer reading from st.
func NewScorer(log logrus.FieldLogger, st store.Store) Scorer {
	return &scorer{
		log:   log.WithField("component", "flake"),
		store: st,
	}
}

// Score loads the test case's history and scores it.
func (s *scorer) Score(ctx context.Context, testCaseID uint) (Score, error) {
	execs, err := s.store.ListTestCaseHistory(ctx, testCaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Compute(testCaseID, nil), nil
		}

		return Score{}, fmt.Errorf("loading history: %w", err)
	}

	outcomes := make([]junit.Outcome, 0, len(execs))
	for i := range execs {
		outcomes = append(outcomes, junit.Outcome(execs[i].Outcome))
	}

	return Compute(testCaseID, outcomes), nil
}

// Leaderboard ranks all test cases by flake score.
func (s *scorer) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	tcs, err := s.store.ListTestCases(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("loading test cases: %w", err)
	}

	histories, err := s.store.ListOutcomeHistories(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading histories: %w", err)
	}

	byID := make(map[uint][]string, len(histories))
	for _, h := range histories {
		byID[h.TestCaseID] = h.Outcomes
	}

	entries := make([]Entry, 0, len(tcs))

	for i := range tcs {
		tc := &tcs[i]

		raw := byID[tc.ID]
		outcomes := make([]junit.Outcome, 0, len(raw))

		for _, o := range raw {
			outcomes = append(outcomes, junit.Outcome(o))
		}

		score := Compute(tc.ID, outcomes)

		entries = append(entries, Entry{
			TestCaseID:       tc.ID,
			IdentityKey:      tc.IdentityKey,
			ExecutionsCount:  score.ExecutionsCount,
			TransitionsCount: score.TransitionsCount,
			FlakeScore:       score.FlakeScore,
		})
	}

	s.log.WithField("test_cases", len(entries)).Debug("Leaderboard computed")

	return Rank(entries, limit), nil
}
