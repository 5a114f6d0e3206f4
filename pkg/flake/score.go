// Package flake scores test cases by how often their outcome flips between
// consecutive executions.
package flake

import (
	"sort"

	"github.com/ethpandaops/flakeoor/pkg/junit"
)

// Score is the derived instability of a single test case.
type Score struct {
	TestCaseID       uint    `json:"test_case_id"`
	ExecutionsCount  int     `json:"executions_count"`
	TransitionsCount int     `json:"transitions_count"`
	FlakeScore       float64 `json:"flake_score"`
}

// Compute scores an ordered (oldest first) outcome history. Skipped
// executions count towards ExecutionsCount but are dropped from the
// pass/fail sequence, so they never form a transition boundary. Fewer
// than two non-skipped executions score 0.
func Compute(testCaseID uint, outcomes []junit.Outcome) Score {
	s := Score{
		TestCaseID:      testCaseID,
		ExecutionsCount: len(outcomes),
	}

	var (
		n        int
		prevFail bool
	)

	for _, o := range outcomes {
		if o == junit.OutcomeSkipped {
			continue
		}

		fail := o.IsFailure()
		if n > 0 && fail != prevFail {
			s.TransitionsCount++
		}

		prevFail = fail
		n++
	}

	if n < 2 {
		s.TransitionsCount = 0

		return s
	}

	s.FlakeScore = float64(s.TransitionsCount) / float64(n-1)

	return s
}

// Entry is one row of the flake leaderboard.
type Entry struct {
	TestCaseID       uint    `json:"test_case_id"`
	IdentityKey      string  `json:"identity_key"`
	ExecutionsCount  int     `json:"executions_count"`
	TransitionsCount int     `json:"transitions_count"`
	FlakeScore       float64 `json:"flake_score"`
}

// Rank sorts entries by descending score, then by descending execution
// count, then by ascending test case ID, and truncates to limit when
// limit is positive.
func Rank(entries []Entry, limit int) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]

		if a.FlakeScore != b.FlakeScore {
			return a.FlakeScore > b.FlakeScore
		}

		if a.ExecutionsCount != b.ExecutionsCount {
			return a.ExecutionsCount > b.ExecutionsCount
		}

		return a.TestCaseID < b.TestCaseID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries
}
