package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/junit"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit       = 25
	defaultExecutionsLimit = 500
	defaultTestCasesLimit  = 500
	defaultFailuresLimit   = 50
)

// errorResponse is a standard error payload. Kind carries the ingestion
// error taxonomy name when one applies.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// writeStoreError maps store lookups to 404 and everything else to 500.
func (s *server) writeStoreError(
	w http.ResponseWriter, err error, what string,
) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found", "")

		return
	}

	s.log.WithError(err).Error("Store operation failed")
	writeError(w, http.StatusInternalServerError, "internal error", "")
}

// parseIDParam parses the {id} URL parameter.
func parseIDParam(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}

	return uint(id), nil
}

// parseLimit reads the limit query parameter, returning def when absent.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}

	return limit, nil
}

func parseUintQuery(r *http.Request, name string) (uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}

	return uint(v), nil
}

// --- Health ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var md ingest.RunMetadata

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&md); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")

		return
	}

	run := ingest.NewRun(md, ingest.RunDefaults{
		Provider: s.cfg.Ingest.DefaultProvider,
		Status:   s.cfg.Ingest.DefaultStatus,
	}, time.Now().UTC())

	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, "runs")

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Executions ---

func (s *server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	var (
		filter store.ExecutionFilter
		err    error
	)

	if filter.Limit, err = parseLimit(r, defaultExecutionsLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if filter.RunID, err = parseUintQuery(r, "run_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if filter.TestCaseID, err = parseUintQuery(r, "test_case_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if outcome := r.URL.Query().Get("outcome"); outcome != "" {
		if !junit.Outcome(outcome).Valid() {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid outcome %q", outcome), "")

			return
		}

		filter.Outcome = outcome
	}

	execs, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "executions")

		return
	}

	writeJSON(w, http.StatusOK, execs)
}

type classificationRequest struct {
	ReasonCode   *string `json:"reason_code"`
	ClassifiedAs *string `json:"classified_as"`
}

func (s *server) handleSetClassification(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	var req classificationRequest
	if err := json.NewDecoder(
		http.MaxBytesReader(w, r.Body, s.maxUpload),
	).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")

		return
	}

	if req.ReasonCode == nil && req.ClassifiedAs == nil {
		writeError(w, http.StatusBadRequest,
			"reason_code or classified_as is required", "")

		return
	}

	if err := s.store.SetClassification(
		r.Context(), id, req.ReasonCode, req.ClassifiedAs,
	); err != nil {
		s.writeStoreError(w, err, "execution")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Test cases ---

func (s *server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultTestCasesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	tcs, err := s.store.ListTestCases(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, "test cases")

		return
	}

	writeJSON(w, http.StatusOK, tcs)
}

func (s *server) handleGetTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	tc, err := s.store.GetTestCase(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "test case")

		return
	}

	writeJSON(w, http.StatusOK, tc)
}

func (s *server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if err := s.store.DeleteTestCase(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "test case")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleTestCaseHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if _, err := s.store.GetTestCase(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "test case")

		return
	}

	execs, err := s.store.ListTestCaseHistory(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "history")

		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (s *server) handleTestCaseFlake(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	if _, err := s.store.GetTestCase(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "test case")

		return
	}

	score, err := s.scorer.Score(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "flake score")

		return
	}

	writeJSON(w, http.StatusOK, score)
}

// --- Analytics ---

func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, s.cfg.Leaderboard.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	entries, err := s.scorer.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, "leaderboard")

		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultFailuresLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	groups, err := s.store.ListFailureGroups(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, "failures")

		return
	}

	writeJSON(w, http.StatusOK, groups)
}

// statsResponse summarizes all executions. Rates are percentages rounded
// to one decimal place.
type statsResponse struct {
	TotalExecutions int64            `json:"total_executions"`
	Outcomes        map[string]int64 `json:"outcomes"`
	PassRate        float64          `json:"pass_rate"`
	FailRate        float64          `json:"fail_rate"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountExecutionsByOutcome(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "stats")

		return
	}

	resp := statsResponse{
		Outcomes: map[string]int64{
			string(junit.OutcomePassed):  0,
			string(junit.OutcomeFailed):  0,
			string(junit.OutcomeError):   0,
			string(junit.OutcomeSkipped): 0,
		},
	}

	for _, c := range counts {
		resp.Outcomes[c.Outcome] += c.Count
		resp.TotalExecutions += c.Count
	}

	if resp.TotalExecutions > 0 {
		failing := resp.Outcomes[string(junit.OutcomeFailed)] +
			resp.Outcomes[string(junit.OutcomeError)]

		resp.PassRate = percent(resp.Outcomes[string(junit.OutcomePassed)], resp.TotalExecutions)
		resp.FailRate = percent(failing, resp.TotalExecutions)
	}

	writeJSON(w, http.StatusOK, resp)
}

func percent(n, total int64) float64 {
	return math.Round(float64(n)/float64(total)*1000) / 10
}
