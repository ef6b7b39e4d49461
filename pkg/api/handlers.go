package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/testoor/pkg/analysis"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps a store error to a response.
func (s *server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})

		return
	}

	s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

type runResponse struct {
	ID            uint       `json:"id"`
	Origin        string     `json:"origin"`
	ExternalRunID string     `json:"external_run_id"`
	RunTime       time.Time  `json:"run_time"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Outcome       string     `json:"outcome"`
	Format        string     `json:"format"`
	IngestedAt    time.Time  `json:"ingested_at"`
}

func toRunResponse(r store.Run) runResponse {
	return runResponse{
		ID:            r.ID,
		Origin:        r.Origin,
		ExternalRunID: r.ExternalRunID,
		RunTime:       r.RunTime,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Outcome:       r.Outcome,
		Format:        r.Format,
		IngestedAt:    r.IngestedAt,
	}
}

func toRunResponses(runs []store.Run) []runResponse {
	out := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunResponse(r))
	}

	return out
}

type resultResponse struct {
	TestID     string  `json:"test_id"`
	Result     string  `json:"result"`
	Reason     string  `json:"reason,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

type historyResponse struct {
	RunID         uint      `json:"run_id"`
	Origin        string    `json:"origin"`
	ExternalRunID string    `json:"external_run_id"`
	RunTime       time.Time `json:"run_time"`
	Job           string    `json:"job,omitempty"`
	Result        string    `json:"result"`
	Reason        string    `json:"reason,omitempty"`
	DurationMS    float64   `json:"duration_ms,omitempty"`
}

type runSummaryResponse struct {
	Run     runResponse            `json:"run"`
	Meta    map[string]string      `json:"meta"`
	Total   int                    `json:"total"`
	Counts  map[testrun.Result]int `json:"counts"`
	Failing []string               `json:"failing"`
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// --- query helpers ---

func parseOrigin(r *http.Request) (testrun.Origin, error) {
	return testrun.ParseOrigin(chi.URLParam(r, "origin"))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}

	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected RFC 3339", name, v)
	}

	return t.UTC(), nil
}

// parseWindow reads count, span and job query parameters over the
// analyzer's default window.
func (s *server) parseWindow(r *http.Request) (analysis.Window, error) {
	w := s.analyzer.DefaultWindow()

	count, err := queryInt(r, "count", w.Count)
	if err != nil {
		return w, err
	}

	w.Count = count

	if v := r.URL.Query().Get("span"); v != "" {
		span, err := time.ParseDuration(v)
		if err != nil || span < 0 {
			return w, fmt.Errorf("invalid span %q", v)
		}

		w.Span = span
	}

	w.Job = r.URL.Query().Get("job")

	return w, nil
}

func runLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultRunsLimit)
	if err != nil {
		return 0, err
	}

	if limit == 0 || limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	return limit, nil
}

// --- handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOrigins lists the supported origins.
func (s *server) handleOrigins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, testrun.Origins())
}

// handleRecentRuns lists an origin's runs, newest first.
func (s *server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	limit, err := runLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	since, err := queryTime(r, "since")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.store.RecentRuns(r.Context(), store.RunQuery{
		Origin: string(origin),
		Job:    r.URL.Query().Get("job"),
		Limit:  limit,
		Since:  since,
	})
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponses(runs))
}

// handleRunByExternalID resolves a run by its dedup key and returns its
// summary.
func (s *server) handleRunByExternalID(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	run, err := s.store.FindRun(r.Context(), string(origin), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	s.writeRunSummary(w, r, run.ID)
}

// handleRun returns a run with its metadata and result counts.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	s.writeRunSummary(w, r, uint(id))
}

func (s *server) writeRunSummary(w http.ResponseWriter, r *http.Request, id uint) {
	summary, err := s.analyzer.SummarizeRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	failing := summary.Failing
	if failing == nil {
		failing = []string{}
	}

	writeJSON(w, http.StatusOK, runSummaryResponse{
		Run:     toRunResponse(summary.Run),
		Meta:    summary.Meta,
		Total:   summary.Total,
		Counts:  summary.Counts,
		Failing: failing,
	})
}

// handleRunResults returns every result of a run in parse order.
func (s *server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	if _, err := s.store.GetRun(r.Context(), uint(id)); err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	results, err := s.store.RunResults(r.Context(), uint(id))
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	out := make([]resultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, resultResponse{
			TestID:     res.TestID,
			Result:     res.Result,
			Reason:     res.Reason,
			DurationMS: durationMS(res.Duration),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// handleRunSearch finds runs whose metadata key equals a value.
func (s *server) handleRunSearch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("meta")
	value := r.URL.Query().Get("value")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"meta is required"})

		return
	}

	limit, err := runLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.store.RunsByMeta(r.Context(), name, value, limit)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponses(runs))
}

// testQuery reads the test id and the optional origin filter.
func testQuery(r *http.Request) (string, testrun.Origin, error) {
	testID := r.URL.Query().Get("test_id")
	if testID == "" {
		return "", "", fmt.Errorf("test_id is required")
	}

	o := r.URL.Query().Get("origin")
	if o == "" {
		return testID, "", nil
	}

	origin, err := testrun.ParseOrigin(o)
	if err != nil {
		return "", "", err
	}

	return testID, origin, nil
}

// handleTestHistory returns a test's observations, most recent last.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	testID, origin, err := testQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	limit, err := runLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	since, err := queryTime(r, "since")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	history, err := s.store.TestHistory(r.Context(), store.HistoryQuery{
		TestID: testID,
		Origin: string(origin),
		Job:    r.URL.Query().Get("job"),
		Limit:  limit,
		Since:  since,
	})
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	out := make([]historyResponse, 0, len(history))
	for _, h := range history {
		out = append(out, historyResponse{
			RunID:         h.RunID,
			Origin:        h.Origin,
			ExternalRunID: h.ExternalRunID,
			RunTime:       h.RunTime,
			Job:           h.Job,
			Result:        h.Result,
			Reason:        h.Reason,
			DurationMS:    durationMS(h.Duration),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// handleTestClassification classifies one test over a window.
func (s *server) handleTestClassification(w http.ResponseWriter, r *http.Request) {
	testID, origin, err := testQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	window, err := s.parseWindow(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	verdicts, err := s.analyzer.AnalyzeTest(r.Context(), origin, testID, window)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, verdicts)
}

// handleFlaky ranks the flaky tests of an origin's window.
func (s *server) handleFlaky(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	window, err := s.parseWindow(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	limit, err := queryInt(r, "limit", s.analyzer.DefaultFlakyLimit())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	ranked, err := s.analyzer.RankFlaky(r.Context(), origin, window, limit)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, ranked)
}

// handleOriginSummary aggregates an origin's window.
func (s *server) handleOriginSummary(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	window, err := s.parseWindow(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	summary, err := s.analyzer.SummarizeOrigin(r.Context(), origin, window)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}
