package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// topFailing is the number of most-failing tests in an origin summary.
const topFailing = 10

// Reader is the read side of the test-run store used by the Analyzer.
type Reader interface {
	GetRun(ctx context.Context, id uint) (*store.Run, error)
	RunMeta(ctx context.Context, runID uint) (map[string]string, error)
	RecentRuns(ctx context.Context, q store.RunQuery) ([]store.Run, error)
	RunResults(ctx context.Context, runID uint) ([]store.TestResult, error)
	TestHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryEntry, error)
	DistinctTestIDs(ctx context.Context, runIDs []uint) ([]string, error)
}

// Window bounds the history considered, by run count, by time span, or
// both. Zero values are unbounded. Job restricts the history to one job
// configuration; otherwise every job is analyzed on its own and Count
// applies per job.
type Window struct {
	Count int
	Span  time.Duration
	Job   string
}

// Analyzer computes test classifications and run summaries from stored
// history. It never writes.
type Analyzer struct {
	log        logrus.FieldLogger
	store      Reader
	window     Window
	flakyLimit int
	now        func() time.Time
}

// NewAnalyzer creates a new Analyzer. cfg provides the default window.
func NewAnalyzer(log logrus.FieldLogger, st Reader, cfg config.AnalysisConfig) *Analyzer {
	return &Analyzer{
		log:        log.WithField("component", "analysis"),
		store:      st,
		window:     Window{Count: cfg.WindowCount, Span: cfg.WindowSpan},
		flakyLimit: cfg.FlakyLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DefaultWindow returns the configured window.
func (a *Analyzer) DefaultWindow() Window {
	return a.window
}

// DefaultFlakyLimit returns the configured cap on flaky rankings.
func (a *Analyzer) DefaultFlakyLimit() int {
	return a.flakyLimit
}

func (a *Analyzer) since(w Window) time.Time {
	if w.Span <= 0 {
		return time.Time{}
	}

	return a.now().Add(-w.Span)
}

// AnalyzeTest classifies one test over its most recent observations on
// origin, one verdict per job sorted by job name. An empty origin
// considers every origin. Truncated runs are ignored. Without any
// observation a single NO_DATA verdict is returned.
func (a *Analyzer) AnalyzeTest(
	ctx context.Context, origin testrun.Origin, testID string, w Window,
) ([]Verdict, error) {
	q := store.HistoryQuery{
		TestID:   testID,
		Origin:   string(origin),
		Job:      w.Job,
		Since:    a.since(w),
		Complete: true,
	}

	if w.Job != "" {
		q.Limit = w.Count
	}

	history, err := a.store.TestHistory(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", testID, err)
	}

	if len(history) == 0 {
		v := Classify(nil)
		v.TestID, v.Job = testID, w.Job

		return []Verdict{v}, nil
	}

	jobs := make(map[string][]observation, 4)
	for _, h := range history {
		jobs[h.Job] = append(jobs[h.Job], observation{runID: h.RunID, result: testrun.Result(h.Result)})
	}

	verdicts := make([]Verdict, 0, len(jobs))
	for job, obs := range jobs {
		verdicts = append(verdicts, classifyObservations(testID, job, lastN(obs, w.Count)))
	}

	sort.Slice(verdicts, func(i, j int) bool {
		return verdicts[i].Job < verdicts[j].Job
	})

	return verdicts, nil
}

// observation is one result of a test together with the run it came from.
type observation struct {
	runID  uint
	result testrun.Result
}

func lastN[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}

	return s
}

// classifyObservations classifies obs, ordered oldest first, and records
// the run that started a trailing failure streak.
func classifyObservations(testID, job string, obs []observation) Verdict {
	results := make([]testrun.Result, 0, len(obs))
	for _, o := range obs {
		results = append(results, o.result)
	}

	v := Classify(results)
	v.TestID, v.Job = testID, job

	remaining := v.ConsecutiveFailures
	for i := len(obs) - 1; i >= 0 && remaining > 0; i-- {
		if obs[i].result != testrun.ResultFail {
			continue
		}

		remaining--
		if remaining == 0 {
			v.FailingSince = obs[i].runID
		}
	}

	return v
}

// windowRuns returns an origin's runs in the window, oldest first. With
// complete set, truncated runs are left out.
func (a *Analyzer) windowRuns(
	ctx context.Context, origin testrun.Origin, w Window, complete bool,
) ([]store.Run, error) {
	runs, err := a.store.RecentRuns(ctx, store.RunQuery{
		Origin:   string(origin),
		Job:      w.Job,
		Limit:    w.Count,
		Since:    a.since(w),
		Complete: complete,
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs of %s: %w", origin, err)
	}

	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}

	return runs, nil
}

// jobRuns groups the complete runs of an origin's window by job, oldest
// first, applying the window count to each job.
func (a *Analyzer) jobRuns(ctx context.Context, origin testrun.Origin, w Window) (map[string][]store.Run, error) {
	if w.Job != "" {
		runs, err := a.windowRuns(ctx, origin, w, true)
		if err != nil {
			return nil, err
		}

		return map[string][]store.Run{w.Job: runs}, nil
	}

	unbounded := w
	unbounded.Count = 0

	runs, err := a.windowRuns(ctx, origin, unbounded, true)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string][]store.Run, 4)

	for _, run := range runs {
		meta, err := a.store.RunMeta(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("reading metadata of run %d: %w", run.ID, err)
		}

		job := meta[testrun.MetaJob]
		jobs[job] = append(jobs[job], run)
	}

	for job, runs := range jobs {
		jobs[job] = lastN(runs, w.Count)
	}

	return jobs, nil
}

// RankFlaky classifies every test seen in the origin's window, separately
// for each job, and returns the flaky ones, highest score first. A
// positive limit caps the result.
func (a *Analyzer) RankFlaky(
	ctx context.Context, origin testrun.Origin, w Window, limit int,
) ([]Verdict, error) {
	jobs, err := a.jobRuns(ctx, origin, w)
	if err != nil {
		return nil, err
	}

	type key struct{ job, test string }

	var (
		order     = make([]key, 0, 256)
		sequences = make(map[key][]observation, 256)
		runCount  int
	)

	for job, runs := range jobs {
		runCount += len(runs)

		for _, run := range runs {
			results, err := a.store.RunResults(ctx, run.ID)
			if err != nil {
				return nil, fmt.Errorf("reading results of run %d: %w", run.ID, err)
			}

			for _, r := range results {
				k := key{job: job, test: r.TestID}
				if _, ok := sequences[k]; !ok {
					order = append(order, k)
				}

				sequences[k] = append(sequences[k], observation{runID: run.ID, result: testrun.Result(r.Result)})
			}
		}
	}

	flaky := make([]Verdict, 0, 16)

	for _, k := range order {
		v := classifyObservations(k.test, k.job, sequences[k])
		if v.Classification == ClassFlaky {
			flaky = append(flaky, v)
		}
	}

	sort.Slice(flaky, func(i, j int) bool {
		if flaky[i].Score != flaky[j].Score {
			return flaky[i].Score > flaky[j].Score
		}

		if flaky[i].TestID != flaky[j].TestID {
			return flaky[i].TestID < flaky[j].TestID
		}

		return flaky[i].Job < flaky[j].Job
	})

	if limit > 0 && len(flaky) > limit {
		flaky = flaky[:limit]
	}

	a.log.WithFields(logrus.Fields{
		"origin": origin,
		"jobs":   len(jobs),
		"runs":   runCount,
		"tests":  len(order),
		"flaky":  len(flaky),
	}).Debug("Ranked flaky tests")

	return flaky, nil
}

// RunSummary is the per-run reporting view.
type RunSummary struct {
	Run     store.Run              `json:"run" yaml:"run"`
	Meta    map[string]string      `json:"meta" yaml:"meta"`
	Total   int                    `json:"total" yaml:"total"`
	Counts  map[testrun.Result]int `json:"counts" yaml:"counts"`
	Failing []string               `json:"failing,omitempty" yaml:"failing,omitempty"`
}

// SummarizeRun counts a run's results and lists its failing tests in
// parse order.
func (a *Analyzer) SummarizeRun(ctx context.Context, runID uint) (*RunSummary, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reading run %d: %w", runID, err)
	}

	meta, err := a.store.RunMeta(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reading metadata of run %d: %w", runID, err)
	}

	results, err := a.store.RunResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reading results of run %d: %w", runID, err)
	}

	s := &RunSummary{
		Run:    *run,
		Meta:   meta,
		Total:  len(results),
		Counts: make(map[testrun.Result]int, 5),
	}

	for _, r := range results {
		result := testrun.Result(r.Result)
		s.Counts[result]++

		if result == testrun.ResultFail {
			s.Failing = append(s.Failing, r.TestID)
		}
	}

	return s, nil
}

// TestFailures is a failure count for one test.
type TestFailures struct {
	TestID   string `json:"test_id" yaml:"test_id"`
	Failures int    `json:"failures" yaml:"failures"`
}

// OriginSummary aggregates an origin's runs in a window.
type OriginSummary struct {
	Origin        testrun.Origin         `json:"origin" yaml:"origin"`
	Runs          int                    `json:"runs" yaml:"runs"`
	From          *time.Time             `json:"from,omitempty" yaml:"from,omitempty"`
	To            *time.Time             `json:"to,omitempty" yaml:"to,omitempty"`
	Outcomes      map[string]int         `json:"outcomes" yaml:"outcomes"`
	Results       map[testrun.Result]int `json:"results" yaml:"results"`
	DistinctTests int                    `json:"distinct_tests" yaml:"distinct_tests"`
	TopFailing    []TestFailures         `json:"top_failing,omitempty" yaml:"top_failing,omitempty"`
}

// SummarizeOrigin aggregates outcome and result counts over the origin's
// window and lists the tests that failed most often.
func (a *Analyzer) SummarizeOrigin(ctx context.Context, origin testrun.Origin, w Window) (*OriginSummary, error) {
	runs, err := a.windowRuns(ctx, origin, w, false)
	if err != nil {
		return nil, err
	}

	s := &OriginSummary{
		Origin:   origin,
		Runs:     len(runs),
		Outcomes: make(map[string]int, 4),
		Results:  make(map[testrun.Result]int, 5),
	}

	if len(runs) > 0 {
		from, to := runs[0].RunTime, runs[len(runs)-1].RunTime
		s.From, s.To = &from, &to
	}

	runIDs := make([]uint, 0, len(runs))
	failures := make(map[string]int, 64)

	for _, run := range runs {
		s.Outcomes[run.Outcome]++
		runIDs = append(runIDs, run.ID)

		results, err := a.store.RunResults(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("reading results of run %d: %w", run.ID, err)
		}

		for _, r := range results {
			s.Results[testrun.Result(r.Result)]++

			if r.Result == string(testrun.ResultFail) {
				failures[r.TestID]++
			}
		}
	}

	tests, err := a.store.DistinctTestIDs(ctx, runIDs)
	if err != nil {
		return nil, fmt.Errorf("counting tests of %s: %w", origin, err)
	}

	s.DistinctTests = len(tests)

	for id, n := range failures {
		s.TopFailing = append(s.TopFailing, TestFailures{TestID: id, Failures: n})
	}

	sort.Slice(s.TopFailing, func(i, j int) bool {
		if s.TopFailing[i].Failures != s.TopFailing[j].Failures {
			return s.TopFailing[i].Failures > s.TopFailing[j].Failures
		}

		return s.TopFailing[i].TestID < s.TopFailing[j].TestID
	})

	if len(s.TopFailing) > topFailing {
		s.TopFailing = s.TopFailing[:topFailing]
	}

	return s, nil
}
