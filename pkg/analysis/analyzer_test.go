package analysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testrun"
)

var baseTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// history holds six gha runs, one per hour, oldest first.
var history = map[string]string{
	"flaky_a":   "PFPFPF",
	"flaky_b":   "PPFPFP",
	"stable":    "PPPPPP",
	"regressed": "PPPFFF",
	"fixed":     "FFFFPP",
	"skipped":   "SPSPSP",
}

func newTestAnalyzer(t *testing.T) (*Analyzer, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "testoor.db")},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	a := NewAnalyzer(log, st, config.AnalysisConfig{WindowCount: 30})
	a.now = func() time.Time { return baseTime.Add(6 * time.Hour) }

	return a, st
}

func setupAnalyzer(t *testing.T) (*Analyzer, store.Store, []uint) {
	t.Helper()

	a, st := newTestAnalyzer(t)

	ids := make([]uint, 0, 6)

	for i := 0; i < 6; i++ {
		var results []store.TestResult

		outcome := "success"

		for _, id := range []string{"flaky_a", "flaky_b", "stable", "regressed", "fixed", "skipped"} {
			r := seq(history[id][i : i+1])[0]
			if r == testrun.ResultFail {
				outcome = "failure"
			}

			results = append(results, store.TestResult{TestID: id, Result: string(r)})
		}

		run := &store.Run{
			Origin:        "gha",
			ExternalRunID: string(rune('a' + i)),
			RunTime:       baseTime.Add(time.Duration(i) * time.Hour),
			IngestedAt:    baseTime,
			Outcome:       outcome,
		}
		require.NoError(t, st.InsertRun(context.Background(), run, results, map[string]string{"os": "linux"}))

		ids = append(ids, run.ID)
	}

	return a, st, ids
}

func TestAnalyzer_AnalyzeTest(t *testing.T) {
	a, _, _ := setupAnalyzer(t)
	ctx := context.Background()

	tests := []struct {
		testID string
		window Window
		want   Classification
	}{
		{testID: "regressed", window: a.DefaultWindow(), want: ClassRegressed},
		{testID: "regressed", window: Window{Count: 3}, want: ClassAlwaysFail},
		{testID: "fixed", window: Window{}, want: ClassFixed},
		{testID: "flaky_a", window: Window{}, want: ClassFlaky},
		{testID: "stable", window: Window{}, want: ClassAlwaysPass},
		{testID: "skipped", window: Window{}, want: ClassAlwaysPass},
		{testID: "fixed", window: Window{Span: 150 * time.Minute}, want: ClassAlwaysPass},
		{testID: "unknown", window: Window{}, want: ClassNoData},
	}

	for _, tt := range tests {
		t.Run(tt.testID, func(t *testing.T) {
			v, err := a.AnalyzeTest(ctx, testrun.OriginGHA, tt.testID, tt.window)
			require.NoError(t, err)
			require.Len(t, v, 1)
			assert.Equal(t, tt.want, v[0].Classification)
			assert.Equal(t, tt.testID, v[0].TestID)
			assert.Empty(t, v[0].Job)
		})
	}

	v, err := a.AnalyzeTest(ctx, testrun.OriginGHA, "skipped", Window{})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, 3, v[0].Counts[testrun.ResultSkip])
	assert.Equal(t, 6, v[0].Observations)

	v, err = a.AnalyzeTest(ctx, testrun.OriginAzure, "flaky_a", Window{})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, ClassNoData, v[0].Classification)
}

func TestAnalyzer_FailureStreak(t *testing.T) {
	a, _, ids := setupAnalyzer(t)

	v, err := a.AnalyzeTest(context.Background(), testrun.OriginGHA, "regressed", Window{})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, 3, v[0].ConsecutiveFailures)
	assert.Equal(t, ids[3], v[0].FailingSince)

	v, err = a.AnalyzeTest(context.Background(), testrun.OriginGHA, "fixed", Window{})
	require.NoError(t, err)
	assert.Zero(t, v[0].ConsecutiveFailures)
	assert.Zero(t, v[0].FailingSince)
}

// TestAnalyzer_SeparatesJobs interleaves a linux job where t1 passes with a
// windows job where it always fails, plus a truncated windows run.
func TestAnalyzer_SeparatesJobs(t *testing.T) {
	a, st := newTestAnalyzer(t)
	ctx := context.Background()

	var firstWindows uint

	for i := 0; i < 7; i++ {
		job, result, outcome := "linux", testrun.ResultPass, "success"
		if i%2 == 1 {
			job, result, outcome = "windows", testrun.ResultFail, "failure"
		}

		if i == 6 {
			job, result, outcome = "windows", testrun.ResultPass, string(testrun.OutcomeTruncated)
		}

		run := &store.Run{
			Origin:        "gha",
			ExternalRunID: string(rune('a' + i)),
			RunTime:       baseTime.Add(time.Duration(i) * time.Hour),
			IngestedAt:    baseTime,
			Outcome:       outcome,
		}
		require.NoError(t, st.InsertRun(ctx, run,
			[]store.TestResult{{TestID: "t1", Result: string(result)}},
			map[string]string{testrun.MetaJob: job}))

		if i == 1 {
			firstWindows = run.ID
		}
	}

	verdicts, err := a.AnalyzeTest(ctx, testrun.OriginGHA, "t1", Window{})
	require.NoError(t, err)
	require.Len(t, verdicts, 2)

	assert.Equal(t, "linux", verdicts[0].Job)
	assert.Equal(t, ClassAlwaysPass, verdicts[0].Classification)
	assert.Equal(t, 3, verdicts[0].Observations)

	assert.Equal(t, "windows", verdicts[1].Job)
	assert.Equal(t, ClassAlwaysFail, verdicts[1].Classification)
	assert.Equal(t, 3, verdicts[1].Observations)
	assert.Equal(t, 3, verdicts[1].ConsecutiveFailures)
	assert.Equal(t, firstWindows, verdicts[1].FailingSince)

	verdicts, err = a.AnalyzeTest(ctx, testrun.OriginGHA, "t1", Window{Job: "windows", Count: 2})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, ClassAlwaysFail, verdicts[0].Classification)
	assert.Equal(t, 2, verdicts[0].Observations)

	ranked, err := a.RankFlaky(ctx, testrun.OriginGHA, Window{}, 0)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	ranked, err = a.RankFlaky(ctx, testrun.OriginGHA, Window{Job: "windows"}, 0)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	s, err := a.SummarizeOrigin(ctx, testrun.OriginGHA, Window{})
	require.NoError(t, err)
	assert.Equal(t, 7, s.Runs)
	assert.Equal(t, 1, s.Outcomes[string(testrun.OutcomeTruncated)])
}

func TestAnalyzer_RankFlaky(t *testing.T) {
	a, _, _ := setupAnalyzer(t)
	ctx := context.Background()

	ranked, err := a.RankFlaky(ctx, testrun.OriginGHA, Window{}, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "flaky_a", ranked[0].TestID)
	assert.InDelta(t, 5.0/6.0, ranked[0].Score, 1e-9)
	assert.Equal(t, "flaky_b", ranked[1].TestID)
	assert.InDelta(t, 4.0/6.0, ranked[1].Score, 1e-9)

	ranked, err = a.RankFlaky(ctx, testrun.OriginGHA, Window{}, 1)
	require.NoError(t, err)
	require.Len(t, ranked, 1)

	// the last three runs leave only flaky_a alternating
	ranked, err = a.RankFlaky(ctx, testrun.OriginGHA, Window{Count: 3}, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "flaky_a", ranked[0].TestID)
	assert.Equal(t, "flaky_b", ranked[1].TestID)
	assert.Equal(t, 2, ranked[0].Transitions)
}

func TestAnalyzer_SummarizeRun(t *testing.T) {
	a, _, ids := setupAnalyzer(t)

	s, err := a.SummarizeRun(context.Background(), ids[3])
	require.NoError(t, err)

	assert.Equal(t, "d", s.Run.ExternalRunID)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, []string{"flaky_a", "regressed", "fixed"}, s.Failing)
	assert.Equal(t, 3, s.Counts[testrun.ResultPass])
	assert.Equal(t, 3, s.Counts[testrun.ResultFail])
	assert.Zero(t, s.Counts[testrun.ResultSkip])
	assert.Equal(t, "linux", s.Meta["os"])

	_, err = a.SummarizeRun(context.Background(), 9999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnalyzer_SummarizeOrigin(t *testing.T) {
	a, _, _ := setupAnalyzer(t)

	s, err := a.SummarizeOrigin(context.Background(), testrun.OriginGHA, Window{})
	require.NoError(t, err)

	assert.Equal(t, 6, s.Runs)
	assert.Equal(t, 6, s.DistinctTests)
	assert.Equal(t, 6, s.Outcomes["failure"])
	assert.Equal(t, 36, s.Results[testrun.ResultPass]+s.Results[testrun.ResultFail]+s.Results[testrun.ResultSkip])
	require.NotNil(t, s.From)
	assert.True(t, s.From.Equal(baseTime))
	assert.True(t, s.To.Equal(baseTime.Add(5*time.Hour)))

	require.NotEmpty(t, s.TopFailing)
	assert.Equal(t, TestFailures{TestID: "fixed", Failures: 4}, s.TopFailing[0])

	empty, err := a.SummarizeOrigin(context.Background(), testrun.OriginAzure, Window{})
	require.NoError(t, err)
	assert.Zero(t, empty.Runs)
	assert.Nil(t, empty.From)
}
