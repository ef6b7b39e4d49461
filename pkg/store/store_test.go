package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "testoor.db"),
		},
		WriteRetry: 5 * time.Second,
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func insertRun(
	t *testing.T, s store.Store, origin, id string, at time.Time, results map[string]string,
) *store.Run {
	t.Helper()

	run := &store.Run{
		Origin:        origin,
		ExternalRunID: id,
		RunTime:       at,
		Outcome:       "success",
		Format:        "curl",
		IngestedAt:    at,
	}

	rows := make([]store.TestResult, 0, len(results))
	for testID, result := range results {
		rows = append(rows, store.TestResult{TestID: testID, Result: result})
	}

	require.NoError(t, s.InsertRun(context.Background(), run, rows, map[string]string{"runid": id}))
	require.NotZero(t, run.ID)

	return run
}

func TestStore_InsertRunAndRead(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.Run{
		Origin:        "gha",
		ExternalRunID: "1001",
		RunTime:       baseTime,
		Outcome:       "failure",
		Format:        "curl",
		IngestedAt:    baseTime,
	}
	results := []store.TestResult{
		{TestID: "1", Result: "PASS", Duration: 250 * time.Millisecond},
		{TestID: "3", Result: "PASS"},
		{TestID: "2", Result: "FAIL", Reason: "data"},
	}
	meta := map[string]string{"commit": "abc1234", "os": "linux"}

	require.NoError(t, s.InsertRun(ctx, run, results, meta))
	require.NotZero(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "gha", got.Origin)
	assert.Equal(t, "1001", got.ExternalRunID)
	assert.Equal(t, "failure", got.Outcome)

	stored, err := s.RunResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "1", stored[0].TestID)
	assert.Equal(t, 250*time.Millisecond, stored[0].Duration)
	assert.Equal(t, "3", stored[1].TestID)
	assert.Equal(t, "2", stored[2].TestID)
	assert.Equal(t, "data", stored[2].Reason)

	gotMeta, err := s.RunMeta(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)

	exists, err := s.RunExists(ctx, "gha", "1001")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.RunExists(ctx, "azure", "1001")
	require.NoError(t, err)
	assert.False(t, exists)

	found, err := s.FindRun(ctx, "gha", "1001")
	require.NoError(t, err)
	assert.Equal(t, run.ID, found.ID)
}

func TestStore_InsertRunDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := insertRun(t, s, "gha", "1001", baseTime, map[string]string{"1": "PASS"})

	dup := &store.Run{Origin: "gha", ExternalRunID: "1001", RunTime: baseTime, IngestedAt: baseTime}
	err := s.InsertRun(ctx, dup, []store.TestResult{{TestID: "9", Result: "FAIL"}}, nil)
	require.ErrorIs(t, err, store.ErrRunExists)
	assert.Zero(t, dup.ID)

	results, err := s.RunResults(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	runs, err := s.RecentRuns(ctx, store.RunQuery{Origin: "gha"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_InsertRunAtomic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// duplicate test ids violate the per-run uniqueness constraint, which
	// must roll back the run row as well
	run := &store.Run{Origin: "gha", ExternalRunID: "bad", RunTime: baseTime, IngestedAt: baseTime}
	err := s.InsertRun(ctx, run, []store.TestResult{
		{TestID: "1", Result: "PASS"},
		{TestID: "1", Result: "FAIL"},
	}, nil)
	require.Error(t, err)

	exists, err := s.RunExists(ctx, "gha", "bad")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_InsertRunWithoutResults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.Run{Origin: "cirrus", ExternalRunID: "empty", RunTime: baseTime, IngestedAt: baseTime, Outcome: "truncated"}
	require.NoError(t, s.InsertRun(ctx, run, nil, map[string]string{"truncated": "true"}))

	results, err := s.RunResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_UpsertMeta(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := insertRun(t, s, "gha", "1", baseTime, nil)

	require.NoError(t, s.UpsertMeta(ctx, run.ID, "commit", "abc1234"))
	require.NoError(t, s.UpsertMeta(ctx, run.ID, "commit", "abc1234def"))
	require.NoError(t, s.UpsertMeta(ctx, run.ID, "commitsummary", "fix a bug"))

	meta, err := s.RunMeta(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"runid":         "1",
		"commit":        "abc1234def",
		"commitsummary": "fix a bug",
	}, meta)

	rows, err := s.MetaByName(ctx, "commit")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc1234def", rows[0].Value)
}

func TestStore_RecentRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertRun(t, s, "gha", string(rune('a'+i)), baseTime.Add(time.Duration(i)*time.Hour), nil)
	}

	insertRun(t, s, "azure", "other", baseTime.Add(10*time.Hour), nil)

	runs, err := s.RecentRuns(ctx, store.RunQuery{Origin: "gha", Limit: 3})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "e", runs[0].ExternalRunID)
	assert.Equal(t, "d", runs[1].ExternalRunID)
	assert.Equal(t, "c", runs[2].ExternalRunID)

	runs, err = s.RecentRuns(ctx, store.RunQuery{Origin: "gha", Since: baseTime.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestStore_SetMeta(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := insertRun(t, s, "gha", "1", baseTime, nil)

	require.NoError(t, s.SetMeta(ctx, run.ID, map[string]string{
		"runid":         "1-renamed",
		"commit":        "abc1234def",
		"commitsummary": "fix a bug",
	}))
	require.NoError(t, s.SetMeta(ctx, run.ID, nil))

	meta, err := s.RunMeta(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"runid":         "1-renamed",
		"commit":        "abc1234def",
		"commitsummary": "fix a bug",
	}, meta)
}

func TestStore_JobAndCompleteFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jobs := []string{"linux", "windows", "linux", "windows"}
	for i, job := range jobs {
		run := insertRun(t, s, "gha", string(rune('a'+i)), baseTime.Add(time.Duration(i)*time.Hour),
			map[string]string{"t1": "PASS"})
		require.NoError(t, s.UpsertMeta(ctx, run.ID, "uniquejobname", job))
	}

	truncated := &store.Run{
		Origin: "gha", ExternalRunID: "cut", RunTime: baseTime.Add(5 * time.Hour),
		IngestedAt: baseTime, Outcome: "truncated",
	}
	require.NoError(t, s.InsertRun(ctx, truncated,
		[]store.TestResult{{TestID: "t1", Result: "FAIL"}},
		map[string]string{"uniquejobname": "linux"}))

	runs, err := s.RecentRuns(ctx, store.RunQuery{Origin: "gha", Job: "linux"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "cut", runs[0].ExternalRunID)

	runs, err = s.RecentRuns(ctx, store.RunQuery{Origin: "gha", Job: "linux", Complete: true})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ExternalRunID)
	assert.Equal(t, "a", runs[1].ExternalRunID)

	history, err := s.TestHistory(ctx, store.HistoryQuery{TestID: "t1", Origin: "gha", Complete: true})
	require.NoError(t, err)
	require.Len(t, history, 4)

	for i, h := range history {
		assert.Equal(t, jobs[i], h.Job)
		assert.Equal(t, "PASS", h.Result)
	}

	history, err = s.TestHistory(ctx, store.HistoryQuery{TestID: "t1", Job: "windows"})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ExternalRunID)
	assert.Equal(t, "d", history[1].ExternalRunID)
}

func TestStore_TestHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	outcomes := []string{"PASS", "PASS", "FAIL", "SKIP", "PASS"}
	for i, r := range outcomes {
		insertRun(t, s, "gha", string(rune('a'+i)), baseTime.Add(time.Duration(i)*time.Hour),
			map[string]string{"42": r, "43": "PASS"})
	}

	insertRun(t, s, "azure", "z", baseTime.Add(time.Minute), map[string]string{"42": "FAIL"})

	history, err := s.TestHistory(ctx, store.HistoryQuery{TestID: "42", Origin: "gha"})
	require.NoError(t, err)
	require.Len(t, history, 5)

	for i, h := range history {
		assert.Equal(t, outcomes[i], h.Result)
		assert.Equal(t, "gha", h.Origin)
	}

	assert.True(t, history[0].RunTime.Before(history[4].RunTime))

	limited, err := s.TestHistory(ctx, store.HistoryQuery{TestID: "42", Origin: "gha", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "SKIP", limited[0].Result)
	assert.Equal(t, "PASS", limited[1].Result)

	all, err := s.TestHistory(ctx, store.HistoryQuery{TestID: "42"})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "azure", all[1].Origin)
}

func TestStore_RunsByMetaAndDistinctTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := insertRun(t, s, "gha", "a", baseTime, map[string]string{"1": "PASS", "2": "PASS"})
	b := insertRun(t, s, "gha", "b", baseTime.Add(time.Hour), map[string]string{"2": "FAIL", "3": "PASS"})

	require.NoError(t, s.UpsertMeta(ctx, a.ID, "os", "linux"))
	require.NoError(t, s.UpsertMeta(ctx, b.ID, "os", "linux"))

	runs, err := s.RunsByMeta(ctx, "os", "linux", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ExternalRunID)

	runs, err = s.RunsByMeta(ctx, "os", "darwin", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	ids, err := s.DistinctTestIDs(ctx, []uint{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	ids, err = s.DistinctTestIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_Commits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	commits := []store.Commit{
		{Hash: "abc1234000000000000000000000000000000001", Summary: "first", AuthorDate: baseTime},
		{Hash: "abc5678000000000000000000000000000000002", Summary: "second", AuthorDate: baseTime},
		{Hash: "def0000000000000000000000000000000000003", Summary: "third", AuthorDate: baseTime},
	}
	require.NoError(t, s.InsertCommits(ctx, commits))
	// re-import is an update, not a conflict
	require.NoError(t, s.InsertCommits(ctx, commits[:1]))

	found, err := s.LookupByPrefix(ctx, "abc1234")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "first", found[0].Summary)

	found, err = s.LookupByPrefix(ctx, "ABC")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.LookupByPrefix(ctx, "0123456")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = s.LookupByPrefix(ctx, "abc%")
	require.Error(t, err)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup

	errs := make(chan error, 40)

	for w := 0; w < 4; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < 10; i++ {
				run := &store.Run{
					Origin:        "gha",
					ExternalRunID: string(rune('a'+w)) + string(rune('0'+i)),
					RunTime:       baseTime,
					IngestedAt:    baseTime,
				}
				errs <- s.InsertRun(ctx, run, []store.TestResult{{TestID: "1", Result: "PASS"}}, nil)
			}
		}(w)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	runs, err := s.RecentRuns(ctx, store.RunQuery{Origin: "gha"})
	require.NoError(t, err)
	assert.Len(t, runs, 40)
}
