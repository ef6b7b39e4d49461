package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrRunExists is returned by InsertRun when the dedup key is taken.
	ErrRunExists = errors.New("run already exists")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// defaultBusyTimeout is how long SQLite itself waits on a lock before
// reporting SQLITE_BUSY.
const defaultBusyTimeout = 5 * time.Second

// Store is the durable test-run store.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// InsertRun writes a run with its results and metadata in a single
	// transaction and sets run.ID. It returns ErrRunExists if a run with
	// the same origin and external id is already stored.
	InsertRun(ctx context.Context, run *Run, results []TestResult, meta map[string]string) error
	RunExists(ctx context.Context, origin, externalRunID string) (bool, error)
	GetRun(ctx context.Context, id uint) (*Run, error)
	FindRun(ctx context.Context, origin, externalRunID string) (*Run, error)

	UpsertMeta(ctx context.Context, runID uint, name, value string) error
	// SetMeta upserts several keys of a run in one transaction.
	SetMeta(ctx context.Context, runID uint, values map[string]string) error
	RunMeta(ctx context.Context, runID uint) (map[string]string, error)
	MetaByName(ctx context.Context, name string) ([]Meta, error)
	RunsByMeta(ctx context.Context, name, value string, limit int) ([]Run, error)

	RecentRuns(ctx context.Context, q RunQuery) ([]Run, error)
	RunResults(ctx context.Context, runID uint) ([]TestResult, error)
	TestHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
	DistinctTestIDs(ctx context.Context, runIDs []uint) ([]string, error)

	InsertCommits(ctx context.Context, commits []Commit) error
	LookupByPrefix(ctx context.Context, prefix string) ([]Commit, error)
}

// RunQuery selects an origin's runs. Zero Limit and zero Since mean
// unbounded. A non-empty Job keeps only runs whose uniquejobname metadata
// equals it. Complete drops truncated runs.
type RunQuery struct {
	Origin   string
	Job      string
	Limit    int
	Since    time.Time
	Complete bool
}

// HistoryQuery selects the observations of one test. Zero Limit and zero
// Since mean unbounded. Job and Complete filter runs as in RunQuery.
type HistoryQuery struct {
	TestID   string
	Origin   string
	Job      string
	Limit    int
	Since    time.Time
	Complete bool
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// writeMu funnels every write through one writer; SQLite has no
	// concurrent writer support.
	writeMu sync.Mutex
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		busy := s.cfg.SQLite.BusyTimeout
		if busy <= 0 {
			busy = defaultBusyTimeout
		}

		dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
			s.cfg.SQLite.Path, busy.Milliseconds())
		dialector = sqlite.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestResult{},
		&Meta{},
		&Commit{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// write runs fn in a transaction under the writer lock, retrying with
// exponential backoff while the database reports lock contention.
func (s *store) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.cfg.WriteRetry

	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = config.DefaultWriteRetry
	}

	attempt := 0

	return backoff.Retry(func() error {
		attempt++

		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}

		if isBusy(err) {
			s.log.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
			}).WithError(err).Debug("Database busy, retrying")

			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func isBusy(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "could not serialize access")
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const insertBatchSize = 100

// InsertRun writes a run, its results and metadata atomically.
func (s *store) InsertRun(
	ctx context.Context, run *Run, results []TestResult, meta map[string]string,
) error {
	err := s.write(ctx, "insert_run", func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Run{}).
			Where("origin = ? AND external_run_id = ?", run.Origin, run.ExternalRunID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking run: %w", err)
		}

		if count > 0 {
			return ErrRunExists
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		if len(results) > 0 {
			for i := range results {
				results[i].RunID = run.ID
			}

			if err := tx.CreateInBatches(results, insertBatchSize).Error; err != nil {
				return fmt.Errorf("creating test results: %w", err)
			}
		}

		if len(meta) > 0 {
			rows := make([]Meta, 0, len(meta))
			for name, value := range meta {
				rows = append(rows, Meta{RunID: run.ID, Name: name, Value: value})
			}

			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return fmt.Errorf("creating metadata: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		run.ID = 0

		if errors.Is(err, ErrRunExists) || isDuplicate(err) {
			return ErrRunExists
		}

		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// RunExists checks the dedup key.
func (s *store) RunExists(ctx context.Context, origin, externalRunID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("origin = ? AND external_run_id = ?", origin, externalRunID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking run: %w", err)
	}

	return count > 0, nil
}

// GetRun returns a run by id.
func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// FindRun returns a run by its dedup key.
func (s *store) FindRun(ctx context.Context, origin, externalRunID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("origin = ? AND external_run_id = ?", origin, externalRunID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding run: %w", err)
	}

	return &run, nil
}

// UpsertMeta sets a single metadata key on a run.
func (s *store) UpsertMeta(ctx context.Context, runID uint, name, value string) error {
	return s.SetMeta(ctx, runID, map[string]string{name: value})
}

// SetMeta upserts every key of values on a run. Either all keys are
// written or none.
func (s *store) SetMeta(ctx context.Context, runID uint, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	rows := make([]Meta, 0, len(values))
	for name, value := range values {
		rows = append(rows, Meta{RunID: runID, Name: name, Value: value})
	}

	err := s.write(ctx, "set_meta", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("upserting metadata: %w", err)
	}

	return nil
}

// RunMeta returns all metadata of a run.
func (s *store) RunMeta(ctx context.Context, runID uint) (map[string]string, error) {
	var rows []Meta
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, m := range rows {
		out[m.Name] = m.Value
	}

	return out, nil
}

// MetaByName returns every run's value for one metadata key.
func (s *store) MetaByName(ctx context.Context, name string) ([]Meta, error) {
	var rows []Meta
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("run_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing metadata %s: %w", name, err)
	}

	return rows, nil
}

// RunsByMeta returns the most recent runs whose metadata key equals value.
func (s *store) RunsByMeta(ctx context.Context, name, value string, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).
		Select("runs.*").
		Joins("JOIN run_meta ON run_meta.run_id = runs.id").
		Where("run_meta.name = ? AND run_meta.value = ?", name, value).
		Order("runs.run_time DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("searching runs by metadata: %w", err)
	}

	return runs, nil
}

// RecentRuns returns an origin's runs, newest first.
func (s *store) RecentRuns(ctx context.Context, rq RunQuery) ([]Run, error) {
	q := s.db.WithContext(ctx).
		Where("origin = ?", rq.Origin).
		Order("run_time DESC").
		Order("id DESC")

	if rq.Job != "" {
		q = q.Where("id IN (?)", s.jobRuns(ctx, rq.Job))
	}

	if rq.Complete {
		q = q.Where("outcome <> ?", string(testrun.OutcomeTruncated))
	}

	if !rq.Since.IsZero() {
		q = q.Where("run_time >= ?", rq.Since)
	}

	if rq.Limit > 0 {
		q = q.Limit(rq.Limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}

	return runs, nil
}

// jobRuns is a subquery of the ids of runs belonging to job.
func (s *store) jobRuns(ctx context.Context, job string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&Meta{}).
		Select("run_id").
		Where("name = ? AND value = ?", testrun.MetaJob, job)
}

// RunResults returns a run's results in the order they were parsed.
func (s *store) RunResults(ctx context.Context, runID uint) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test results: %w", err)
	}

	return results, nil
}

// TestHistory returns observations of one test ordered by run time, most
// recent last. With a limit, the most recent observations are kept.
func (s *store) TestHistory(ctx context.Context, hq HistoryQuery) ([]HistoryEntry, error) {
	q := s.db.WithContext(ctx).
		Table("test_results").
		Select("runs.id AS run_id, runs.origin, runs.external_run_id, runs.run_time, " +
			"COALESCE(job.value, '') AS job, " +
			"test_results.result, test_results.reason, test_results.duration").
		Joins("JOIN runs ON runs.id = test_results.run_id").
		Joins("LEFT JOIN run_meta AS job ON job.run_id = runs.id AND job.name = ?", testrun.MetaJob).
		Where("test_results.test_id = ?", hq.TestID).
		Order("runs.run_time DESC").
		Order("runs.id DESC")

	if hq.Origin != "" {
		q = q.Where("runs.origin = ?", hq.Origin)
	}

	if hq.Job != "" {
		q = q.Where("job.value = ?", hq.Job)
	}

	if hq.Complete {
		q = q.Where("runs.outcome <> ?", string(testrun.OutcomeTruncated))
	}

	if !hq.Since.IsZero() {
		q = q.Where("runs.run_time >= ?", hq.Since)
	}

	if hq.Limit > 0 {
		q = q.Limit(hq.Limit)
	}

	var entries []HistoryEntry
	if err := q.Scan(&entries).Error; err != nil {
		return nil, fmt.Errorf("querying test history: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

// DistinctTestIDs returns every test id observed in the given runs.
func (s *store) DistinctTestIDs(ctx context.Context, runIDs []uint) ([]string, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Where("run_id IN ?", runIDs).
		Distinct("test_id").
		Order("test_id").
		Pluck("test_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing test ids: %w", err)
	}

	return ids, nil
}

// InsertCommits adds commits to the history cache, replacing entries with
// the same hash.
func (s *store) InsertCommits(ctx context.Context, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}

	err := s.write(ctx, "insert_commits", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent_hashes", "author_date", "summary"}),
		}).CreateInBatches(commits, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("inserting commits: %w", err)
	}

	return nil
}

// LookupByPrefix returns the cached commits whose hash starts with prefix.
func (s *store) LookupByPrefix(ctx context.Context, prefix string) ([]Commit, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" || strings.Trim(prefix, "0123456789abcdef") != "" {
		return nil, fmt.Errorf("invalid commit prefix %q", prefix)
	}

	var commits []Commit
	if err := s.db.WithContext(ctx).
		Where("hash LIKE ?", prefix+"%").
		Order("hash").
		Find(&commits).Error; err != nil {
		return nil, fmt.Errorf("looking up commit prefix: %w", err)
	}

	return commits, nil
}
