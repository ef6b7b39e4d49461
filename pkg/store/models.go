package store

import "time"

// Run is one execution of a test job on one CI origin. (Origin,
// ExternalRunID) is the dedup key.
type Run struct {
	ID            uint   `gorm:"primaryKey"`
	Origin        string `gorm:"not null;uniqueIndex:idx_runs_origin_run;index:idx_runs_origin_time,priority:1"`
	ExternalRunID string `gorm:"not null;uniqueIndex:idx_runs_origin_run"`
	StartedAt     *time.Time
	FinishedAt    *time.Time

	// RunTime orders runs in history queries: the start time when known,
	// otherwise the ingestion time.
	RunTime time.Time `gorm:"not null;index:idx_runs_origin_time,priority:2"`

	Outcome    string
	Format     string
	IngestedAt time.Time
}

// TestResult is the outcome of one test case within one run.
type TestResult struct {
	ID       uint   `gorm:"primaryKey"`
	RunID    uint   `gorm:"not null;uniqueIndex:idx_results_run_test"`
	TestID   string `gorm:"not null;uniqueIndex:idx_results_run_test;index:idx_results_test"`
	Result   string `gorm:"not null"`
	Reason   string `gorm:"type:text"`
	Duration time.Duration
}

// Meta is one open-ended (run, key) -> value metadata entry.
type Meta struct {
	ID    uint   `gorm:"primaryKey"`
	RunID uint   `gorm:"not null;uniqueIndex:idx_meta_run_name"`
	Name  string `gorm:"not null;uniqueIndex:idx_meta_run_name;index:idx_meta_name"`
	Value string `gorm:"type:text"`
}

// TableName keeps the metadata side table name stable.
func (Meta) TableName() string {
	return "run_meta"
}

// Commit is an entry of the commit history cache used for short hash
// resolution. It is populated by an importer, never by ingestion.
type Commit struct {
	Hash         string `gorm:"primaryKey"`
	ParentHashes string
	AuthorDate   time.Time
	Summary      string `gorm:"type:text"`
}

// HistoryEntry is one observation of a test in a run, joined with the
// run's identity.
type HistoryEntry struct {
	RunID         uint
	Origin        string
	ExternalRunID string
	RunTime       time.Time
	Job           string
	Result        string
	Reason        string
	Duration      time.Duration
}
