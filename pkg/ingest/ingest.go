package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/ethpandaops/testoor/pkg/logparser"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of ingesting one run.
type Status string

const (
	StatusInserted      Status = "inserted"
	StatusAlreadyExists Status = "already_exists"
	StatusFailed        Status = "failed"
)

// Request is one raw log to ingest. Origin and ExternalRunID form the
// dedup key.
type Request struct {
	Origin        testrun.Origin
	ExternalRunID string
	Log           []byte

	// Hints override metadata extracted from the log, except the keys
	// the parse itself owns (testrun.OwnedMeta).
	Hints      map[string]string
	StartedAt  *time.Time
	FinishedAt *time.Time

	// Cut marks a log that was cut at the size limit; the run is stored
	// as truncated.
	Cut bool
}

// Result reports what happened to one Request. Err is set only for
// StatusFailed.
type Result struct {
	Origin        testrun.Origin
	ExternalRunID string
	Status        Status
	RunID         uint
	Tests         int
	Truncated     bool
	Err           error
}

// Ingestor parses raw logs and writes them to the store, once per dedup
// key.
type Ingestor struct {
	log      logrus.FieldLogger
	registry *logparser.Registry
	store    store.Store
	now      func() time.Time
}

// NewIngestor creates a new Ingestor.
func NewIngestor(log logrus.FieldLogger, registry *logparser.Registry, st store.Store) *Ingestor {
	return &Ingestor{
		log:      log.WithField("component", "ingest"),
		registry: registry,
		store:    st,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest parses and stores one run. Parse failures are reported in the
// Result and leave the store untouched. The returned error is non-nil only
// when the store itself could not be read or written.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	res := Result{Origin: req.Origin, ExternalRunID: req.ExternalRunID}
	log := i.log.WithFields(logrus.Fields{
		"origin": req.Origin,
		"run_id": req.ExternalRunID,
	})

	if !req.Origin.Valid() || req.ExternalRunID == "" {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("invalid dedup key %q/%q", req.Origin, req.ExternalRunID)

		return res, nil
	}

	exists, err := i.store.RunExists(ctx, string(req.Origin), req.ExternalRunID)
	if err != nil {
		return res, fmt.Errorf("checking run %s/%s: %w", req.Origin, req.ExternalRunID, err)
	}

	if exists {
		res.Status = StatusAlreadyExists
		log.WithField("status", res.Status).Debug("Run already ingested")

		return res, nil
	}

	parsed, err := i.registry.Parse(req.Origin, req.Log)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err

		log.WithField("status", res.Status).WithError(err).Warn("Failed to parse run log")

		return res, nil
	}

	if req.Cut {
		parsed.MarkCut()
	}

	run, results, meta := i.buildRecord(log, req, parsed)

	if err := i.store.InsertRun(ctx, run, results, meta); err != nil {
		if errors.Is(err, store.ErrRunExists) {
			// a concurrent ingestion of the same run won
			res.Status = StatusAlreadyExists
			log.WithField("status", res.Status).Debug("Run already ingested")

			return res, nil
		}

		return res, fmt.Errorf("storing run %s/%s: %w", req.Origin, req.ExternalRunID, err)
	}

	res.Status = StatusInserted
	res.RunID = run.ID
	res.Tests = len(results)
	res.Truncated = parsed.Truncated()

	log.WithFields(logrus.Fields{
		"status":    res.Status,
		"format":    parsed.Format,
		"tests":     res.Tests,
		"outcome":   parsed.Outcome,
		"truncated": res.Truncated,
	}).Info("Ingested run")

	return res, nil
}

// buildRecord turns a parsed log into the rows written for one run.
func (i *Ingestor) buildRecord(
	log logrus.FieldLogger, req Request, parsed *testrun.ParsedLog,
) (*store.Run, []store.TestResult, map[string]string) {
	meta := make(map[string]string, len(parsed.Meta)+len(req.Hints)+2)
	maps.Copy(meta, parsed.Meta)

	for name, value := range req.Hints {
		if testrun.OwnedMeta(name) {
			log.WithField("key", name).Debug("Ignoring hint for parser-owned metadata")

			continue
		}

		meta[name] = value
	}

	meta[testrun.MetaOrigin] = string(req.Origin)
	meta[testrun.MetaRunID] = req.ExternalRunID

	now := i.now()

	run := &store.Run{
		Origin:        string(req.Origin),
		ExternalRunID: req.ExternalRunID,
		StartedAt:     pickTime(req.StartedAt, meta[testrun.MetaRunStartTime]),
		FinishedAt:    pickTime(req.FinishedAt, meta[testrun.MetaRunFinishTime]),
		Outcome:       string(parsed.Outcome),
		Format:        parsed.Format,
		IngestedAt:    now,
		RunTime:       now,
	}

	if run.StartedAt != nil {
		run.RunTime = *run.StartedAt
	}

	findings := parsed.Findings()
	results := make([]store.TestResult, 0, len(findings))

	for _, f := range findings {
		results = append(results, store.TestResult{
			TestID:   f.TestID,
			Result:   string(f.Result),
			Reason:   f.Reason,
			Duration: f.Duration,
		})
	}

	return run, results, meta
}

// pickTime prefers an explicit time over a unix seconds metadata value.
func pickTime(explicit *time.Time, unix string) *time.Time {
	if explicit != nil {
		t := explicit.UTC()

		return &t
	}

	if unix == "" {
		return nil
	}

	secs, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return nil
	}

	t := time.Unix(secs, 0).UTC()

	return &t
}
