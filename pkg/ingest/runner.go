package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/logsource"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner drives batch ingestion from log sources: one worker per origin,
// each ingesting up to the configured concurrency of runs at a time.
type Runner struct {
	log          logrus.FieldLogger
	ingestor     *Ingestor
	sources      []logsource.Source
	concurrency  int
	fetchTimeout time.Duration
}

// NewRunner creates a Runner over the given sources.
func NewRunner(
	log logrus.FieldLogger, ingestor *Ingestor, sources []logsource.Source, cfg config.IngestConfig,
) *Runner {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}

	return &Runner{
		log:          log.WithField("component", "runner"),
		ingestor:     ingestor,
		sources:      sources,
		concurrency:  cfg.Concurrency,
		fetchTimeout: timeout,
	}
}

// Run performs one pass over every source. Per-run and per-source failures
// end up in the report; the returned error is set only when the store
// failed or ctx was cancelled.
func (r *Runner) Run(ctx context.Context) (*BatchReport, error) {
	report := &BatchReport{}
	start := time.Now()

	g, gCtx := errgroup.WithContext(ctx)

	for _, src := range r.sources {
		src := src
		g.Go(func() error {
			return r.runSource(gCtx, src, report)
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	r.log.WithFields(logrus.Fields{
		"sources":        len(r.sources),
		"inserted":       report.Count(StatusInserted),
		"already_exists": report.Count(StatusAlreadyExists),
		"failed":         report.Count(StatusFailed),
		"duration":       time.Since(start).Round(time.Millisecond),
	}).Info("Ingestion pass completed")

	return report, nil
}

func (r *Runner) runSource(ctx context.Context, src logsource.Source, report *BatchReport) error {
	origin := src.Origin()
	log := r.log.WithField("origin", origin)

	ids, err := src.ListRunIDs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.WithError(err).Warn("Failed to list runs")
		report.addSourceErr(fmt.Errorf("%s: listing runs: %w: %w", origin, testrun.ErrCollaboratorFailed, err))

		return nil
	}

	// fast path: skip everything already stored without fetching it
	pending := make([]string, 0, len(ids))

	for _, id := range ids {
		exists, err := r.ingestor.store.RunExists(ctx, string(origin), id)
		if err != nil {
			return fmt.Errorf("checking run %s/%s: %w", origin, id, err)
		}

		if exists {
			report.Add(Result{Origin: origin, ExternalRunID: id, Status: StatusAlreadyExists})

			continue
		}

		pending = append(pending, id)
	}

	log.WithFields(logrus.Fields{
		"listed":  len(ids),
		"pending": len(pending),
	}).Info("Scanning source")

	concurrency := r.concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range pending {
		id := id
		g.Go(func() error {
			req, err := r.fetch(gCtx, src, id)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}

				log.WithField("run_id", id).WithError(err).Warn("Failed to fetch run log")
				report.Add(Result{Origin: origin, ExternalRunID: id, Status: StatusFailed, Err: err})

				return nil
			}

			res, err := r.ingestor.Ingest(gCtx, req)
			if err != nil {
				return err
			}

			report.Add(res)

			return nil
		})
	}

	return g.Wait()
}

// fetch reads one run log, classifying failures as collaborator timeouts
// or errors.
func (r *Runner) fetch(ctx context.Context, src logsource.Source, id string) (Request, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	got, err := src.Fetch(fetchCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return Request{}, fmt.Errorf("%w: %w", testrun.ErrCollaboratorTimeout, err)
		}

		return Request{}, fmt.Errorf("%w: %w", testrun.ErrCollaboratorFailed, err)
	}

	if got.Cut {
		r.log.WithFields(logrus.Fields{
			"origin": src.Origin(),
			"run_id": id,
			"size":   len(got.Log),
		}).Warn("Log exceeds the size limit and was cut, storing as truncated")
	}

	return Request{
		Origin:        src.Origin(),
		ExternalRunID: id,
		Log:           got.Log,
		Hints:         got.Hints.Meta,
		StartedAt:     got.Hints.StartedAt,
		FinishedAt:    got.Hints.FinishedAt,
		Cut:           got.Cut,
	}, nil
}

// addSourceErr records a failure that is not tied to a single run.
func (r *BatchReport) addSourceErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sourceErrs = append(r.sourceErrs, err)
}

// SourceErrors returns failures not tied to a single run.
func (r *BatchReport) SourceErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.sourceErrs...)
}
