package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is used when no concurrency is configured.
const defaultConcurrency = 4

// BatchReport collects the per-run results of a batch. It is safe for
// concurrent use.
type BatchReport struct {
	mu         sync.Mutex
	results    []Result
	sourceErrs []error
}

// Add appends a result.
func (r *BatchReport) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)
}

// Results returns a copy of the collected results.
func (r *BatchReport) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Result(nil), r.results...)
}

// Count returns the number of results with status s.
func (r *BatchReport) Count(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, res := range r.results {
		if res.Status == s {
			n++
		}
	}

	return n
}

// Failures returns the failed results.
func (r *BatchReport) Failures() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Result

	for _, res := range r.results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}

	return out
}

// Err aggregates every failure, or returns nil if there were none.
func (r *BatchReport) Err() error {
	var merr *multierror.Error

	for _, err := range r.SourceErrors() {
		merr = multierror.Append(merr, err)
	}

	for _, res := range r.Failures() {
		merr = multierror.Append(merr, fmt.Errorf("%s/%s: %w", res.Origin, res.ExternalRunID, res.Err))
	}

	return merr.ErrorOrNil()
}

// IngestBatch ingests reqs with up to concurrency runs in flight. A failed
// run never affects the others; only a store failure aborts the batch.
func (i *Ingestor) IngestBatch(ctx context.Context, reqs []Request, concurrency int) (*BatchReport, error) {
	report := &BatchReport{}

	if err := i.ingestInto(ctx, report, reqs, concurrency); err != nil {
		return report, err
	}

	return report, nil
}

func (i *Ingestor) ingestInto(ctx context.Context, report *BatchReport, reqs []Request, concurrency int) error {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, req := range reqs {
		req := req
		g.Go(func() error {
			res, err := i.Ingest(gCtx, req)
			if err != nil {
				return err
			}

			report.Add(res)

			return nil
		})
	}

	return g.Wait()
}
