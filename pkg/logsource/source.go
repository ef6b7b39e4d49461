package logsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"golang.org/x/time/rate"
)

const (
	// LogFile is the raw log file name within a run directory.
	LogFile = "log.txt"

	// HintsFile is the optional per-run hints file within a run directory.
	HintsFile = "hints.json"
)

// Hints is caller-supplied run information that is not in the log itself.
// Meta entries override metadata the parser extracted.
type Hints struct {
	Meta       map[string]string `json:"meta,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Fetched is one raw log as returned by a Source.
type Fetched struct {
	Log   []byte
	Hints Hints
	// Cut is set when the log was longer than the size limit.
	Cut bool
}

// Source lists and fetches raw run logs for a single origin.
type Source interface {
	Origin() testrun.Origin

	// ListRunIDs returns the external run ids available in the source.
	ListRunIDs(ctx context.Context) ([]string, error)

	// Fetch reads the log and hints of one run.
	Fetch(ctx context.Context, runID string) (*Fetched, error)
}

// backend is the storage-specific half of a Source.
type backend interface {
	listRunIDs(ctx context.Context) ([]string, error)
	// open returns a reader for a run file, or (nil, nil) if it does not
	// exist.
	open(ctx context.Context, runID, name string) (io.ReadCloser, error)
}

// Compile-time interface check.
var _ Source = (*source)(nil)

type source struct {
	origin  testrun.Origin
	backend backend
	maxSize int64
	limiter *rate.Limiter
}

// New builds the Source described by cfg. maxSize bounds the bytes read
// per log; zero means unbounded.
func New(cfg config.SourceConfig, maxSize config.ByteSize) (Source, error) {
	origin, err := testrun.ParseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}

	var b backend

	switch {
	case cfg.Local != nil:
		b = newLocalBackend(cfg.Local)
	case cfg.S3 != nil:
		b = newS3Backend(cfg.S3)
	default:
		return nil, fmt.Errorf("source %s: one of local or s3 must be set", cfg.Origin)
	}

	return newSource(origin, b, int64(maxSize), cfg.RequestsPerSecond), nil
}

func newSource(origin testrun.Origin, b backend, maxSize int64, rps float64) *source {
	s := &source{
		origin:  origin,
		backend: b,
		maxSize: maxSize,
	}

	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}

		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return s
}

func (s *source) Origin() testrun.Origin {
	return s.origin
}

func (s *source) ListRunIDs(ctx context.Context) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	return s.backend.listRunIDs(ctx)
}

func (s *source) Fetch(ctx context.Context, runID string) (*Fetched, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	rc, err := s.backend.open(ctx, runID, LogFile)
	if err != nil {
		return nil, fmt.Errorf("opening log of run %s: %w", runID, err)
	}

	if rc == nil {
		return nil, fmt.Errorf("run %s has no %s", runID, LogFile)
	}

	data, cut, err := s.readLimited(rc)
	_ = rc.Close()

	if err != nil {
		return nil, fmt.Errorf("reading log of run %s: %w", runID, err)
	}

	out := &Fetched{Log: data, Cut: cut}

	hrc, err := s.backend.open(ctx, runID, HintsFile)
	if err != nil {
		return nil, fmt.Errorf("opening hints of run %s: %w", runID, err)
	}

	if hrc != nil {
		defer func() { _ = hrc.Close() }()

		if err := json.NewDecoder(hrc).Decode(&out.Hints); err != nil {
			return nil, fmt.Errorf("decoding hints of run %s: %w", runID, err)
		}
	}

	return out, nil
}

// readLimited reads at most maxSize bytes and reports whether more were
// available.
func (s *source) readLimited(r io.Reader) ([]byte, bool, error) {
	if s.maxSize <= 0 {
		data, err := io.ReadAll(r)

		return data, false, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, false, err
	}

	if int64(len(data)) > s.maxSize {
		return data[:s.maxSize], true, nil
	}

	return data, false, nil
}

func (s *source) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}

	return s.limiter.Wait(ctx)
}
