package logparser

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// Registry holds the parser priority list for each origin. It is built
// once at startup from configuration and is safe for concurrent use.
type Registry struct {
	log      logrus.FieldLogger
	defaults []Parser
	origins  map[testrun.Origin][]Parser
}

// NewRegistry validates every configured format name and builds the
// per-origin parser lists.
func NewRegistry(log logrus.FieldLogger, cfg config.ParsersConfig) (*Registry, error) {
	defaults, err := buildList(cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("parsers.default: %w", err)
	}

	r := &Registry{
		log:      log.WithField("component", "logparser"),
		defaults: defaults,
		origins:  make(map[testrun.Origin][]Parser, len(cfg.Origins)),
	}

	for name, formats := range cfg.Origins {
		origin, err := testrun.ParseOrigin(name)
		if err != nil {
			return nil, fmt.Errorf("parsers.origins: %w", err)
		}

		list, err := buildList(formats)
		if err != nil {
			return nil, fmt.Errorf("parsers.origins.%s: %w", name, err)
		}

		r.origins[origin] = list
	}

	return r, nil
}

func buildList(formats []string) ([]Parser, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("at least one format is required")
	}

	seen := make(map[Format]struct{}, len(formats))
	out := make([]Parser, 0, len(formats))

	for _, name := range formats {
		format := Format(name)
		if _, dup := seen[format]; dup {
			return nil, fmt.Errorf("format %q listed twice", name)
		}

		seen[format] = struct{}{}

		p, err := NewParser(format)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, nil
}

// ParsersFor returns the parsers tried for origin, in priority order.
func (r *Registry) ParsersFor(origin testrun.Origin) []Parser {
	if list, ok := r.origins[origin]; ok {
		return list
	}

	return r.defaults
}

// Parse normalizes raw and hands it to the first parser for origin whose
// signature matches. A parser that recognizes the log but finds no test
// section passes it on to the next one. The returned record is finalized.
func (r *Registry) Parse(origin testrun.Origin, raw []byte) (*testrun.ParsedLog, error) {
	lines := Normalize(raw)

	var lastErr error

	for _, p := range r.ParsersFor(origin) {
		if !p.Detect(lines) {
			continue
		}

		parsed, err := p.Parse(lines)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"origin": origin,
				"format": p.Format(),
			}).WithError(err).Debug("Parser recognized log but failed")

			lastErr = &testrun.ParseError{Format: string(p.Format()), Err: err}

			if errors.Is(err, testrun.ErrNoTestSection) {
				continue
			}

			return nil, lastErr
		}

		parsed.Finalize()

		r.log.WithFields(logrus.Fields{
			"origin":    origin,
			"format":    p.Format(),
			"tests":     parsed.Len(),
			"outcome":   parsed.Outcome,
			"malformed": parsed.Malformed,
		}).Debug("Parsed log")

		return parsed, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, testrun.ErrUnrecognizedFormat
}
