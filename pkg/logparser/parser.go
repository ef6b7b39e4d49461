package logparser

import (
	"fmt"
	"sort"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

// Format identifies a log dialect.
type Format string

const (
	// FormatCurl is curl's runtests.pl output, including torture and
	// parallel (-j) runs.
	FormatCurl Format = "curl"
	// FormatPytest is pytest verbose or short-summary output.
	FormatPytest Format = "pytest"
	// FormatUnittest is Python unittest -v output.
	FormatUnittest Format = "unittest"
	// FormatAutomake is the automake test harness output.
	FormatAutomake Format = "automake"
)

// Parser turns the normalized lines of one raw log into a canonical record.
type Parser interface {
	// Format returns the dialect handled by this parser.
	Format() Format

	// Detect reports whether the log carries this dialect's signature.
	Detect(lines []string) bool

	// Parse extracts metadata and per-test findings. A log cut off before
	// the end of the test run still returns everything parsed so far with
	// its outcome left as truncated.
	Parse(lines []string) (*testrun.ParsedLog, error)
}

// builtin is the registration table of every known dialect.
var builtin = map[Format]func() Parser{
	FormatCurl:     NewCurlParser,
	FormatPytest:   NewPytestParser,
	FormatUnittest: NewUnittestParser,
	FormatAutomake: NewAutomakeParser,
}

// NewParser returns the parser registered for format.
func NewParser(format Format) (Parser, error) {
	ctor, ok := builtin[format]
	if !ok {
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return ctor(), nil
}

// Formats returns all registered format ids, sorted.
func Formats() []Format {
	out := make([]Format, 0, len(builtin))
	for f := range builtin {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
