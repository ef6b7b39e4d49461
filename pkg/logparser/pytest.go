package logparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

var (
	pytestSessionStart = regexp.MustCompile(`^={5,} test session starts =+$`)
	pytestSessionEnd   = regexp.MustCompile(`^={3,} (\d+) (\w+).* in ([0-9.]+)s ([()\d:]+)? *=`)
	pytestPlatform     = regexp.MustCompile(`^platform (\w+)(?: -- (.+?))?(?: -- \S+)?$`)

	// -v output
	pytestVerbose = regexp.MustCompile(`^(\S+::\S+) (\w+) +(\(.*\) +)?\[[ \d]+%\]$`)
	// pytest-xdist -v output, completions interleaved across workers
	pytestXdist = regexp.MustCompile(`^\[gw\d+\] \[ *\d+%\] (\w+) (\S+::\S+)`)

	// -r A short summary
	pytestSummaryStart = regexp.MustCompile(`^={5,} short test summary info =+$`)
	pytestSummary      = regexp.MustCompile(`^(\w+) (.*::\S*) *(- )?(.*)$`)
	pytestSummarySkip  = regexp.MustCompile(`^(\w+) \[\S*\] (\S*): (.*)$`)
)

var pytestResults = map[string]testrun.Result{
	"PASSED":  testrun.ResultPass,
	"FAILED":  testrun.ResultFail,
	"ERROR":   testrun.ResultFail,
	"SKIPPED": testrun.ResultSkip,
	"XFAIL":   testrun.ResultXFail,
	"XPASS":   testrun.ResultXPass,
}

// pytestParser parses pytest -v output, with or without xdist, and the
// -r A short test summary.
type pytestParser struct{}

// NewPytestParser creates a new pytest log parser.
func NewPytestParser() Parser {
	return &pytestParser{}
}

// Ensure interface compliance.
var _ Parser = (*pytestParser)(nil)

// Format returns the dialect.
func (p *pytestParser) Format() Format {
	return FormatPytest
}

// Detect looks for the session start banner.
func (p *pytestParser) Detect(lines []string) bool {
	for _, l := range lines {
		if pytestSessionStart.MatchString(l) {
			return true
		}
	}

	return false
}

// Parse parses the first pytest session in the log.
func (p *pytestParser) Parse(lines []string) (*testrun.ParsedLog, error) {
	out := testrun.NewParsedLog(string(FormatPytest))

	start := -1

	for i, l := range lines {
		if pytestSessionStart.MatchString(l) {
			start = i

			break
		}
	}

	if start < 0 {
		return out, nil
	}

	inSummary := false

	for _, l := range lines[start+1:] {
		l = strings.TrimRight(l, " \t")

		if m := pytestSessionEnd.FindStringSubmatch(l); m != nil {
			out.Outcome = testrun.OutcomeSuccess
			if strings.Contains(l, " failed") || strings.Contains(l, " error") {
				out.Outcome = testrun.OutcomeFailure
			}

			if secs, err := strconv.ParseFloat(m[3], 64); err == nil {
				out.Meta[testrun.MetaTestsDuration] = strconv.FormatInt(int64(secs*1_000_000), 10)
			}

			break
		}

		if inSummary {
			p.summaryLine(out, l)

			continue
		}

		switch {
		case pytestSummaryStart.MatchString(l):
			inSummary = true
		case pytestPlatform.MatchString(l):
			m := pytestPlatform.FindStringSubmatch(l)
			out.Meta["os"] = m[1]

			if m[2] != "" {
				out.Meta["testdeps"] = m[2]
			}
		case pytestVerbose.MatchString(l):
			m := pytestVerbose.FindStringSubmatch(l)
			p.record(out, m[1], m[2], "")
		case pytestXdist.MatchString(l):
			m := pytestXdist.FindStringSubmatch(l)
			p.record(out, m[2], m[1], "")
		}
	}

	return out, nil
}

func (p *pytestParser) summaryLine(out *testrun.ParsedLog, l string) {
	if m := pytestSummary.FindStringSubmatch(l); m != nil {
		id := strings.TrimSpace(m[2])
		if _, ok := pytestResults[m[1]]; ok && out.Annotate(id, m[4]) {
			// already seen in the verbose section
			return
		}

		p.record(out, id, m[1], m[4])

		return
	}

	if m := pytestSummarySkip.FindStringSubmatch(l); m != nil && m[1] == "SKIPPED" {
		// The skipped test's name is not printed here; file:line is used
		// in its place.
		out.Record(testrun.Finding{TestID: m[2], Result: testrun.ResultSkip, Reason: m[3]})
	}
}

func (p *pytestParser) record(out *testrun.ParsedLog, id, word, reason string) {
	result, ok := pytestResults[word]
	if !ok {
		out.MarkMalformed()

		return
	}

	out.Record(testrun.Finding{TestID: id, Result: result, Reason: reason})
}
