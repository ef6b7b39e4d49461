package logparser

import (
	"regexp"
	"strings"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

var (
	automakeResult       = regexp.MustCompile(`^(PASS|FAIL|SKIP|XFAIL|XPASS|ERROR):\s(.+?)(( - )(.*))?$`)
	automakeSummaryStart = regexp.MustCompile(`^Testsuite summary for (.*)$`)
	automakeSummaryFail  = regexp.MustCompile(`^# FAIL:\s+(\d+)$`)
	automakeSummaryEnd   = regexp.MustCompile(`^# ERROR:\s+(\d+)$`)
)

var automakeResults = map[string]testrun.Result{
	"PASS":  testrun.ResultPass,
	"FAIL":  testrun.ResultFail,
	"SKIP":  testrun.ResultSkip,
	"XFAIL": testrun.ResultXFail,
	"XPASS": testrun.ResultXPass,
	"ERROR": testrun.ResultFail,
}

// automakeParser parses the automake parallel test harness output. When a
// log holds several test suites they are merged into one record.
type automakeParser struct{}

// NewAutomakeParser creates a new automake log parser.
func NewAutomakeParser() Parser {
	return &automakeParser{}
}

// Ensure interface compliance.
var _ Parser = (*automakeParser)(nil)

// Format returns the dialect.
func (p *automakeParser) Format() Format {
	return FormatAutomake
}

// Detect looks for a result line or a testsuite summary.
func (p *automakeParser) Detect(lines []string) bool {
	for _, l := range lines {
		if automakeResult.MatchString(l) || automakeSummaryStart.MatchString(l) {
			return true
		}
	}

	return false
}

// Parse returns testrun.ErrNoTestSection when only a summary was found.
func (p *automakeParser) Parse(lines []string) (*testrun.ParsedLog, error) {
	out := testrun.NewParsedLog(string(FormatAutomake))
	outcomeSet := false

	for i := 0; i < len(lines); i++ {
		l := strings.TrimRight(lines[i], " \t")

		if m := automakeResult.FindStringSubmatch(l); m != nil {
			out.Record(testrun.Finding{
				TestID: m[2],
				Result: automakeResults[m[1]],
				Reason: strings.TrimSpace(m[5]),
			})

			// a further suite after a successful one decides the outcome again
			if outcomeSet && out.Outcome == testrun.OutcomeSuccess {
				out.Outcome = testrun.OutcomeTruncated
				outcomeSet = false
			}

			continue
		}

		m := automakeSummaryStart.FindStringSubmatch(l)
		if m == nil {
			continue
		}

		out.Meta["testtarget"] = strings.TrimSuffix(m[1], " -")

		for i++; i < len(lines); i++ {
			l = strings.TrimRight(lines[i], " \t")

			if f := automakeSummaryFail.FindStringSubmatch(l); f != nil {
				switch {
				case f[1] != "0":
					out.Outcome = testrun.OutcomeFailure
					outcomeSet = true
				case !outcomeSet:
					// an earlier failed suite keeps the run failed
					out.Outcome = testrun.OutcomeSuccess
					outcomeSet = true
				}
			} else if automakeSummaryEnd.MatchString(l) {
				break
			}
		}
	}

	if out.Len() == 0 {
		return nil, testrun.ErrNoTestSection
	}

	return out, nil
}
