package logparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

var (
	// method (module) ... result; long descriptions push the result onto
	// a continuation line
	unittestTest = regexp.MustCompile(`^([a-zA-Z_][\w.]*) \(([a-zA-Z_][\w.]*)\)( \.\.\. (.+))?$`)
	// failing subtests fold into their test
	unittestSubtest  = regexp.MustCompile(`^ +([a-zA-Z_][\w.]*) \(([a-zA-Z_][\w.]*)\) \(([^)]+)\) \.\.\. (.+)?$`)
	unittestCont     = regexp.MustCompile(`^.* \.\.\. (.+)$`)
	unittestCount    = regexp.MustCompile(`^Ran (\d+) tests? in ([-\d.]+)s$`)
	unittestFinal    = regexp.MustCompile(`^(OK|FAILED|NO TESTS RAN)( \(.*\))?$`)
	unittestResultRE = regexp.MustCompile(`^([\w _]+)(?: '?(.*?)'?)?$`)
)

var unittestResults = map[string]testrun.Result{
	"ok":                 testrun.ResultPass,
	"FAIL":               testrun.ResultFail,
	"ERROR":              testrun.ResultFail,
	"skipped":            testrun.ResultSkip,
	"expected failure":   testrun.ResultXFail,
	"unexpected success": testrun.ResultXPass,
}

// unittestParser parses Python unittest -v output.
type unittestParser struct{}

// NewUnittestParser creates a new unittest log parser.
func NewUnittestParser() Parser {
	return &unittestParser{}
}

// Ensure interface compliance.
var _ Parser = (*unittestParser)(nil)

// Format returns the dialect.
func (p *unittestParser) Format() Format {
	return FormatUnittest
}

// Detect looks for a complete test result line or the "Ran N tests" line.
func (p *unittestParser) Detect(lines []string) bool {
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if m := unittestTest.FindStringSubmatch(l); m != nil && m[4] != "" {
			return true
		}

		if unittestCount.MatchString(l) {
			return true
		}
	}

	return false
}

// Parse parses unittest output up to the final OK/FAILED line.
func (p *unittestParser) Parse(lines []string) (*testrun.ParsedLog, error) {
	out := testrun.NewParsedLog(string(FormatUnittest))

	// tests so far only seen through their subtests
	subtestOnly := make(map[string]struct{}, 4)

	i := 0
	for ; i < len(lines); i++ {
		l := strings.TrimRight(lines[i], " \t")
		if unittestTest.MatchString(l) || unittestSubtest.MatchString(l) || unittestCount.MatchString(l) {
			break
		}
	}

	for i < len(lines) {
		l := strings.TrimRight(lines[i], " \t")
		i++

		if m := unittestFinal.FindStringSubmatch(l); m != nil {
			if m[1] == "FAILED" {
				out.Outcome = testrun.OutcomeFailure
			} else {
				out.Outcome = testrun.OutcomeSuccess
			}

			break
		}

		if m := unittestCount.FindStringSubmatch(l); m != nil {
			if secs, err := strconv.ParseFloat(m[2], 64); err == nil {
				out.Meta[testrun.MetaTestsDuration] = strconv.FormatInt(int64(secs*1_000_000), 10)
			}

			continue
		}

		var (
			method, module, result string
			subtest                bool
		)

		if m := unittestTest.FindStringSubmatch(l); m != nil {
			method, module, result = m[1], m[2], m[4]
		} else if m := unittestSubtest.FindStringSubmatch(l); m != nil {
			method, module, result = m[1], m[2], m[4]
			subtest = true
		} else {
			continue
		}

		if result == "" {
			if i >= len(lines) {
				break
			}

			m := unittestCont.FindStringSubmatch(strings.TrimRight(lines[i], " \t"))
			if m == nil {
				// continuation missing; look at the line again as a test
				out.MarkMalformed()

				continue
			}

			result = m[1]
			i++
		}

		name := unittestName(module, method)

		r := unittestResultRE.FindStringSubmatch(result)
		if r == nil {
			out.MarkMalformed()

			continue
		}

		code, ok := unittestResults[r[1]]
		if !ok {
			out.MarkMalformed()

			continue
		}

		f := testrun.Finding{TestID: name, Result: code, Reason: r[2]}

		switch _, partial := subtestOnly[name]; {
		case subtest:
			if _, seen := out.Lookup(name); !seen {
				subtestOnly[name] = struct{}{}
			}

			out.Fold(f)
		case partial:
			delete(subtestOnly, name)
			out.Fold(f)
		default:
			// a repeated test line is a rerun: last observed wins
			out.Record(f)
		}
	}

	return out, nil
}

// unittestName joins module and method into a test id. Python 3.11 and
// later already print the method as part of the module path.
func unittestName(module, method string) string {
	if strings.HasSuffix(module, "."+method) {
		return module
	}

	return module + "." + method
}
