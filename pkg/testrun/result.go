package testrun

import "fmt"

// Result is the outcome of a single test case.
type Result string

const (
	ResultPass  Result = "PASS"
	ResultFail  Result = "FAIL"
	ResultSkip  Result = "SKIP"
	ResultXFail Result = "XFAIL" // expected failure
	ResultXPass Result = "XPASS" // unexpected pass
)

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	switch r {
	case ResultPass, ResultFail, ResultSkip, ResultXFail, ResultXPass:
		return true
	default:
		return false
	}
}

// Decisive reports whether r takes part in pass/fail history analysis.
func (r Result) Decisive() bool {
	return r == ResultPass || r == ResultFail
}

// ParseResult converts a stored string back into a Result.
func ParseResult(s string) (Result, error) {
	r := Result(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown test result %q", s)
	}

	return r, nil
}

// Outcome is the overall outcome of a run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeTruncated Outcome = "truncated"
)

// Well-known metadata keys written by parsers and the ingestor.
const (
	MetaTestFormat    = "testformat"
	MetaTestResult    = "testresult"
	MetaTruncated     = "truncated"
	MetaMalformed     = "malformedlines"
	MetaRetried       = "retriedtests"
	MetaRunStartTime  = "runstarttime"
	MetaRunFinishTime = "runfinishtime"
	MetaTestsDuration = "runtestsduration"
	MetaCommit        = "commit"
	MetaCommitSummary = "commitsummary"
	MetaOrigin        = "origin"
	MetaRunID         = "runid"
	MetaJob           = "uniquejobname"
	MetaLogCut        = "logcut"
)

// ownedMeta are the keys only parsers and the ingestor may set.
var ownedMeta = map[string]struct{}{
	MetaTestFormat: {},
	MetaTestResult: {},
	MetaTruncated:  {},
	MetaMalformed:  {},
	MetaRetried:    {},
	MetaLogCut:     {},
	MetaOrigin:     {},
	MetaRunID:      {},
}

// OwnedMeta reports whether name is bookkeeping metadata derived from the
// parse itself, which external hints must not override.
func OwnedMeta(name string) bool {
	_, ok := ownedMeta[name]

	return ok
}
