package testrun

import (
	"strconv"
	"time"
)

// Finding is the parsed outcome of one test case in one run.
type Finding struct {
	TestID   string
	Result   Result
	Reason   string
	Duration time.Duration
}

// ResultSet accumulates findings keyed by test id. Enumeration order is the
// order in which each test id was first seen; a test id observed again
// replaces the earlier finding in place (last observed wins).
type ResultSet struct {
	order   []string
	byID    map[string]Finding
	retried int
}

// Record adds or replaces the finding for f.TestID.
func (s *ResultSet) Record(f Finding) {
	if s.byID == nil {
		s.byID = make(map[string]Finding, 64)
	}

	if _, seen := s.byID[f.TestID]; seen {
		s.retried++
	} else {
		s.order = append(s.order, f.TestID)
	}

	if f.Result == ResultPass {
		f.Reason = ""
	}

	s.byID[f.TestID] = f
}

// Fold merges a partial observation of a test, such as one subtest, into
// its finding without counting a new observation. The earlier result is
// kept unless f is a failure.
func (s *ResultSet) Fold(f Finding) {
	prev, seen := s.byID[f.TestID]
	if !seen {
		s.Record(f)

		return
	}

	if f.Result == ResultFail && prev.Result != ResultFail {
		s.byID[f.TestID] = f
	}
}

// Annotate sets the reason on an already recorded finding without counting
// a new observation. It reports whether the test id was known.
func (s *ResultSet) Annotate(testID, reason string) bool {
	f, ok := s.byID[testID]
	if !ok {
		return false
	}

	if f.Result != ResultPass {
		f.Reason = reason
		s.byID[testID] = f
	}

	return true
}

// Get returns the current finding for a test id.
func (s *ResultSet) Get(testID string) (Finding, bool) {
	f, ok := s.byID[testID]

	return f, ok
}

// Len returns the number of distinct test ids.
func (s *ResultSet) Len() int {
	return len(s.order)
}

// Retried returns how many times an already-seen test id was recorded again.
func (s *ResultSet) Retried() int {
	return s.retried
}

// Findings returns the findings in first-seen order.
func (s *ResultSet) Findings() []Finding {
	out := make([]Finding, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}

	return out
}

// ParsedLog is the canonical record produced by a format parser.
type ParsedLog struct {
	Format    string
	Meta      map[string]string
	Outcome   Outcome
	Malformed int
	Cut       bool

	results ResultSet
}

// NewParsedLog returns an empty record for the given format. The outcome
// starts as truncated and stays that way unless the parser sees the end of
// the test run.
func NewParsedLog(format string) *ParsedLog {
	return &ParsedLog{
		Format:  format,
		Meta:    make(map[string]string, 16),
		Outcome: OutcomeTruncated,
	}
}

// Record adds a finding.
func (p *ParsedLog) Record(f Finding) {
	p.results.Record(f)
}

// Fold merges a partial observation into the finding for f.TestID.
func (p *ParsedLog) Fold(f Finding) {
	p.results.Fold(f)
}

// Annotate sets the reason of a finding already recorded for testID.
func (p *ParsedLog) Annotate(testID, reason string) bool {
	return p.results.Annotate(testID, reason)
}

// Lookup returns the finding currently held for a test id.
func (p *ParsedLog) Lookup(testID string) (Finding, bool) {
	return p.results.Get(testID)
}

// Findings returns findings in first-seen order.
func (p *ParsedLog) Findings() []Finding {
	return p.results.Findings()
}

// Len returns the number of distinct tests found.
func (p *ParsedLog) Len() int {
	return p.results.Len()
}

// Retried returns the number of repeated observations of a test id.
func (p *ParsedLog) Retried() int {
	return p.results.Retried()
}

// MarkMalformed counts a result line that could not be parsed.
func (p *ParsedLog) MarkMalformed() {
	p.Malformed++
}

// MarkCut records that the raw log was cut short before parsing. Whatever
// the parser saw, the run cannot be complete.
func (p *ParsedLog) MarkCut() {
	p.Cut = true
	p.Outcome = OutcomeTruncated
	p.Finalize()
}

// Truncated reports whether the end of the test run was never seen.
func (p *ParsedLog) Truncated() bool {
	return p.Outcome == OutcomeTruncated
}

// Finalize writes the bookkeeping fields into the metadata map.
func (p *ParsedLog) Finalize() {
	p.Meta[MetaTestFormat] = p.Format
	p.Meta[MetaTestResult] = string(p.Outcome)

	if p.Truncated() {
		p.Meta[MetaTruncated] = "true"
	} else {
		delete(p.Meta, MetaTruncated)
	}

	if p.Malformed > 0 {
		p.Meta[MetaMalformed] = strconv.Itoa(p.Malformed)
	}

	if n := p.Retried(); n > 0 {
		p.Meta[MetaRetried] = strconv.Itoa(n)
	}

	if p.Cut {
		p.Meta[MetaLogCut] = "true"
	}
}
