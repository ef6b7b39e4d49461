package analysis

import "github.com/ethpandaops/testoor/pkg/testrun"

// Classification is the history verdict for one test.
type Classification string

const (
	ClassAlwaysPass Classification = "ALWAYS_PASS"
	ClassAlwaysFail Classification = "ALWAYS_FAIL"
	ClassRegressed  Classification = "REGRESSED"
	ClassFixed      Classification = "FIXED"
	ClassFlaky      Classification = "FLAKY"
	// ClassNoData means the window held no PASS or FAIL observation.
	ClassNoData Classification = "NO_DATA"
)

// Segment is one run-length encoded stretch of identical decisive results.
type Segment struct {
	Result testrun.Result `json:"result" yaml:"result"`
	Length int            `json:"length" yaml:"length"`
}

// Verdict is the classification of one test over a window together with
// the counts it was derived from.
type Verdict struct {
	TestID         string                 `json:"test_id" yaml:"test_id"`
	Job            string                 `json:"job,omitempty" yaml:"job,omitempty"`
	Classification Classification         `json:"classification" yaml:"classification"`
	Transitions    int                    `json:"transitions" yaml:"transitions"`
	Score          float64                `json:"score" yaml:"score"`
	Observations   int                    `json:"observations" yaml:"observations"`
	Counts         map[testrun.Result]int `json:"counts" yaml:"counts"`
	Segments       []Segment              `json:"segments,omitempty" yaml:"segments,omitempty"`

	// ConsecutiveFailures is the length of the failure streak ending at
	// the most recent decisive result. Skips do not break it.
	ConsecutiveFailures int  `json:"consecutive_failures" yaml:"consecutive_failures"`
	// FailingSince is the run that started that streak.
	FailingSince        uint `json:"failing_since,omitempty" yaml:"failing_since,omitempty"`
}

// Classify derives a verdict from results ordered oldest first. Only PASS
// and FAIL take part in the sequence; every result is counted. The score
// is transitions divided by the number of observations in the window and
// is only set for flaky tests.
func Classify(results []testrun.Result) Verdict {
	v := Verdict{
		Observations: len(results),
		Counts:       make(map[testrun.Result]int, 5),
	}

	for _, r := range results {
		v.Counts[r]++

		if !r.Decisive() {
			continue
		}

		if n := len(v.Segments); n > 0 && v.Segments[n-1].Result == r {
			v.Segments[n-1].Length++

			continue
		}

		v.Segments = append(v.Segments, Segment{Result: r, Length: 1})
	}

	if len(v.Segments) == 0 {
		v.Classification = ClassNoData

		return v
	}

	v.Transitions = len(v.Segments) - 1

	if last := v.Segments[v.Transitions]; last.Result == testrun.ResultFail {
		v.ConsecutiveFailures = last.Length
	}

	switch v.Transitions {
	case 0:
		v.Classification = ClassAlwaysPass
		if v.Segments[0].Result == testrun.ResultFail {
			v.Classification = ClassAlwaysFail
		}
	case 1:
		v.Classification = ClassRegressed
		if v.Segments[0].Result == testrun.ResultFail {
			v.Classification = ClassFixed
		}
	default:
		v.Classification = ClassFlaky
		v.Score = float64(v.Transitions) / float64(v.Observations)
	}

	return v
}
