package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

func seq(s string) []testrun.Result {
	codes := map[rune]testrun.Result{
		'P': testrun.ResultPass,
		'F': testrun.ResultFail,
		'S': testrun.ResultSkip,
		'X': testrun.ResultXFail,
		'U': testrun.ResultXPass,
	}

	out := make([]testrun.Result, 0, len(s))
	for _, c := range strings.ReplaceAll(s, ",", "") {
		out = append(out, codes[c])
	}

	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		results     string
		want        Classification
		transitions int
		score       float64
		failStreak  int
	}{
		{name: "flaky", results: "P,P,F,P,F,P", want: ClassFlaky, transitions: 4, score: 4.0 / 6.0},
		{name: "always pass", results: "P,P,P,P", want: ClassAlwaysPass},
		{name: "regressed", results: "P,P,P,F,F,F", want: ClassRegressed, transitions: 1, failStreak: 3},
		{name: "fixed", results: "F,F,P", want: ClassFixed, transitions: 1},
		{name: "always fail", results: "F", want: ClassAlwaysFail, failStreak: 1},
		{name: "flaky ending in failures", results: "P,F,P,F,S,F", want: ClassFlaky, transitions: 3, score: 3.0 / 6.0, failStreak: 2},
		{name: "skips do not break a run", results: "P,S,P,X,P,U", want: ClassAlwaysPass},
		{name: "skips between transitions", results: "P,S,F,S,P", want: ClassFlaky, transitions: 2, score: 2.0 / 5.0},
		{name: "only skips", results: "S,S,X", want: ClassNoData},
		{name: "empty", results: "", want: ClassNoData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(seq(tt.results))

			assert.Equal(t, tt.want, v.Classification)
			assert.Equal(t, tt.transitions, v.Transitions)
			assert.InDelta(t, tt.score, v.Score, 1e-9)
			assert.Equal(t, tt.failStreak, v.ConsecutiveFailures)
			assert.Equal(t, len(seq(tt.results)), v.Observations)
		})
	}
}

func TestClassify_CountsAndSegments(t *testing.T) {
	v := Classify(seq("P,P,S,F,F,X,P"))

	assert.Equal(t, map[testrun.Result]int{
		testrun.ResultPass:  3,
		testrun.ResultFail:  2,
		testrun.ResultSkip:  1,
		testrun.ResultXFail: 1,
	}, v.Counts)

	assert.Equal(t, []Segment{
		{Result: testrun.ResultPass, Length: 2},
		{Result: testrun.ResultFail, Length: 2},
		{Result: testrun.ResultPass, Length: 1},
	}, v.Segments)
}
