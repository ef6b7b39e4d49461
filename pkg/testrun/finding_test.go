package testrun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSet_FirstSeenOrderLastObservedWins(t *testing.T) {
	var s ResultSet

	s.Record(Finding{TestID: "3", Result: ResultPass})
	s.Record(Finding{TestID: "1", Result: ResultFail, Reason: "boom"})
	s.Record(Finding{TestID: "2", Result: ResultPass})
	s.Record(Finding{TestID: "1", Result: ResultPass, Reason: "ignored", Duration: time.Second})

	findings := s.Findings()
	require.Len(t, findings, 3)

	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.TestID)
	}

	assert.Equal(t, []string{"3", "1", "2"}, ids)
	assert.Equal(t, ResultPass, findings[1].Result)
	assert.Empty(t, findings[1].Reason, "PASS results carry no reason")
	assert.Equal(t, time.Second, findings[1].Duration)
	assert.Equal(t, 1, s.Retried())
	assert.Equal(t, 3, s.Len())
}

func TestParsedLog_Finalize(t *testing.T) {
	tests := []struct {
		name      string
		outcome   Outcome
		malformed int
		wantMeta  map[string]string
	}{
		{
			name:    "truncated",
			outcome: OutcomeTruncated,
			wantMeta: map[string]string{
				MetaTestFormat: "curl",
				MetaTestResult: "truncated",
				MetaTruncated:  "true",
			},
		},
		{
			name:      "complete with malformed lines",
			outcome:   OutcomeSuccess,
			malformed: 2,
			wantMeta: map[string]string{
				MetaTestFormat: "curl",
				MetaTestResult: "success",
				MetaMalformed:  "2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParsedLog("curl")
			p.Outcome = tt.outcome

			for i := 0; i < tt.malformed; i++ {
				p.MarkMalformed()
			}

			p.Finalize()
			assert.Equal(t, tt.wantMeta, p.Meta)
		})
	}
}

func TestParseOrigin(t *testing.T) {
	o, err := ParseOrigin("gha")
	require.NoError(t, err)
	assert.Equal(t, OriginGHA, o)

	_, err = ParseOrigin("jenkins")
	require.Error(t, err)

	assert.Len(t, Origins(), 6)
	assert.Equal(t, OriginAppveyor, Origins()[0])
}

func TestResult_Decisive(t *testing.T) {
	assert.True(t, ResultPass.Decisive())
	assert.True(t, ResultFail.Decisive())
	assert.False(t, ResultSkip.Decisive())
	assert.False(t, ResultXFail.Decisive())
	assert.False(t, ResultXPass.Decisive())

	_, err := ParseResult("UNKNOWN")
	assert.Error(t, err)
}
