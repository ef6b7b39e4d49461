package logparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "crlf line endings",
			raw:  "one\r\ntwo\r\n",
			want: []string{"one", "two"},
		},
		{
			name: "ansi colours removed",
			raw:  "\x1b[32mPASS\x1b[0m: foo.sh\n",
			want: []string{"PASS: foo.sh"},
		},
		{
			name: "progress redraw collapses to last segment",
			raw:  "10%\r50%\r100% done\r\n",
			want: []string{"100% done"},
		},
		{
			name: "ci timestamp prefix",
			raw:  "2024-01-02T03:04:05.1234567Z PASS: foo.sh\n2024-01-02T03:04:06Z FAIL: bar.sh\nno stamp\n",
			want: []string{"PASS: foo.sh", "FAIL: bar.sh", "no stamp"},
		},
		{
			name: "msbuild child output de-indented",
			raw: "  before\nMSBuild version 17.7.2+d6990bcfa for .NET\n" +
				"  test 0001...[HTTP GET]\n" +
				"CUSTOMBUILD : warning : test1 result is ignored\n",
			want: []string{
				"  before",
				"MSBuild version 17.7.2+d6990bcfa for .NET",
				"test 0001...[HTTP GET]",
				"Warning: test1 result is ignored",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize([]byte(tt.raw)))
		})
	}
}
