package logparser

import (
	"errors"
	"testing"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ParsersConfig
		wantErr string
	}{
		{
			name: "defaults",
			cfg:  config.ParsersConfig{Default: config.DefaultParsers},
		},
		{
			name:    "unknown format",
			cfg:     config.ParsersConfig{Default: []string{"curl", "junit"}},
			wantErr: `unknown log format "junit"`,
		},
		{
			name:    "duplicate format",
			cfg:     config.ParsersConfig{Default: []string{"curl", "curl"}},
			wantErr: "listed twice",
		},
		{
			name:    "empty default list",
			cfg:     config.ParsersConfig{},
			wantErr: "at least one format",
		},
		{
			name: "unknown origin",
			cfg: config.ParsersConfig{
				Default: []string{"curl"},
				Origins: map[string][]string{"jenkins": {"pytest"}},
			},
			wantErr: `unknown origin "jenkins"`,
		},
		{
			name: "unknown format for origin",
			cfg: config.ParsersConfig{
				Default: []string{"curl"},
				Origins: map[string][]string{"gha": {"tap"}},
			},
			wantErr: "parsers.origins.gha",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(testLogger(), tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_ParsersFor(t *testing.T) {
	reg, err := NewRegistry(testLogger(), config.ParsersConfig{
		Default: []string{"curl", "automake"},
		Origins: map[string][]string{"cirrus": {"pytest", "unittest"}},
	})
	require.NoError(t, err)

	formats := func(ps []Parser) []Format {
		out := make([]Format, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.Format())
		}

		return out
	}

	assert.Equal(t, []Format{FormatCurl, FormatAutomake}, formats(reg.ParsersFor(testrun.OriginGHA)))
	assert.Equal(t, []Format{FormatPytest, FormatUnittest}, formats(reg.ParsersFor(testrun.OriginCirrus)))
}

func TestRegistry_Parse(t *testing.T) {
	reg, err := NewRegistry(testLogger(), config.ParsersConfig{Default: config.DefaultParsers})
	require.NoError(t, err)

	t.Run("picks the matching dialect", func(t *testing.T) {
		parsed, err := reg.Parse(testrun.OriginGHA, []byte(pytestXdistLog))
		require.NoError(t, err)

		assert.Equal(t, string(FormatPytest), parsed.Format)
		assert.Equal(t, "pytest", parsed.Meta[testrun.MetaTestFormat])
		assert.Equal(t, 3, parsed.Len())
	})

	t.Run("priority order wins when several match", func(t *testing.T) {
		raw := curlParallelLog([]string{"1", "2"}, true)
		raw = append(raw, []byte("PASS: extra.sh\n")...)

		parsed, err := reg.Parse(testrun.OriginAzure, raw)
		require.NoError(t, err)
		assert.Equal(t, string(FormatCurl), parsed.Format)
	})

	t.Run("unrecognized", func(t *testing.T) {
		_, err := reg.Parse(testrun.OriginGHA, []byte("hello world\nnothing to see here\n"))
		require.ErrorIs(t, err, testrun.ErrUnrecognizedFormat)
	})

	t.Run("empty log", func(t *testing.T) {
		_, err := reg.Parse(testrun.OriginGHA, nil)
		require.ErrorIs(t, err, testrun.ErrUnrecognizedFormat)
	})

	t.Run("recognized without test section", func(t *testing.T) {
		_, err := reg.Parse(testrun.OriginGHA, []byte("Testsuite summary for x\n# FAIL:  0\n# ERROR: 0\n"))
		require.ErrorIs(t, err, testrun.ErrNoTestSection)

		var perr *testrun.ParseError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "automake", perr.Format)
	})

	t.Run("normalizes before parsing", func(t *testing.T) {
		raw := "2024-01-02T03:04:05.0000000Z \x1b[32mPASS\x1b[0m: a.sh\n"

		parsed, err := reg.Parse(testrun.OriginGHA, []byte(raw))
		require.NoError(t, err)

		f, ok := parsed.Lookup("a.sh")
		require.True(t, ok)
		assert.Equal(t, testrun.ResultPass, f.Result)
		assert.Equal(t, "true", parsed.Meta[testrun.MetaTruncated])
	})
}

func TestFormats(t *testing.T) {
	assert.Equal(t, []Format{FormatAutomake, FormatCurl, FormatPytest, FormatUnittest}, Formats())

	for _, f := range Formats() {
		p, err := NewParser(f)
		require.NoError(t, err)
		assert.Equal(t, f, p.Format())
	}

	_, err := NewParser("junit")
	require.Error(t, err)
}
