package logparser

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/acarl005/stripansi"
)

// timestampPrefix matches the per-line timestamp some CI services prepend,
// e.g. "2024-01-02T03:04:05.1234567Z ".
var timestampPrefix = regexp.MustCompile(`^\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d(?:\.\d+)?Z ?`)

// Normalize splits a raw log into lines with terminal decoration removed.
//
// Each line has its CI timestamp prefix and ANSI escape sequences removed.
// Progress redraws (text overwritten using bare carriage returns) collapse
// to the last visible segment. Once an MSBuild banner is seen, the two-space
// indentation MSBuild adds to child output is removed from the rest of the
// log.
func Normalize(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	if len(raw) == 0 {
		return nil
	}

	parts := strings.Split(string(raw), "\n")
	lines := make([]string, 0, len(parts))
	msbuild := false

	for _, l := range parts {
		l = strings.TrimRight(l, "\r")
		l = timestampPrefix.ReplaceAllString(l, "")
		l = stripansi.Strip(l)
		l = collapseRedraw(l)

		switch {
		case strings.HasPrefix(l, "Microsoft (R) Build Engine"), strings.HasPrefix(l, "MSBuild version "):
			msbuild = true
		case msbuild && strings.HasPrefix(l, "  "):
			l = l[2:]
		case msbuild && strings.HasPrefix(l, "CUSTOMBUILD : warning :"):
			l = "Warning" + l[len("CUSTOMBUILD : warning "):]
		}

		lines = append(lines, l)
	}

	return lines
}

// collapseRedraw returns the last non-empty carriage-return separated
// segment of l.
func collapseRedraw(l string) string {
	if !strings.Contains(l, "\r") {
		return l
	}

	segs := strings.Split(l, "\r")
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] != "" {
			return segs[i]
		}
	}

	return ""
}
