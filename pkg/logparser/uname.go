package logparser

import (
	"regexp"
	"strings"
)

// linuxYear matches a plausible kernel build year, which in Linux uname
// output is followed by the machine architecture.
var linuxYear = regexp.MustCompile(`^(?:20\d\d|199\d|1970)$`)

// ParseUname extracts systemos, systemhost, systemosver and (where the
// layout is known) arch from the output of "uname -a".
func ParseUname(uname string) map[string]string {
	meta := make(map[string]string, 4)

	// fields collapses runs of spaces; blanks keeps empty items, which some
	// systems need because the hostname can be blank.
	fields := strings.Fields(uname)
	blanks := strings.Split(uname, " ")

	if len(blanks) < 3 {
		return meta
	}

	osName := blanks[0]
	meta["systemos"] = osName

	if blanks[1] != "" {
		meta["systemhost"] = blanks[1]
	}

	meta["systemosver"] = blanks[2]

	isWindowsPosix := strings.HasPrefix(osName, "MSYS_NT") ||
		strings.HasPrefix(osName, "MINGW32_NT") ||
		strings.HasPrefix(osName, "MINGW64_NT") ||
		strings.HasPrefix(osName, "CYGWIN_NT")

	switch {
	case osName == "Linux" && len(blanks) >= 12:
		for i := 9; i < len(blanks)-2; i++ {
			if linuxYear.MatchString(blanks[i]) {
				meta["arch"] = blanks[i+1]

				break
			}
		}
	case osName == "Darwin" && len(fields) == 15:
		meta["arch"] = fields[14]
	case osName == "FreeBSD" && len(blanks) == 8:
		meta["arch"] = blanks[7]
	case osName == "FreeBSD" && len(fields) == 8:
		meta["arch"] = fields[7]
	case osName == "FreeBSD" && len(blanks) == 15:
		meta["arch"] = blanks[14]
	case osName == "FreeBSD" && len(fields) == 15:
		meta["arch"] = fields[14]
	case osName == "NetBSD" && len(fields) == 15:
		meta["arch"] = fields[14]
	case osName == "NetBSD" && len(fields) == 14 && blanks[1] == "":
		// a blank hostname shifts every later field down by one
		meta["arch"] = fields[13]
	case osName == "OpenBSD" && len(blanks) == 5:
		meta["arch"] = blanks[4]
	case osName == "SunOS" && (len(blanks) == 7 || len(blanks) == 8):
		meta["arch"] = blanks[5]
	case isWindowsPosix && len(fields) == 8:
		meta["arch"] = fields[6]
	case isWindowsPosix && len(fields) == 7:
		meta["arch"] = fields[5]
	case osName == "AIX" && len(fields) == 5:
		meta["systemosver"] = fields[3] + "." + fields[2]
	case osName == "Haiku" && len(blanks) == 11:
		meta["arch"] = blanks[9]
	case osName == "Minix" && len(blanks) == 7:
		meta["arch"] = blanks[6]
	}

	return meta
}
