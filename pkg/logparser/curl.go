package logparser

import (
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

// Preamble lines seen before the test run starts.
var (
	curlRuntests      = regexp.MustCompile(`perl.*/runtests\.pl (.*)$`)
	curlUsingAutomake = regexp.MustCompile(`^Making all in `)
	curlCompilerPath  = regexp.MustCompile(`libtool .*--mode=compile (\S+) `)
	curlCompilerAC    = regexp.MustCompile(`compiler version\.\.\. ([^']+) '([^']*)'(?: \(raw: '([^']*)'\))?`)
	curlCompilerCMake = regexp.MustCompile(`^-- The C compiler identification is (\S+) (\S+)`)
	curlUsingCMake    = regexp.MustCompile(`^-- Using CMake version`)
	curlCMakeMSBuild  = regexp.MustCompile(`^(\d+>)?Checking Build System`)
	curlCMakeMake     = regexp.MustCompile(`^\[ *\d+%] (Building C object|Built target)`)
	curlCMakeNinja    = regexp.MustCompile(`^\[\d+/\d+\] (Building C object|Built target)`)
	curlCMakeRunMake  = regexp.MustCompile(`make  *-f CMakeFiles`)
)

// testcurl (daily autobuild) headers.
var (
	curlTestcurlCommitStart = regexp.MustCompile(`^testcurl: The most recent curl git commits:`)
	curlTestcurlCommit      = regexp.MustCompile(`^testcurl: {1,3}(?:([0-9a-f]{7,11}) |([0-9a-f]{40})$)`)
	curlTestcurlDaily       = regexp.MustCompile(`^testcurl: curl-([\d.]+)-(\d{8})/? is verified to be a fine daily source dir`)
	curlTestcurlDate        = regexp.MustCompile(`^testcurl: date = (.*)$`)
	curlTestcurlName        = regexp.MustCompile(`testcurl: NAME = (.*)$`)
	curlTestcurlDesc        = regexp.MustCompile(`testcurl: DESC = (.*)$`)
	curlTestcurlBuildCode   = regexp.MustCompile(`testcurl: (\w+) = `)
)

// buildcode is a hash over the testcurl setting lines except these.
var curlBuildCodeIgnored = map[string]struct{}{
	"NOTES": {}, "version": {}, "date": {}, "timestamp": {},
}

// System characteristics header.
var (
	curlStart         = regexp.MustCompile(`^\*{9} System characteristics \*`)
	curlVersion       = regexp.MustCompile(`^\* curl (\S+) \(([^)]+)\)`)
	curlDeps          = regexp.MustCompile(`^\* (.+)$`)
	curlHost          = regexp.MustCompile(`^\* Host: (\S+)`)
	curlFeatures      = regexp.MustCompile(`^\* Features: (.+)$`)
	curlValgrind      = regexp.MustCompile(`^\* Env:.*\bValgrind\b`)
	curlEvent         = regexp.MustCompile(`^\* Env:.*\bevent-based\b`)
	curlOS            = regexp.MustCompile(`^\* OS: (\S+)`)
	curlJobs          = regexp.MustCompile(`^\* Jobs: (\d+)`)
	curlSystem        = regexp.MustCompile(`^\* System: (\S+ \S* \S+.*)$`)
	curlSeed          = regexp.MustCompile(`^\* Seed: (\d+)`)
	curlTargetTriplet = regexp.MustCompile(`([\w.]+)-([\w.]+)-([-\w.]+)`)
)

// Test results.
var (
	curlStartResults  = regexp.MustCompile(`^\*{41}`)
	curlToIgnore      = regexp.MustCompile(`^Warning: test(\d{1,5}) result is ignored`)
	curlSkipped       = regexp.MustCompile(`^test (\d{4,5}) SKIPPED: (.*)$`)
	curlFailed        = regexp.MustCompile(`^ (\d{1,5}): ((\w+)( \(.*\))?) FAILED`)
	curlValgrindError = regexp.MustCompile(`^ (valgrind) ERROR`)
	curlIgnored       = regexp.MustCompile(`^ (\d{1,5}): IGNORED: (.*)$`)
	curlExitFailed    = regexp.MustCompile(`^ (exit) FAILED$`)
	curlTestStart     = regexp.MustCompile(`^test (\d{4,5})\.\.\.\[`)
	curlAborted       = regexp.MustCompile(`Aborting tests$`)
	curlResultOK      = regexp.MustCompile(`^.{10,11} OK \(.*, took (-?\d+\.\d+)s`)
	curlTortureOK     = regexp.MustCompile(`^torture OK$`)
	curlTortureFailed = regexp.MustCompile(`MEMORY FAILURE$`)
	curlTortureSkip   = regexp.MustCompile(`^ found (no functions to make fail)$`)
	curlTotalTime     = regexp.MustCompile(`tests were considered during (\d+) seconds`)
	curlOKSummary     = regexp.MustCompile(`^TESTDONE: (\d+) tests out of (\d+) reported OK`)
	curlFailSummary   = regexp.MustCompile(`^TESTFAIL: These test cases failed: `)

	// single-line completions, as printed by parallel (-j) and -s runs
	curlTestStartShort  = regexp.MustCompile(`^test (\d{4,5})\.\.\.$`)
	curlTestResultShort = regexp.MustCompile(`^test (\d{4,5})\.\.\.(\w+) \(.*, took (-?\d+\.\d+)s`)
	curlTestFailedShort = regexp.MustCompile(`^test (\d{4,5})\.\.\.FAILED$`)
	curlTestAny         = regexp.MustCompile(`^test \d{4,5}\.\.\.`)
)

// curlNoise matches harness chatter that can sit between a test start and
// its status line.
var curlNoise = regexp.MustCompile(`(^(CMD |RUN: |Warning: |postcheck |curl returned |Killed| (\d+) functions to make fail)|` +
	`functions found, but only fail|received SIGINT, exiting)|(^\s?$)|( log/(\d+/)?std)|(^\S+ returned .* expecting (\d)+$)`)

// curlParser parses the output of curl's runtests.pl.
type curlParser struct{}

// NewCurlParser creates a new curl runtests log parser.
func NewCurlParser() Parser {
	return &curlParser{}
}

// Ensure interface compliance.
var _ Parser = (*curlParser)(nil)

// Format returns the dialect.
func (p *curlParser) Format() Format {
	return FormatCurl
}

// Detect looks for the system characteristics banner.
func (p *curlParser) Detect(lines []string) bool {
	for _, l := range lines {
		if curlStart.MatchString(l) {
			return true
		}
	}

	return false
}

// Parse parses a curl test log. The results section runs to the end of the
// log; everything before the banner is searched for build preamble.
func (p *curlParser) Parse(lines []string) (*testrun.ParsedLog, error) {
	c := &curlLog{
		lines:    lines,
		out:      testrun.NewParsedLog(string(FormatCurl)),
		toIgnore: make(map[string]struct{}),
	}

	for c.next() {
		if curlStart.MatchString(c.line) {
			c.header()

			break
		}

		c.preamble()
	}

	return c.out, nil
}

// curlLog is the cursor state of one curl parse.
type curlLog struct {
	lines    []string
	pos      int
	line     string
	out      *testrun.ParsedLog
	toIgnore map[string]struct{}
	buildCRC uint32
}

func (c *curlLog) next() bool {
	if c.pos >= len(c.lines) {
		return false
	}

	c.line = strings.TrimRight(c.lines[c.pos], " \t")
	c.pos++

	return true
}

// unread makes the current line the next one returned.
func (c *curlLog) unread() {
	c.pos--
}

func (c *curlLog) meta(key, value string) {
	c.out.Meta[key] = value
}

func (c *curlLog) preamble() {
	l := c.line

	if curlTestcurlCommitStart.MatchString(l) {
		c.meta("executor", "testcurl")

		if !c.next() {
			return
		}

		if m := curlTestcurlCommit.FindStringSubmatch(c.line); m != nil {
			if m[1] != "" {
				c.meta(testrun.MetaCommit, m[1])
			} else {
				c.meta(testrun.MetaCommit, m[2])
			}
		}

		return
	}

	if m := curlTestcurlDaily.FindStringSubmatch(l); m != nil {
		c.meta("executor", "testcurl")
		c.meta("dailybuild", m[2])

		return
	}

	if m := curlTestcurlName.FindStringSubmatch(l); m != nil {
		c.meta("ciname", m[1])

		return
	}

	if m := curlTestcurlDesc.FindStringSubmatch(l); m != nil {
		c.meta("cijob", m[1])

		return
	}

	if m := curlTestcurlDate.FindStringSubmatch(l); m != nil {
		datestr := strings.Replace(m[1], " UTC", "+0000", 1)
		if ts, err := time.Parse("Mon Jan _2 15:04:05 2006-0700", datestr); err == nil {
			c.meta(testrun.MetaRunStartTime, strconv.FormatInt(ts.Unix(), 10))
		}

		return
	}

	if m := curlTestcurlBuildCode.FindStringSubmatch(l); m != nil {
		if _, skip := curlBuildCodeIgnored[m[1]]; !skip {
			c.buildCRC = crc32.Update(c.buildCRC, crc32.IEEETable, []byte(strings.TrimSpace(l)))
			c.meta("buildcode", strconv.FormatUint(uint64(c.buildCRC), 10))
		}

		return
	}

	switch {
	case curlRuntests.MatchString(l):
		c.meta("runtestsopts", curlRuntests.FindStringSubmatch(l)[1])
	case curlCompilerAC.MatchString(l):
		m := curlCompilerAC.FindStringSubmatch(l)
		c.meta("compiler", m[1])
		c.meta("compilerversioncode", m[2])

		if m[3] != "" {
			c.meta("compilerversion", m[3])
		}
	case curlCompilerCMake.MatchString(l):
		m := curlCompilerCMake.FindStringSubmatch(l)
		c.meta("compiler", m[1])
		c.meta("compilerversion", m[2])
	case curlUsingCMake.MatchString(l):
		c.meta("buildsystem", "cmake")
	case curlCMakeMSBuild.MatchString(l):
		c.meta("buildsystem", "cmake/msbuild")
	case curlCMakeMake.MatchString(l), curlCMakeRunMake.MatchString(l):
		c.meta("buildsystem", "cmake/make")
	case curlCMakeNinja.MatchString(l):
		c.meta("buildsystem", "cmake/ninja")
	case curlUsingAutomake.MatchString(l):
		c.meta("buildsystem", "automake")
	case curlCompilerPath.MatchString(l):
		c.meta("compilerpath", curlCompilerPath.FindStringSubmatch(l)[1])
	}
}

// header reads the system characteristics block and, once the results
// banner is found, the results through to the end of the log.
func (c *curlLog) header() {
	c.meta("testmode", "normal")
	c.meta("withvalgrind", "no")
	c.meta("withevent", "no")

	if !c.next() {
		return
	}

	if m := curlVersion.FindStringSubmatch(c.line); m != nil {
		c.meta("testingver", m[1])
		c.meta("targettriplet", m[2])

		if t := curlTargetTriplet.FindStringSubmatch(m[2]); t != nil {
			c.meta("targetarch", t[1])
			c.meta("targetvendor", t[2])
			c.meta("targetos", t[3])
		} else {
			c.meta("targetos", m[2])
		}
	}

	if !c.next() {
		return
	}

	if m := curlDeps.FindStringSubmatch(c.line); m != nil {
		c.meta("curldeps", m[1])
	}

	for c.next() {
		l := c.line

		if m := curlHost.FindStringSubmatch(l); m != nil {
			c.meta("host", m[1])
		} else if m := curlFeatures.FindStringSubmatch(l); m != nil {
			c.meta("features", m[1])
		} else if m := curlOS.FindStringSubmatch(l); m != nil {
			c.meta("os", m[1])
		} else if curlValgrind.MatchString(l) {
			c.meta("withvalgrind", "yes")
		} else if curlEvent.MatchString(l) {
			c.meta("withevent", "yes")
		} else if m := curlJobs.FindStringSubmatch(l); m != nil {
			c.meta("paralleljobs", m[1])
		} else if m := curlSeed.FindStringSubmatch(l); m != nil {
			c.meta("randomseed", m[1])
		} else if m := curlSystem.FindStringSubmatch(l); m != nil {
			for k, v := range ParseUname(m[1]) {
				c.meta(k, v)
			}
		} else if curlStartResults.MatchString(l) {
			c.results()

			return
		}
	}
}

func (c *curlLog) results() {
	for c.next() {
		l := c.line

		if m := curlSkipped.FindStringSubmatch(l); m != nil {
			c.record(m[1], testrun.ResultSkip, m[2], 0)
		} else if m := curlTestStart.FindStringSubmatch(l); m != nil {
			if !c.status(strip0(m[1])) {
				return
			}
		} else if curlTestStartShort.MatchString(l) {
			// the result follows on a line of its own
			continue
		} else if m := curlFailed.FindStringSubmatch(l); m != nil {
			c.record(m[1], c.failResult(m[1]), m[2], 0)
		} else if m := curlIgnored.FindStringSubmatch(l); m != nil {
			c.record(m[1], testrun.ResultSkip, m[2], 0)
		} else if curlAborted.MatchString(l) {
			// not attributable to any one test here
			continue
		} else if m := curlTestResultShort.FindStringSubmatch(l); m != nil {
			if m[2] != "OK" {
				c.out.MarkMalformed()

				continue
			}

			c.record(m[1], testrun.ResultPass, "", tookDuration(m[3]))
		} else if m := curlTestFailedShort.FindStringSubmatch(l); m != nil {
			c.record(m[1], c.failResult(m[1]), "", 0)
		} else if m := curlTotalTime.FindStringSubmatch(l); m != nil {
			if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				c.meta(testrun.MetaTestsDuration, strconv.FormatInt(secs*1_000_000, 10))
			}
		} else if curlOKSummary.MatchString(l) {
			// a TESTFAIL line after this one takes precedence
			c.out.Outcome = testrun.OutcomeSuccess
		} else if curlFailSummary.MatchString(l) {
			c.out.Outcome = testrun.OutcomeFailure
		} else if m := curlToIgnore.FindStringSubmatch(l); m != nil {
			c.toIgnore[strip0(m[1])] = struct{}{}
		} else if curlTestAny.MatchString(l) {
			c.out.MarkMalformed()
		}
	}
}

// status finds and records the status line belonging to the long-form
// test start just read. It returns false at the end of the log.
func (c *curlLog) status(testID string) bool {
	for {
		if !c.next() {
			return false
		}

		if !curlNoise.MatchString(c.line) {
			break
		}
	}

	l := c.line

	if m := curlResultOK.FindStringSubmatch(l); m != nil {
		c.record(testID, testrun.ResultPass, "", tookDuration(m[1]))
	} else if curlTortureOK.MatchString(l) {
		c.record(testID, testrun.ResultPass, "", 0)
		c.meta("testmode", "torture")
	} else if m := curlFailed.FindStringSubmatch(l); m != nil {
		c.record(m[1], c.failResult(m[1]), m[2], 0)
	} else if m := curlIgnored.FindStringSubmatch(l); m != nil {
		c.record(m[1], testrun.ResultSkip, m[2], 0)
	} else if m := curlExitFailed.FindStringSubmatch(l); m != nil {
		c.record(testID, c.failResult(testID), m[1], 0)
	} else if curlAborted.MatchString(l) {
		c.record(testID, testrun.ResultFail, "Aborting tests", 0)
	} else if curlTortureFailed.MatchString(l) {
		// the real FAILED line for this test follows later
		c.meta("testmode", "torture")
	} else if m := curlValgrindError.FindStringSubmatch(l); m != nil {
		c.record(testID, c.failResult(testID), m[1], 0)
	} else if m := curlTortureSkip.FindStringSubmatch(l); m != nil {
		c.record(testID, testrun.ResultSkip, m[1], 0)
		c.meta("testmode", "torture")
	} else {
		// Not a status line. Count it and let the results loop look at it
		// again, since it may be the start of the next test.
		c.out.MarkMalformed()
		c.unread()
	}

	return true
}

func (c *curlLog) record(id string, result testrun.Result, reason string, d time.Duration) {
	c.out.Record(testrun.Finding{
		TestID:   strip0(id),
		Result:   result,
		Reason:   reason,
		Duration: d,
	})
}

// failResult maps a failure of a test whose result the harness was told
// to ignore to an expected failure.
func (c *curlLog) failResult(id string) testrun.Result {
	if _, ok := c.toIgnore[strip0(id)]; ok {
		return testrun.ResultXFail
	}

	return testrun.ResultFail
}

// strip0 removes leading zeros from a numeric test id.
func strip0(n string) string {
	s := strings.TrimLeft(n, "0")
	if s == "" {
		return "0"
	}

	return s
}

// tookDuration converts the harness's "took N.NNNs" value. Negative values
// are a harness bug and become zero.
func tookDuration(secs string) time.Duration {
	f, err := strconv.ParseFloat(secs, 64)
	if err != nil || f < 0 {
		return 0
	}

	return time.Duration(f * float64(time.Second))
}
