package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testdeck-dev/testdeck/internal/events"
)

const gtestOutput = `[==========] Running 3 tests from 2 test suites.
[----------] Global test environment set-up.
[----------] 2 tests from A
[ RUN      ] A.Test1
hello from test one
[       OK ] A.Test1 (0 ms)
[ RUN      ] A.Test2
expectation failed: 1 != 2
[  FAILED  ] A.Test2 (1 ms)
[----------] 1 test from B
[ RUN      ] B.Test3
[  SKIPPED ] B.Test3 (0 ms)
[----------] Global test environment tear-down
[==========] 3 tests from 2 test suites ran. (2 ms total)
[  PASSED  ] 1 test.
[  FAILED  ] 1 test, listed below:
[  FAILED  ] A.Test2

 1 FAILED TEST
`

func TestGTest_FullRun(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	p.Feed([]byte(gtestOutput))
	p.Close()

	var started, finished []string
	statuses := map[string]events.Status{}
	for _, e := range sink.events {
		switch {
		case e.TestStarted != nil:
			started = append(started, e.TestStarted.ReportID)
		case e.TestFinished != nil:
			finished = append(finished, e.TestFinished.ReportID)
			statuses[e.TestFinished.ReportID] = e.TestFinished.Status
		}
	}

	assert.Equal(t, []string{"A.Test1", "A.Test2", "B.Test3"}, started)
	// The summary repeats FAILED lines for closed tests; they must not
	// produce extra finish events.
	assert.Equal(t, []string{"A.Test1", "A.Test2", "B.Test3"}, finished)
	assert.Equal(t, events.StatusPassed, statuses["A.Test1"])
	assert.Equal(t, events.StatusFailed, statuses["A.Test2"])
	assert.Equal(t, events.StatusSkipped, statuses["B.Test3"])
}

func TestGTest_OutputAttribution(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	p.Feed([]byte(gtestOutput))
	p.Close()

	var chunks []string
	for _, e := range sink.events {
		if e.TestOutput != nil && e.TestOutput.ReportID == "A.Test1" {
			chunks = append(chunks, e.TestOutput.Text)
		}
	}
	require.Equal(t, []string{"hello from test one\n"}, chunks)
}

func TestGTest_FailureMessage(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	p.Feed([]byte(gtestOutput))
	p.Close()

	for _, e := range sink.events {
		if e.TestFinished != nil && e.TestFinished.ReportID == "A.Test2" {
			assert.Equal(t, "expectation failed: 1 != 2", e.TestFinished.Message)
			return
		}
	}
	t.Fatal("no finish event for A.Test2")
}

func TestGTest_CrashMidTest(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	p.Feed([]byte("[ RUN      ] A.Crashy\nsegfault incoming"))
	p.Close()

	require.Len(t, sink.events, 2)
	fin := sink.events[1].TestFinished
	require.NotNil(t, fin)
	assert.Equal(t, "A.Crashy", fin.ReportID)
	assert.Equal(t, events.StatusCrashed, fin.Status)
}

func TestGTest_AnsiColorsStripped(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	p.Feed([]byte("\x1b[0;32m[ RUN      ] \x1b[mA.Colored\n\x1b[0;32m[       OK ] \x1b[mA.Colored (0 ms)\n"))
	p.Close()

	require.Len(t, sink.events, 2)
	assert.Equal(t, "A.Colored", sink.events[0].TestStarted.ReportID)
	assert.Equal(t, events.StatusPassed, sink.events[1].TestFinished.Status)
}

func TestGTest_ChunkedFeeding(t *testing.T) {
	sink := &capturingSink{}
	p := NewGTest(sink, discard())
	for i := 0; i < len(gtestOutput); i += 11 {
		end := i + 11
		if end > len(gtestOutput) {
			end = len(gtestOutput)
		}
		p.Feed([]byte(gtestOutput[i:end]))
	}
	p.Close()

	var finished int
	for _, e := range sink.events {
		if e.TestFinished != nil {
			finished++
		}
	}
	assert.Equal(t, 3, finished)
}
