package parser

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/testdeck-dev/testdeck/internal/events"
)

// GoogleTest console output markers. Names are captured up to the first
// whitespace; the trailing "(N ms)" timing is dropped.
var (
	gtestRun     = regexp.MustCompile(`^\[ RUN      \] (\S+)`)
	gtestOK      = regexp.MustCompile(`^\[       OK \] (\S+)`)
	gtestFailed  = regexp.MustCompile(`^\[  FAILED  \] (\S+)`)
	gtestSkipped = regexp.MustCompile(`^\[  SKIPPED \] (\S+)`)
)

// GTest parses GoogleTest's native console output. The report id is the
// "Suite.Test" name printed on the RUN/OK/FAILED markers. Lines between RUN
// and the closing marker are attributed to the open test; everything else
// (progress banners, interleaved application logs) is ignored.
type GTest struct {
	sink   events.Sink
	logger *slog.Logger
	buf    lineBuffer

	current string
	output  strings.Builder
	closed  bool
}

// NewGTest returns a parser for one invocation's output.
func NewGTest(sink events.Sink, logger *slog.Logger) *GTest {
	return &GTest{sink: sink, logger: logger}
}

func (p *GTest) Feed(chunk []byte) {
	p.buf.feed(chunk, p.line)
}

func (p *GTest) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.buf.flush(p.line)
	if p.current != "" {
		p.sink.Emit(events.Event{TestFinished: &events.TestFinished{
			ReportID: p.current,
			Status:   events.StatusCrashed,
			Message:  strings.TrimSpace(p.output.String()),
			Time:     time.Now(),
		}})
		p.current = ""
	}
}

func (p *GTest) line(raw string) {
	line := stripansi.Strip(raw)

	if m := gtestRun.FindStringSubmatch(line); m != nil {
		if p.current != "" {
			// RUN while a test is open means the framework never closed the
			// previous one. Recover rather than aborting the stream.
			p.logger.Warn("test started while another was open", "open", p.current, "started", m[1])
			p.finish(events.StatusCrashed, "")
		}
		p.current = m[1]
		p.output.Reset()
		p.sink.Emit(events.Event{TestStarted: &events.TestStarted{ReportID: p.current, Time: time.Now()}})
		return
	}

	if m := gtestOK.FindStringSubmatch(line); m != nil && m[1] == p.current {
		p.finish(events.StatusPassed, "")
		return
	}
	if m := gtestSkipped.FindStringSubmatch(line); m != nil && m[1] == p.current {
		p.finish(events.StatusSkipped, "")
		return
	}
	if m := gtestFailed.FindStringSubmatch(line); m != nil {
		if m[1] == p.current {
			p.finish(events.StatusFailed, strings.TrimSpace(p.output.String()))
		}
		// FAILED lines in the end-of-run summary repeat already-closed
		// tests; they name no open test and are skipped.
		return
	}

	if p.current != "" {
		p.output.WriteString(line)
		p.output.WriteString("\n")
		p.sink.Emit(events.Event{TestOutput: &events.TestOutput{ReportID: p.current, Text: line + "\n"}})
	}
}

func (p *GTest) finish(status events.Status, message string) {
	p.sink.Emit(events.Event{TestFinished: &events.TestFinished{
		ReportID: p.current,
		Status:   status,
		Message:  message,
		Time:     time.Now(),
	}})
	p.current = ""
}
