// Package events defines the typed event union exchanged between framework
// adapters, output parsers, the process orchestrator and the test data store.
package events

import "time"

// Status is the outcome of the most recent run of a test.
type Status string

const (
	StatusNotRun  Status = "not_run"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusCrashed Status = "crashed"
	StatusSkipped Status = "skipped"
	StatusStopped Status = "stopped"
)

// RunState is the scheduling state of a test within the current run, as
// opposed to Status which records the outcome of the last completed run.
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateQueued  RunState = "queued"
	RunStateRunning RunState = "running"
)

// Location points at the source of a discovered test. Executable is the
// binary (or script) the test lives in; File/Line are relative to the
// project root when the framework reports them.
type Location struct {
	Executable string `json:"executable,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
}

// DiscoveredTest is one test enumerated by a framework's discovery command.
//
// Path holds the display segments from root to the test (prefix segments,
// fixtures, then the test name). RunID selects the test on the framework's
// command line. ReportID identifies it in run output; it equals RunID unless
// the reporting format cannot carry some characters of RunID, in which case
// the adapter applies a reversible escaping.
type DiscoveredTest struct {
	Path     []string
	RunID    string
	ReportID string
	Location *Location
}

// Event is one element of the ordered stream an invocation produces.
// Exactly one of the pointer fields is set.
type Event struct {
	TestStarted   *TestStarted
	TestOutput    *TestOutput
	TestFinished  *TestFinished
	SuiteStarted  *SuiteStarted
	SuiteFinished *SuiteFinished
}

// TestStarted opens a test. Every TestFinished is preceded by a TestStarted
// for the same report identity within the same invocation.
type TestStarted struct {
	ReportID string
	Time     time.Time
}

// TestOutput attributes a chunk of process output to the currently open test.
type TestOutput struct {
	ReportID string
	Text     string
}

// TestFinished closes a test with its outcome. Message carries the failure
// message or skip reason when the framework provides one.
type TestFinished struct {
	ReportID string
	Status   Status
	Message  string
	Time     time.Time
}

// SuiteStarted and SuiteFinished bracket a reported test suite. The store
// does not persist suites; they exist so parsers can expose the full stream.
type SuiteStarted struct{ Name string }

type SuiteFinished struct{ Name string }

// Sink consumes parser events. Implementations must be safe to call from
// the single goroutine that reads one invocation's output.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
