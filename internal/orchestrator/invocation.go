package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind separates the two invocation lanes a suite owns. A framework process
// often cannot run concurrently with itself (shared build artifacts, shared
// report files), so each lane runs at most one process at a time.
type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindRun       Kind = "run"
)

// State is the lifecycle of one invocation.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateKilled    State = "killed"
	StateFailed    State = "failed"
)

// SpawnError reports a process that could not be started at all (executable
// missing or not executable). No test outcomes are affected; the invocation
// is marked Failed and surfaced as a suite-level error.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Result is the terminal outcome of an invocation.
type Result struct {
	State    State
	ExitCode int
	Err      error
}

// Invocation tracks one queued or running framework process.
type Invocation struct {
	ID      uuid.UUID
	SuiteID string
	Kind    Kind

	mu       sync.Mutex
	state    State
	stopped  bool
	stopProc func() // set while the process is running
	result   Result
	done     chan struct{}
}

func newInvocation(suiteID string, kind Kind) *Invocation {
	return &Invocation{
		ID:      uuid.New(),
		SuiteID: suiteID,
		Kind:    kind,
		state:   StatePending,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Stop requests cancellation. Stopping a pending invocation prevents it from
// starting; stopping a running one terminates the child process (graceful
// signal first, forced kill after a grace period). Stopping an invocation
// that already finished is a no-op.
func (inv *Invocation) Stop() {
	inv.mu.Lock()
	if inv.stopped || inv.state == StateCompleted || inv.state == StateFailed || inv.state == StateKilled {
		inv.mu.Unlock()
		return
	}
	inv.stopped = true
	stop := inv.stopProc
	inv.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Wait blocks until the invocation reaches a terminal state.
func (inv *Invocation) Wait() Result {
	<-inv.done
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.result
}

func (inv *Invocation) isStopped() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stopped
}

func (inv *Invocation) markRunning(stop func()) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stopped {
		return false
	}
	inv.state = StateRunning
	inv.stopProc = stop
	return true
}

func (inv *Invocation) finish(res Result) {
	inv.mu.Lock()
	inv.state = res.State
	inv.result = res
	inv.stopProc = nil
	inv.mu.Unlock()
	close(inv.done)
}
