// Package orchestrator launches framework invocations as child processes,
// streams their output to parsers without blocking other suites, and
// serializes invocations per suite lane.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultStopGrace is how long a terminated process gets to shut down
// before it is forcibly killed.
const DefaultStopGrace = 2 * time.Second

// Spec describes one invocation to launch.
type Spec struct {
	SuiteID string
	Kind    Kind
	Argv    []string
	Dir     string
	Env     []string

	// OnOutput receives raw output chunks in arrival order, from the single
	// goroutine driving this invocation. Feed a parser here.
	OnOutput func(chunk []byte)

	// OnExit runs after the output stream is drained, before the invocation
	// is marked terminal, on the same goroutine as OnOutput.
	OnExit func(res Result)
}

type laneKey struct {
	suiteID string
	kind    Kind
}

type job struct {
	spec Spec
	inv  *Invocation
}

// Orchestrator owns every child process. Suites run fully concurrently with
// each other; within one suite each lane (discovery, run) executes at most
// one invocation at a time and queues the rest. A global semaphore bounds
// the total number of live processes.
type Orchestrator struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
	grace  time.Duration

	mu     sync.Mutex
	lanes  map[laneKey]chan job
	live   map[uuid.UUID]*Invocation
	wg     sync.WaitGroup

	// closeMu serializes lane sends against Shutdown closing the lanes.
	closeMu sync.RWMutex
	closed  bool
}

// Option tweaks an Orchestrator.
type Option func(*Orchestrator)

// WithMaxProcesses bounds the number of concurrently live child processes.
// Zero or negative means the number of CPUs.
func WithMaxProcesses(n int) Option {
	return func(o *Orchestrator) {
		if n <= 0 {
			n = runtime.NumCPU()
		}
		o.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithStopGrace overrides the graceful-termination window.
func WithStopGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// New creates an orchestrator.
func New(logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
		grace:  DefaultStopGrace,
		lanes:  make(map[laneKey]chan job),
		live:   make(map[uuid.UUID]*Invocation),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Launch queues an invocation on its suite lane and returns immediately.
// Progress is observed through the spec callbacks and the returned
// invocation's Wait.
func (o *Orchestrator) Launch(spec Spec) (*Invocation, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command for suite %q", spec.SuiteID)
	}

	inv := newInvocation(spec.SuiteID, spec.Kind)

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return nil, fmt.Errorf("orchestrator is shut down")
	}

	o.mu.Lock()
	o.live[inv.ID] = inv
	lane := o.lane(laneKey{spec.SuiteID, spec.Kind})
	o.mu.Unlock()

	o.logger.Debug("queueing invocation",
		"invocation", inv.ID, "suite", spec.SuiteID, "kind", spec.Kind,
		"command", strings.Join(spec.Argv, " "))

	lane <- job{spec: spec, inv: inv}
	return inv, nil
}

// RunCapture launches a command on the suite's discovery lane, waits for it
// and returns its combined output. Discovery commands are short-lived
// enumerations, so a synchronous helper keeps adapters simple.
func (o *Orchestrator) RunCapture(ctx context.Context, suiteID string, argv []string, dir string, env []string) (string, int, error) {
	var out strings.Builder
	inv, err := o.Launch(Spec{
		SuiteID:  suiteID,
		Kind:     KindDiscovery,
		Argv:     argv,
		Dir:      dir,
		Env:      env,
		OnOutput: func(chunk []byte) { out.Write(chunk) },
	})
	if err != nil {
		return "", -1, err
	}

	done := make(chan Result, 1)
	go func() { done <- inv.Wait() }()

	select {
	case <-ctx.Done():
		inv.Stop()
		res := inv.Wait()
		return out.String(), res.ExitCode, ctx.Err()
	case res := <-done:
		if res.Err != nil {
			return out.String(), res.ExitCode, res.Err
		}
		if res.State == StateKilled {
			return out.String(), res.ExitCode, fmt.Errorf("discovery for suite %q was stopped", suiteID)
		}
		return out.String(), res.ExitCode, nil
	}
}

// Stop cancels one invocation. Unknown or already-terminal ids are no-ops.
func (o *Orchestrator) Stop(id uuid.UUID) {
	o.mu.Lock()
	inv := o.live[id]
	o.mu.Unlock()
	if inv != nil {
		inv.Stop()
	}
}

// StopAll cancels every queued and running invocation.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	invocations := make([]*Invocation, 0, len(o.live))
	for _, inv := range o.live {
		invocations = append(invocations, inv)
	}
	o.mu.Unlock()

	for _, inv := range invocations {
		inv.Stop()
	}
}

// Live returns the invocations that have not reached a terminal state.
func (o *Orchestrator) Live() []*Invocation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Invocation, 0, len(o.live))
	for _, inv := range o.live {
		out = append(out, inv)
	}
	return out
}

// Shutdown stops everything and waits for the lane workers to drain.
func (o *Orchestrator) Shutdown() {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return
	}
	o.closed = true
	o.mu.Lock()
	for _, lane := range o.lanes {
		close(lane)
	}
	o.mu.Unlock()
	o.closeMu.Unlock()

	o.StopAll()
	o.wg.Wait()
}

// lane returns (creating if needed) the worker channel for a suite lane.
// Callers hold o.mu.
func (o *Orchestrator) lane(k laneKey) chan job {
	if lane, ok := o.lanes[k]; ok {
		return lane
	}
	lane := make(chan job, 64)
	o.lanes[k] = lane
	o.wg.Add(1)
	go o.drive(k, lane)
	return lane
}

// drive executes one lane's invocations sequentially.
func (o *Orchestrator) drive(k laneKey, lane chan job) {
	defer o.wg.Done()
	for j := range lane {
		o.execute(j)
	}
}

func (o *Orchestrator) execute(j job) {
	defer func() {
		o.mu.Lock()
		delete(o.live, j.inv.ID)
		o.mu.Unlock()
	}()

	if j.inv.isStopped() {
		o.finish(j, Result{State: StateKilled, ExitCode: -1})
		return
	}

	if err := o.sem.Acquire(context.Background(), 1); err != nil {
		o.finish(j, Result{State: StateFailed, ExitCode: -1, Err: err})
		return
	}
	defer o.sem.Release(1)

	if j.inv.isStopped() {
		o.finish(j, Result{State: StateKilled, ExitCode: -1})
		return
	}

	o.logger.Debug("starting invocation", "invocation", j.inv.ID, "suite", j.spec.SuiteID, "kind", j.spec.Kind)
	res := runProcess(&j.spec, j.inv, o.grace, j.spec.OnOutput)
	if res.Err != nil {
		o.logger.Error("invocation failed", "invocation", j.inv.ID, "suite", j.spec.SuiteID, "error", res.Err)
	} else {
		o.logger.Debug("invocation finished", "invocation", j.inv.ID, "suite", j.spec.SuiteID,
			"state", res.State, "exit_code", res.ExitCode)
	}
	o.finish(j, res)
}

func (o *Orchestrator) finish(j job, res Result) {
	if j.spec.OnExit != nil {
		j.spec.OnExit(res)
	}
	j.inv.finish(res)
}
