// Package manager wires suites, adapters, the orchestrator and the store
// into the command surface the presentation layer consumes: discover, run,
// stop, clear, query. Commands are acknowledged synchronously and complete
// asynchronously; progress is observed by polling the store revision.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/framework"
	"github.com/testdeck-dev/testdeck/internal/orchestrator"
	"github.com/testdeck-dev/testdeck/internal/store"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

// Manager owns one project's test explorer core.
type Manager struct {
	logger *slog.Logger
	store  *store.Store
	orch   *orchestrator.Orchestrator

	suites   map[string]*suiteState
	suiteIDs []string

	mu sync.Mutex
}

type suiteState struct {
	cfg     *suite.Config
	adapter framework.Adapter

	// lastErr is the most recent suite-level failure (spawn or discovery
	// error); surfaced to the presentation layer, cleared on success.
	lastErr error
}

// New builds a manager over validated project configuration. A suite whose
// adapter cannot be constructed disables the whole load: configuration
// errors surface immediately rather than at run time.
func New(project *suite.Project, st *store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger,
		store:  st,
		orch:   orch,
		suites: make(map[string]*suiteState, len(project.Suites)),
	}
	for _, cfg := range project.Suites {
		adapter, err := framework.New(cfg)
		if err != nil {
			return nil, err
		}
		m.suites[cfg.ID] = &suiteState{cfg: cfg, adapter: adapter}
		m.suiteIDs = append(m.suiteIDs, cfg.ID)
	}
	return m, nil
}

// Suites lists the configured suite ids, sorted.
func (m *Manager) Suites() []string {
	return append([]string(nil), m.suiteIDs...)
}

// SuiteError returns the suite's most recent suite-level failure, if any.
func (m *Manager) SuiteError(suiteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.suites[suiteID]; ok {
		return s.lastErr
	}
	return nil
}

func (m *Manager) setSuiteError(suiteID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.suites[suiteID]; ok {
		s.lastErr = err
	}
}

// Revision exposes the store's mutation counter for cheap change polling.
func (m *Manager) Revision() uint64 { return m.store.Revision() }

// Query materializes a subtree view; see store.Query.
func (m *Manager) Query(path []string, maxDepth int, sortKey store.SortKey) (*store.Node, uint64, error) {
	return m.store.Query(path, maxDepth, sortKey)
}

// Output returns the captured output of a test's most recent run.
func (m *Manager) Output(suiteID, runID string) string {
	return m.store.Output(suiteID, runID)
}

// Discover re-enumerates the named suites (all when empty) and merges the
// results into the store. Suites discover concurrently with each other; it
// returns once every requested discovery completed, with the first error.
func (m *Manager) Discover(ctx context.Context, suiteIDs []string) error {
	states, err := m.selectSuites(suiteIDs)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, s := range states {
		g.Go(func() error {
			tests, err := s.adapter.Discover(ctx, m.orch)
			if err != nil {
				m.setSuiteError(s.cfg.ID, err)
				m.logger.Error("discovery failed", "suite", s.cfg.ID, "error", err)
				return fmt.Errorf("suite %q: %w", s.cfg.ID, err)
			}
			m.setSuiteError(s.cfg.ID, nil)
			m.store.RegisterDiscovery(s.cfg.ID, tests, s.cfg.StalePolicy, time.Now())
			m.logger.Info("discovery finished", "suite", s.cfg.ID, "tests", len(tests))
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) selectSuites(suiteIDs []string) ([]*suiteState, error) {
	if len(suiteIDs) == 0 {
		suiteIDs = m.suiteIDs
	}
	states := make([]*suiteState, 0, len(suiteIDs))
	for _, id := range suiteIDs {
		s, ok := m.suites[id]
		if !ok {
			return nil, fmt.Errorf("unknown suite %q", id)
		}
		states = append(states, s)
	}
	return states, nil
}

// RunHandle tracks the invocations of one run request.
type RunHandle struct {
	invocations []*orchestrator.Invocation
}

// Wait blocks until every invocation of the request reached a terminal
// state and returns the number that did not complete normally.
func (h *RunHandle) Wait() int {
	failed := 0
	for _, inv := range h.invocations {
		if res := inv.Wait(); res.State != orchestrator.StateCompleted {
			failed++
		}
	}
	return failed
}

// Stop cancels this request's invocations only, leaving other runs alone.
func (h *RunHandle) Stop() {
	for _, inv := range h.invocations {
		inv.Stop()
	}
}

// Empty reports whether the selection resolved to nothing runnable.
func (h *RunHandle) Empty() bool { return len(h.invocations) == 0 }

// Run executes the tests under the given full-name paths (all tests when
// empty). The selection is grouped per suite by each framework's batching
// unit, queued as queued-state tests in the store, and launched. The call
// acknowledges; completion is observed via the revision counter or Wait.
func (m *Manager) Run(paths [][]string) (*RunHandle, error) {
	return m.launchSelection(m.resolveSelection(paths))
}

// TestID names one test by its durable identity.
type TestID struct {
	FrameworkID string
	RunID       string
}

// RunTests executes an exact set of tests named by identity rather than by
// tree path.
func (m *Manager) RunTests(ids []TestID) (*RunHandle, error) {
	selected := make(map[string]map[string][]framework.TestRef)
	for _, id := range ids {
		leaf, ok := m.store.Find(id.FrameworkID, id.RunID)
		if !ok {
			return nil, fmt.Errorf("unknown test %q in suite %q", id.RunID, id.FrameworkID)
		}
		if leaf.Stale {
			m.logger.Debug("skipping stale test", "suite", leaf.FrameworkID, "run_id", leaf.RunID)
			continue
		}
		groupKey := ""
		if leaf.Location != nil {
			groupKey = leaf.Location.Executable
		}
		if selected[leaf.FrameworkID] == nil {
			selected[leaf.FrameworkID] = make(map[string][]framework.TestRef)
		}
		selected[leaf.FrameworkID][groupKey] = append(selected[leaf.FrameworkID][groupKey],
			framework.TestRef{RunID: leaf.RunID, ReportID: leaf.ReportID})
	}
	return m.launchSelection(selected)
}

func (m *Manager) launchSelection(selected map[string]map[string][]framework.TestRef) (*RunHandle, error) {
	if len(selected) == 0 {
		return &RunHandle{}, nil
	}

	handle := &RunHandle{}
	for _, suiteID := range sortedKeys(selected) {
		s, ok := m.suites[suiteID]
		if !ok {
			return nil, fmt.Errorf("unknown suite %q", suiteID)
		}
		groups := selected[suiteID]

		commands, err := s.adapter.RunCommands(groups)
		if err != nil {
			return nil, fmt.Errorf("suite %q: %w", suiteID, err)
		}

		for _, cmd := range commands {
			inv, err := m.launchRun(s, cmd)
			if err != nil {
				return nil, fmt.Errorf("suite %q: %w", suiteID, err)
			}
			handle.invocations = append(handle.invocations, inv)
		}
	}
	return handle, nil
}

// resolveSelection maps full-name paths to concrete tests, grouped by suite
// and batching key. Stale tests are skipped: their framework no longer
// reports them, so there is nothing to select on a command line.
func (m *Manager) resolveSelection(paths [][]string) map[string]map[string][]framework.TestRef {
	if len(paths) == 0 {
		paths = [][]string{nil}
	}

	type identity struct{ suiteID, runID string }
	seen := make(map[identity]bool)
	selected := make(map[string]map[string][]framework.TestRef)

	for _, path := range paths {
		for _, leaf := range m.store.Leaves(path) {
			if leaf.Stale {
				m.logger.Debug("skipping stale test", "suite", leaf.FrameworkID, "run_id", leaf.RunID)
				continue
			}
			if _, ok := m.suites[leaf.FrameworkID]; !ok {
				m.logger.Warn("stored test belongs to an unconfigured suite", "suite", leaf.FrameworkID, "run_id", leaf.RunID)
				continue
			}
			id := identity{leaf.FrameworkID, leaf.RunID}
			if seen[id] {
				continue
			}
			seen[id] = true

			groupKey := ""
			if leaf.Location != nil {
				groupKey = leaf.Location.Executable
			}
			if selected[leaf.FrameworkID] == nil {
				selected[leaf.FrameworkID] = make(map[string][]framework.TestRef)
			}
			selected[leaf.FrameworkID][groupKey] = append(selected[leaf.FrameworkID][groupKey],
				framework.TestRef{RunID: leaf.RunID, ReportID: leaf.ReportID})
		}
	}
	return selected
}

func (m *Manager) launchRun(s *suiteState, cmd framework.RunCommand) (*orchestrator.Invocation, error) {
	refs := make([]store.RunRef, len(cmd.Tests))
	for i, ref := range cmd.Tests {
		refs[i] = store.RunRef{RunID: ref.RunID, ReportID: ref.ReportID}
	}

	suiteID := s.cfg.ID
	p := s.adapter.NewRunParser(m.storeSink(suiteID), m.logger)

	token := m.store.BeginRun(suiteID, refs)

	inv, err := m.orch.Launch(orchestrator.Spec{
		SuiteID:  suiteID,
		Kind:     orchestrator.KindRun,
		Argv:     cmd.Argv,
		Dir:      s.cfg.Workdir(),
		Env:      s.cfg.Environ(),
		OnOutput: p.Feed,
		OnExit: func(res orchestrator.Result) {
			cancelled := res.State == orchestrator.StateKilled
			// Flush first: an open test at process exit becomes crashed
			// through the parser before the store reconciles the rest.
			// A cancelled run skips the flush so the open test reads
			// stopped, not crashed.
			if !cancelled {
				p.Close()
			}
			m.store.FinishRun(suiteID, refs, token, cancelled, time.Now())
			if res.Err != nil {
				m.setSuiteError(suiteID, res.Err)
				m.logger.Error("run invocation failed", "suite", suiteID, "error", res.Err)
			} else {
				m.setSuiteError(suiteID, nil)
			}
		},
	})
	if err != nil {
		m.store.FinishRun(suiteID, refs, token, false, time.Now())
		return nil, err
	}
	return inv, nil
}

// storeSink forwards parser events into the store in emission order.
func (m *Manager) storeSink(suiteID string) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		switch {
		case e.TestStarted != nil:
			m.store.NotifyTestStarted(suiteID, e.TestStarted.ReportID, e.TestStarted.Time)
		case e.TestOutput != nil:
			m.store.NotifyTestOutput(suiteID, e.TestOutput.ReportID, e.TestOutput.Text)
		case e.TestFinished != nil:
			m.store.NotifyTestFinished(suiteID, e.TestFinished.ReportID, e.TestFinished.Status, e.TestFinished.Message, e.TestFinished.Time)
		}
	})
}

// Stop cancels every queued and running invocation. Tests that were queued
// or running end up stopped, never stuck.
func (m *Manager) Stop() {
	m.orch.StopAll()
}

// ClearResults resets run history under each given path; with no paths the
// whole tree is cleared.
func (m *Manager) ClearResults(paths [][]string) {
	if len(paths) == 0 {
		m.store.ClearResults(nil)
		return
	}
	for _, path := range paths {
		m.store.ClearResults(path)
	}
}

// Busy reports whether any invocation is still queued or running.
func (m *Manager) Busy() bool {
	return len(m.orch.Live()) > 0
}

// SplitPath turns a '/'-joined full name into path segments.
func SplitPath(fullName string) []string {
	trimmed := strings.Trim(fullName, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
