// Package store holds the test data model: a durable arena of leaf test
// rows merged from discovery and run events, with group views derived on
// read. Groups are never stored; the tree is rebuilt from each leaf's path.
package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/parser"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

// Test is one durable leaf row. (FrameworkID, RunID) is the identity key;
// everything else is replaceable state.
type Test struct {
	FrameworkID string
	RunID       string
	ReportID    string
	Path        []string
	DiscoveryID int
	Location    *events.Location
	LastStatus  events.Status
	RunState    events.RunState
	LastRun     *time.Time
	LastMessage string
	Stale       bool

	// runToken identifies the invocation that last queued this test, so a
	// finished invocation never resets a test requeued by a later one.
	runToken uint64
}

// FullName is the display identity: the '/'-join of the path segments.
func (t *Test) FullName() string { return strings.Join(t.Path, "/") }

type key struct {
	framework string
	runID     string
}

// reportRef is one active report_id -> run_id mapping, tagged with the
// invocation that installed it.
type reportRef struct {
	runID string
	token uint64
}

// Backend persists leaf rows incrementally. Implementations must make each
// call durable on its own; the store never rewrites the full tree.
type Backend interface {
	UpsertTest(t *Test) error
	DeleteTest(frameworkID, runID string) error
	SetLastDiscovery(frameworkID string, at time.Time) error
	Load() ([]*Test, map[string]time.Time, error)
	Close() error
}

// RunRef names one test of a run selection by both of its identities.
type RunRef struct {
	RunID    string
	ReportID string
}

// Store is the single mutable shared resource of the system. All mutations
// are serialized behind one writer lock; readers take versioned snapshots.
type Store struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	backend Backend

	tests         map[key]*Test
	reports       map[key]reportRef // (framework, reportID) -> run identity, for active runs
	outputs       map[key]*strings.Builder
	lastDiscovery map[string]time.Time
	revision      uint64
	runSeq        uint64
}

// New creates a store. backend may be nil for a memory-only store; with a
// backend, previously persisted rows are loaded. Run states reset to idle,
// since nothing is running right after a restart.
func New(backend Backend, logger *slog.Logger) (*Store, error) {
	s := &Store{
		logger:        logger,
		backend:       backend,
		tests:         make(map[key]*Test),
		reports:       make(map[key]reportRef),
		outputs:       make(map[key]*strings.Builder),
		lastDiscovery: make(map[string]time.Time),
	}
	if backend != nil {
		rows, discoveries, err := backend.Load()
		if err != nil {
			return nil, err
		}
		for _, t := range rows {
			t.RunState = events.RunStateIdle
			s.tests[key{t.FrameworkID, t.RunID}] = t
		}
		s.lastDiscovery = discoveries
	}
	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Revision returns the monotonically increasing mutation counter. A poller
// that saw revision V can skip redraws while Revision() == V.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// LastDiscovery reports when the framework's tests were last discovered.
func (s *Store) LastDiscovery(frameworkID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.lastDiscovery[frameworkID]
	return at, ok
}

// RegisterDiscovery merges a discovery result into the arena. Tests already
// known keep their run history; new tests start not-run. Known tests absent
// from this discovery are flagged stale or deleted per policy. A discovered
// path that is a prefix of another leaf's path, or extends one, would put a
// leaf and a group with the same name under one parent; such tests are
// logged and skipped so the tree keeps unique child names.
func (s *Store) RegisterDiscovery(frameworkID string, discovered []events.DiscoveredTest, policy string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[key]bool, len(discovered))
	rank := 0
	for _, d := range discovered {
		k := key{frameworkID, d.RunID}
		if seen[k] {
			s.logger.Warn("duplicate identity in discovery ignored", "framework", frameworkID, "run_id", d.RunID)
			continue
		}
		if other, conflict := s.pathConflict(d.Path, k); conflict {
			s.logger.Warn("discovered test path collides with an existing test, skipped",
				"framework", frameworkID, "run_id", d.RunID, "path", strings.Join(d.Path, "/"), "conflicts_with", other)
			continue
		}
		seen[k] = true
		rank++

		reportID := d.ReportID
		if reportID == "" {
			reportID = d.RunID
		}

		t, ok := s.tests[k]
		if !ok {
			t = &Test{
				FrameworkID: frameworkID,
				RunID:       d.RunID,
				LastStatus:  events.StatusNotRun,
				RunState:    events.RunStateIdle,
			}
			s.tests[k] = t
		}
		t.ReportID = reportID
		t.Path = append([]string(nil), d.Path...)
		t.DiscoveryID = rank
		t.Location = d.Location
		t.Stale = false
		s.persist(t)
	}

	for k, t := range s.tests {
		if k.framework != frameworkID || seen[k] {
			continue
		}
		if policy == suite.StaleDelete {
			delete(s.tests, k)
			delete(s.outputs, k)
			if s.backend != nil {
				if err := s.backend.DeleteTest(k.framework, k.runID); err != nil {
					s.logger.Error("failed to delete stale test", "framework", k.framework, "run_id", k.runID, "error", err)
				}
			}
			continue
		}
		if !t.Stale {
			t.Stale = true
			t.DiscoveryID = -1
			s.persist(t)
		}
	}

	s.lastDiscovery[frameworkID] = at
	if s.backend != nil {
		if err := s.backend.SetLastDiscovery(frameworkID, at); err != nil {
			s.logger.Error("failed to persist discovery time", "framework", frameworkID, "error", err)
		}
	}
	s.revision++
}

// pathConflict reports whether p would collide with another leaf's path:
// equal to it, a prefix of it, or extending it. Any of those puts a leaf
// and a sibling of the same name under one parent. self is excluded so a
// test can re-register at its own path.
func (s *Store) pathConflict(p []string, self key) (string, bool) {
	for k, t := range s.tests {
		if k == self {
			continue
		}
		if hasPrefix(t.Path, p) || hasPrefix(p, t.Path) {
			return t.FullName(), true
		}
	}
	return "", false
}

// BeginRun marks a selection as queued and installs the run_id/report_id
// mapping used to resolve run events. Unknown run ids are logged and
// skipped; a buggy adapter must not corrupt the arena. The returned token
// identifies this invocation and is passed back to FinishRun.
func (s *Store) BeginRun(frameworkID string, selection []RunRef) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runSeq++
	token := s.runSeq
	for _, ref := range selection {
		t, ok := s.tests[key{frameworkID, ref.RunID}]
		if !ok {
			s.logger.Warn("run selection names unknown test", "framework", frameworkID, "run_id", ref.RunID)
			continue
		}
		reportID := ref.ReportID
		if reportID == "" {
			reportID = ref.RunID
		}
		t.RunState = events.RunStateQueued
		t.runToken = token
		s.reports[key{frameworkID, reportID}] = reportRef{runID: ref.RunID, token: token}
		s.outputs[key{frameworkID, ref.RunID}] = &strings.Builder{}
	}
	s.revision++
	return token
}

// resolve maps a report identity to its leaf row. Primary lookup is the
// mapping installed by BeginRun; events for tests the store never queued
// fall back to the report id recorded at discovery.
func (s *Store) resolve(frameworkID, reportID string) *Test {
	if ref, ok := s.reports[key{frameworkID, reportID}]; ok {
		return s.tests[key{frameworkID, ref.runID}]
	}
	if t, ok := s.tests[key{frameworkID, reportID}]; ok {
		return t
	}
	if t, ok := s.tests[key{frameworkID, parser.UnescapeValue(reportID)}]; ok {
		return t
	}
	return nil
}

// NotifyTestStarted transitions a test to running.
func (s *Store) NotifyTestStarted(frameworkID, reportID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.resolve(frameworkID, reportID)
	if t == nil {
		s.logger.Warn("start event for unknown test ignored", "framework", frameworkID, "report_id", reportID)
		return
	}
	t.RunState = events.RunStateRunning
	s.revision++
}

// NotifyTestOutput appends an output chunk to the test's captured output.
func (s *Store) NotifyTestOutput(frameworkID, reportID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.resolve(frameworkID, reportID)
	if t == nil {
		return
	}
	k := key{t.FrameworkID, t.RunID}
	buf, ok := s.outputs[k]
	if !ok {
		buf = &strings.Builder{}
		s.outputs[k] = buf
	}
	buf.WriteString(text)
	s.revision++
}

// NotifyTestFinished records a test outcome. Duplicate or out-of-order
// finish events are idempotent: last write wins, nothing double-counts.
func (s *Store) NotifyTestFinished(frameworkID, reportID string, status events.Status, message string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.resolve(frameworkID, reportID)
	if t == nil {
		s.logger.Warn("finish event for unknown test ignored", "framework", frameworkID, "report_id", reportID)
		return
	}
	t.LastStatus = status
	t.LastMessage = message
	t.RunState = events.RunStateIdle
	at = at.UTC()
	t.LastRun = &at
	s.persist(t)
	s.revision++
}

// FinishRun reconciles a completed invocation. Tests still running when the
// process exited are crashed (stopped if the run was cancelled); queued
// tests return to idle, keeping their last status, unless the run was
// cancelled, in which case they are stopped too. The report mapping for the
// selection is dropped. token must be the value BeginRun returned for this
// invocation; tests and mappings requeued by a later invocation are left
// untouched.
func (s *Store) FinishRun(frameworkID string, selection []RunRef, token uint64, cancelled bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	for _, ref := range selection {
		k := key{frameworkID, ref.RunID}
		reportID := ref.ReportID
		if reportID == "" {
			reportID = ref.RunID
		}
		rk := key{frameworkID, reportID}
		if r, ok := s.reports[rk]; ok && r.token == token {
			delete(s.reports, rk)
		}

		t, ok := s.tests[k]
		if !ok || t.runToken != token {
			continue
		}
		t.runToken = 0
		switch t.RunState {
		case events.RunStateRunning:
			if cancelled {
				t.LastStatus = events.StatusStopped
			} else {
				t.LastStatus = events.StatusCrashed
			}
			lastRun := at
			t.LastRun = &lastRun
			t.RunState = events.RunStateIdle
			s.persist(t)
		case events.RunStateQueued:
			if cancelled {
				t.LastStatus = events.StatusStopped
				s.persist(t)
			}
			t.RunState = events.RunStateIdle
		}
	}
	s.revision++
}

// ClearResults resets run history for every leaf under path (nil or empty
// clears everything) and prunes stale rows in the cleared range.
func (s *Store) ClearResults(path []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.tests {
		if !hasPrefix(t.Path, path) {
			continue
		}
		if t.Stale {
			delete(s.tests, k)
			delete(s.outputs, k)
			if s.backend != nil {
				if err := s.backend.DeleteTest(k.framework, k.runID); err != nil {
					s.logger.Error("failed to delete stale test", "framework", k.framework, "run_id", k.runID, "error", err)
				}
			}
			continue
		}
		t.LastStatus = events.StatusNotRun
		t.LastRun = nil
		t.LastMessage = ""
		delete(s.outputs, k)
		s.persist(t)
	}
	s.revision++
}

// Output returns the captured output of the test's most recent run.
func (s *Store) Output(frameworkID, runID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if buf, ok := s.outputs[key{frameworkID, runID}]; ok {
		return buf.String()
	}
	return ""
}

// Find returns a copy of the leaf with the given identity.
func (s *Store) Find(frameworkID, runID string) (Test, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[key{frameworkID, runID}]
	if !ok {
		return Test{}, false
	}
	return *t, true
}

// Leaves returns copies of all leaves under path, in unspecified order.
func (s *Store) Leaves(path []string) []Test {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Test
	for _, t := range s.tests {
		if hasPrefix(t.Path, path) {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) persist(t *Test) {
	if s.backend == nil {
		return
	}
	if err := s.backend.UpsertTest(t); err != nil {
		s.logger.Error("failed to persist test", "framework", t.FrameworkID, "run_id", t.RunID, "error", err)
	}
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}
