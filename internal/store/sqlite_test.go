package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

func newSQLiteStore(t *testing.T, dataDir string) *Store {
	t.Helper()
	backend, err := OpenSQLite(dataDir)
	require.NoError(t, err)
	s, err := New(backend, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s
}

// Persisting a tree and reloading yields an identical leaf set and identical
// derived group statuses.
func TestSQLite_RoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	s := newSQLiteStore(t, dataDir)

	discovered := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	s.RegisterDiscovery("suite1", discoveredFixture(), suite.StaleFlag, discovered)

	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	sel := []RunRef{{RunID: "A.Test1"}, {RunID: "A.Test2"}}
	token := s.BeginRun("suite1", sel)
	s.NotifyTestStarted("suite1", "A.Test1", now)
	s.NotifyTestFinished("suite1", "A.Test1", events.StatusPassed, "", now)
	s.NotifyTestStarted("suite1", "A.Test2", now)
	s.NotifyTestFinished("suite1", "A.Test2", events.StatusFailed, "assertion failed", now)
	s.FinishRun("suite1", sel, token, false, now)

	before, _, err := s.Query(nil, 0, SortByName)
	require.NoError(t, err)
	beforeLeaves := s.Leaves(nil)
	require.NoError(t, s.Close())

	// A fresh store over the same database sees the same state.
	reloaded := newSQLiteStore(t, dataDir)
	defer reloaded.Close()

	after, _, err := reloaded.Query(nil, 0, SortByName)
	require.NoError(t, err)
	assert.Equal(t, before.LastStatus, after.LastStatus)
	require.Len(t, after.Children, len(before.Children))
	for i := range before.Children {
		assert.Equal(t, before.Children[i].FullName, after.Children[i].FullName)
		assert.Equal(t, before.Children[i].LastStatus, after.Children[i].LastStatus)
	}

	afterLeaves := reloaded.Leaves(nil)
	assert.Len(t, afterLeaves, len(beforeLeaves))

	test2, ok := reloaded.Find("suite1", "A.Test2")
	require.True(t, ok)
	assert.Equal(t, events.StatusFailed, test2.LastStatus)
	assert.Equal(t, "assertion failed", test2.LastMessage)
	require.NotNil(t, test2.LastRun)
	assert.True(t, test2.LastRun.Equal(now))
	require.NotNil(t, test2.Location)
	assert.Equal(t, "a.cc", test2.Location.File)
	assert.Equal(t, 20, test2.Location.Line)
	// Nothing is running right after a restart.
	assert.Equal(t, events.RunStateIdle, test2.RunState)

	at, ok := reloaded.LastDiscovery("suite1")
	require.True(t, ok)
	assert.True(t, at.Equal(discovered))
}

func TestSQLite_StaleFlagSurvivesReload(t *testing.T) {
	dataDir := t.TempDir()
	s := newSQLiteStore(t, dataDir)

	s.RegisterDiscovery("suite1", discoveredFixture(), suite.StaleFlag, time.Now())
	s.RegisterDiscovery("suite1", []events.DiscoveredTest{
		{Path: []string{"A", "Test1"}, RunID: "A.Test1"},
	}, suite.StaleFlag, time.Now())
	require.NoError(t, s.Close())

	reloaded := newSQLiteStore(t, dataDir)
	defer reloaded.Close()

	test2, ok := reloaded.Find("suite1", "A.Test2")
	require.True(t, ok)
	assert.True(t, test2.Stale)
	assert.Equal(t, -1, test2.DiscoveryID)
}

func TestSQLite_DeleteRemovesRow(t *testing.T) {
	dataDir := t.TempDir()
	s := newSQLiteStore(t, dataDir)

	s.RegisterDiscovery("suite1", discoveredFixture(), suite.StaleFlag, time.Now())
	s.RegisterDiscovery("suite1", []events.DiscoveredTest{
		{Path: []string{"A", "Test1"}, RunID: "A.Test1"},
	}, suite.StaleDelete, time.Now())
	require.NoError(t, s.Close())

	reloaded := newSQLiteStore(t, dataDir)
	defer reloaded.Close()

	assert.Len(t, reloaded.Leaves(nil), 1)
	_, ok := reloaded.Find("suite1", "A.Test2")
	assert.False(t, ok)
}
