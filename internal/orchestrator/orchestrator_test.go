//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(o.Shutdown)
	return o
}

func shell(script string) []string { return []string{"/bin/sh", "-c", script} }

func TestLaunch_StreamsOutputAndCompletes(t *testing.T) {
	o := newTestOrchestrator(t)

	var mu sync.Mutex
	var out strings.Builder
	inv, err := o.Launch(Spec{
		SuiteID: "s1",
		Kind:    KindRun,
		Argv:    shell("printf 'one\ntwo\n'; printf 'three\n' >&2"),
		OnOutput: func(chunk []byte) {
			mu.Lock()
			out.Write(chunk)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	res := inv.Wait()
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 0, res.ExitCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, out.String(), "one\ntwo\n")
	assert.Contains(t, out.String(), "three\n", "stderr is merged into the stream")
}

func TestLaunch_NonZeroExitIsStillCompleted(t *testing.T) {
	o := newTestOrchestrator(t)

	inv, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("exit 3")})
	require.NoError(t, err)

	res := inv.Wait()
	assert.Equal(t, StateCompleted, res.State, "exit code alone does not make an invocation Failed")
	assert.Equal(t, 3, res.ExitCode)
}

func TestLaunch_SpawnErrorMarksFailed(t *testing.T) {
	o := newTestOrchestrator(t)

	inv, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: []string{"/no/such/binary"}})
	require.NoError(t, err, "spawn errors surface through the invocation, not Launch")

	res := inv.Wait()
	assert.Equal(t, StateFailed, res.State)
	var spawnErr *SpawnError
	require.True(t, errors.As(res.Err, &spawnErr))
	assert.Equal(t, "/no/such/binary", spawnErr.Path)
}

func TestLaunch_SameLaneIsSerialized(t *testing.T) {
	o := newTestOrchestrator(t)
	marker := filepath.Join(t.TempDir(), "first-done")

	first, err := o.Launch(Spec{
		SuiteID: "s1", Kind: KindRun,
		Argv: shell("sleep 0.2; touch " + marker),
	})
	require.NoError(t, err)

	// The second invocation sees the marker only if it ran after the first.
	var sawMarker bool
	second, err := o.Launch(Spec{
		SuiteID: "s1", Kind: KindRun,
		Argv: shell("test -f " + marker),
		OnExit: func(res Result) {
			sawMarker = res.ExitCode == 0
		},
	})
	require.NoError(t, err)

	first.Wait()
	second.Wait()
	assert.True(t, sawMarker, "same suite+kind must queue, not run in parallel")
}

func TestLaunch_DifferentSuitesRunConcurrently(t *testing.T) {
	o := newTestOrchestrator(t)

	start := time.Now()
	a, err := o.Launch(Spec{SuiteID: "a", Kind: KindRun, Argv: shell("sleep 0.3")})
	require.NoError(t, err)
	b, err := o.Launch(Spec{SuiteID: "b", Kind: KindRun, Argv: shell("sleep 0.3")})
	require.NoError(t, err)

	a.Wait()
	b.Wait()
	assert.Less(t, time.Since(start), 550*time.Millisecond, "suite b must not wait for suite a")
}

func TestLaunch_DiscoveryAndRunLanesAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t)

	start := time.Now()
	run, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("sleep 0.3")})
	require.NoError(t, err)
	disc, err := o.Launch(Spec{SuiteID: "s1", Kind: KindDiscovery, Argv: shell("sleep 0.3")})
	require.NoError(t, err)

	run.Wait()
	disc.Wait()
	assert.Less(t, time.Since(start), 550*time.Millisecond)
}

func TestStop_KillsRunningInvocation(t *testing.T) {
	o := newTestOrchestrator(t, WithStopGrace(200*time.Millisecond))

	inv, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("sleep 30")})
	require.NoError(t, err)

	// Give it a moment to start, then stop it.
	time.Sleep(100 * time.Millisecond)
	done := make(chan Result, 1)
	go func() { done <- inv.Wait() }()
	inv.Stop()

	select {
	case res := <-done:
		assert.Equal(t, StateKilled, res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not terminate the invocation")
	}
}

func TestStop_PendingInvocationNeverRuns(t *testing.T) {
	o := newTestOrchestrator(t, WithStopGrace(200*time.Millisecond))
	marker := filepath.Join(t.TempDir(), "ran")

	blocker, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("sleep 0.3")})
	require.NoError(t, err)
	queued, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("touch " + marker)})
	require.NoError(t, err)

	queued.Stop()
	blocker.Wait()
	res := queued.Wait()

	assert.Equal(t, StateKilled, res.State)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "stopped pending invocation must not execute")
}

func TestStop_IsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)

	inv, err := o.Launch(Spec{SuiteID: "s1", Kind: KindRun, Argv: shell("true")})
	require.NoError(t, err)
	res := inv.Wait()
	require.Equal(t, StateCompleted, res.State)

	// Stopping a completed invocation changes nothing.
	inv.Stop()
	inv.Stop()
	assert.Equal(t, StateCompleted, inv.State())
}

func TestRunCapture_ReturnsOutput(t *testing.T) {
	o := newTestOrchestrator(t)

	out, code, err := o.RunCapture(context.Background(), "s1", shell("printf hello; exit 0"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", out)
}

func TestRunCapture_ContextCancellation(t *testing.T) {
	o := newTestOrchestrator(t, WithStopGrace(200*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, _, err := o.RunCapture(ctx, "s1", shell("sleep 30"), "", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnExit_RunsBeforeWaitReturns(t *testing.T) {
	o := newTestOrchestrator(t)

	exited := false
	inv, err := o.Launch(Spec{
		SuiteID: "s1", Kind: KindRun,
		Argv:   shell("true"),
		OnExit: func(Result) { exited = true },
	})
	require.NoError(t, err)

	inv.Wait()
	assert.True(t, exited)
}
