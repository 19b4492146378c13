package orchestrator

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

// runProcess starts the spec's command and pumps its merged stdout/stderr
// into sink in chunks as they arrive, so long-running suites produce live
// updates. It returns once the process has exited and the output stream is
// drained.
func runProcess(spec *Spec, inv *Invocation, grace time.Duration, sink func([]byte)) Result {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setPlatformSpecificAttrs(cmd)

	// One pipe carries both streams; frameworks interleave diagnostics on
	// stderr and the parsers are built to tolerate that.
	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{State: StateFailed, ExitCode: -1, Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{State: StateFailed, ExitCode: -1, Err: &SpawnError{Path: spec.Argv[0], Err: err}}
	}
	// The child holds its own copy of the write end.
	pw.Close()

	stopped := make(chan struct{})
	stopOnce := func() {
		terminateProcess(cmd)
		select {
		case <-stopped:
		case <-time.After(grace):
			killProcess(cmd)
		}
	}

	if !inv.markRunning(func() { go stopOnce() }) {
		// Stop raced the start; the process is already up, take it down.
		pr.Close()
		killProcess(cmd)
		_ = cmd.Wait()
		return Result{State: StateKilled, ExitCode: -1}
	}

	// Read until the child (and everything holding the pipe) exits.
	buf := make([]byte, 32*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 && sink != nil {
			sink(buf[:n])
		}
		if err != nil {
			break
		}
	}
	pr.Close()

	waitErr := cmd.Wait()
	close(stopped)

	if inv.isStopped() {
		return Result{State: StateKilled, ExitCode: exitCode(cmd, waitErr)}
	}
	return Result{State: StateCompleted, ExitCode: exitCode(cmd, waitErr), Err: nil}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
