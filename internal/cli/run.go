package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/manager"
	"github.com/testdeck-dev/testdeck/internal/orchestrator"
)

// RunFlags holds the flags for the run command
type RunFlags struct {
	Jobs     int
	Discover bool
}

// NewRunCmd creates a new run command
func NewRunCmd() *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run [path...]",
		Short: "Run tests and record their results",
		Long: `Run every test under the given paths (the whole tree when none are given)
and record the results. Suites run concurrently; interrupting with Ctrl-C
stops the remaining tests, which keep a "stopped" status.

Examples:
  # Run everything
  testdeck run

  # Run one suite and a single test
  testdeck run unit integration/api/login

  # Re-discover first, then run
  testdeck run --discover`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags, args)
		},
	}

	cmd.Flags().IntVarP(&flags.Jobs, "jobs", "j", 0, "Maximum concurrent test processes (0 = number of CPUs)")
	cmd.Flags().BoolVar(&flags.Discover, "discover", false, "Re-discover the selected suites before running")

	return cmd
}

func runRun(cmd *cobra.Command, flags *RunFlags, args []string) error {
	s, err := openSession(cmd, orchestrator.WithMaxProcesses(flags.Jobs))
	if err != nil {
		return err
	}
	defer s.Close()

	if flags.Discover {
		if err := s.manager.Discover(cmd.Context(), nil); err != nil {
			return err
		}
	}

	paths := make([][]string, 0, len(args))
	for _, arg := range args {
		paths = append(paths, manager.SplitPath(arg))
	}

	handle, err := s.manager.Run(paths)
	if err != nil {
		return err
	}
	if handle.Empty() {
		fmt.Println("Nothing to run. Run 'testdeck discover' first or widen the selection.")
		return nil
	}

	// Ctrl-C stops the run instead of abandoning child processes.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	done := make(chan struct{})
	go func() {
		handle.Wait()
		close(done)
	}()

	interrupted := false
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastRev uint64
wait:
	for {
		select {
		case <-done:
			break wait
		case <-interrupts:
			if interrupted {
				// Second interrupt: give up waiting.
				return fmt.Errorf("aborted")
			}
			interrupted = true
			fmt.Println("\nStopping tests...")
			s.manager.Stop()
		case <-ticker.C:
			if rev := s.manager.Revision(); rev != lastRev {
				lastRev = rev
				Logger.Debug("progress", "revision", rev)
			}
		}
	}

	return printRunSummary(s, paths, interrupted)
}

func printRunSummary(s *session, paths [][]string, interrupted bool) error {
	counts := make(map[events.Status]int)
	total := 0
	if len(paths) == 0 {
		paths = [][]string{nil}
	}
	seen := make(map[string]bool)
	for _, path := range paths {
		for _, leaf := range s.store.Leaves(path) {
			// Stale tests were skipped by the run; their old status is
			// history, not part of this run's outcome.
			if leaf.Stale {
				continue
			}
			id := leaf.FrameworkID + "\x00" + leaf.RunID
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[leaf.LastStatus]++
			total++
		}
	}

	fmt.Println()
	fmt.Printf("%s Passed: %d\n", color.GreenString("✓"), counts[events.StatusPassed])
	fmt.Printf("%s Failed: %d\n", color.RedString("✗"), counts[events.StatusFailed])
	if counts[events.StatusCrashed] > 0 {
		fmt.Printf("%s Crashed: %d\n", color.RedString("⚠"), counts[events.StatusCrashed])
	}
	if counts[events.StatusSkipped] > 0 {
		fmt.Printf("%s Skipped: %d\n", color.YellowString("⊝"), counts[events.StatusSkipped])
	}
	if counts[events.StatusStopped] > 0 {
		fmt.Printf("%s Stopped: %d\n", color.YellowString("◼"), counts[events.StatusStopped])
	}
	fmt.Printf("Total: %d\n", total)

	for _, suiteID := range s.manager.Suites() {
		if err := s.manager.SuiteError(suiteID); err != nil {
			fmt.Printf("%s Suite %q: %v\n", color.RedString("⚠"), suiteID, err)
		}
	}

	if interrupted {
		return fmt.Errorf("run stopped")
	}
	if failed := counts[events.StatusFailed] + counts[events.StatusCrashed]; failed > 0 {
		return fmt.Errorf("%d test(s) failed", failed)
	}
	return nil
}
