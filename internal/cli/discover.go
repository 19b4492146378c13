package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/store"
)

// DiscoverFlags holds the flags for the discover command
type DiscoverFlags struct {
	Timeout time.Duration
}

// NewDiscoverCmd creates a new discover command
func NewDiscoverCmd() *cobra.Command {
	flags := &DiscoverFlags{
		Timeout: 2 * time.Minute,
	}

	cmd := &cobra.Command{
		Use:   "discover [suite-id...]",
		Short: "Enumerate the tests of one or more suites",
		Long: `Enumerate the tests of the named suites (all suites when none are given)
and merge the result into the stored test tree. Existing results are kept;
tests that disappeared are marked or removed per the suite's stale policy.

Examples:
  testdeck discover            # Re-discover every suite
  testdeck discover unit e2e   # Re-discover two suites`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, flags, args)
		},
	}

	cmd.Flags().DurationVar(&flags.Timeout, "timeout", flags.Timeout, "Abort discovery after this long")

	return cmd
}

func runDiscover(cmd *cobra.Command, flags *DiscoverFlags, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
	defer cancel()

	start := time.Now()
	if err := s.manager.Discover(ctx, args); err != nil {
		return err
	}

	suiteIDs := args
	if len(suiteIDs) == 0 {
		suiteIDs = s.manager.Suites()
	}
	total := discoveredCount(s.store.Leaves(nil), suiteIDs)
	fmt.Printf("Discovered %d test(s) in %s\n", total, time.Since(start).Truncate(time.Millisecond))
	return nil
}

// discoveredCount counts the current tests of the given suites, leaving out
// other suites' tests and stale rows.
func discoveredCount(leaves []store.Test, suiteIDs []string) int {
	ids := make(map[string]bool, len(suiteIDs))
	for _, id := range suiteIDs {
		ids[id] = true
	}
	n := 0
	for _, leaf := range leaves {
		if ids[leaf.FrameworkID] && !leaf.Stale {
			n++
		}
	}
	return n
}
