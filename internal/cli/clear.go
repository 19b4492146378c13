package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/manager"
)

// NewClearCmd creates a new clear command
func NewClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [path...]",
		Short: "Clear stored test results",
		Long: `Reset the recorded results under the given paths (the whole tree when none
are given). Stale tests in the cleared range are removed entirely.

Examples:
  testdeck clear            # Clear everything
  testdeck clear unit/math  # Clear one subtree`,
		RunE: runClear,
	}
}

func runClear(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	paths := make([][]string, 0, len(args))
	for _, arg := range args {
		paths = append(paths, manager.SplitPath(arg))
	}

	s.manager.ClearResults(paths)
	fmt.Println("Results cleared.")
	return nil
}
