package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/manager"
	"github.com/testdeck-dev/testdeck/internal/store"
)

// NewShowCmd creates a new show command
func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Show one test's details and its captured output",
		Long: `Show a single test's status, source location and the output captured
during its most recent run.

Examples:
  testdeck show unit/math/addition`,
		Args: cobra.ExactArgs(1),
		RunE: runShow,
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	path := manager.SplitPath(args[0])
	node, _, err := s.manager.Query(path, 1, store.SortByName)
	if err != nil {
		return err
	}
	if node.IsGroup {
		return fmt.Errorf("%q is a group, not a test", args[0])
	}

	fmt.Printf("Test:    %s\n", node.FullName)
	fmt.Printf("Suite:   %s\n", node.FrameworkID)
	fmt.Printf("Status:  %s\n", colorStatus(node.LastStatus))
	if node.Stale {
		fmt.Println("Stale:   yes (not reported by the last discovery)")
	}
	if loc := locationString(node); loc != "" {
		fmt.Printf("Source:  %s\n", loc)
	}
	if node.LastRun != nil {
		fmt.Printf("Last run: %s\n", formatTime(*node.LastRun))
	}
	if leaf, ok := s.store.Find(node.FrameworkID, node.RunID); ok && leaf.LastMessage != "" {
		fmt.Printf("Message: %s\n", leaf.LastMessage)
	}

	output := s.manager.Output(node.FrameworkID, node.RunID)
	if output != "" {
		fmt.Println("\nOutput of last run:")
		fmt.Print(output)
	}
	return nil
}
