package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/manager"
	"github.com/testdeck-dev/testdeck/internal/store"
)

// ListFlags holds the flags for the list command
type ListFlags struct {
	Depth    int
	OrderBy  string
	Location bool
}

// NewListCmd creates a new list command
func NewListCmd() *cobra.Command {
	flags := &ListFlags{
		OrderBy: "name",
	}

	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "Show the stored test tree",
		Long: `Show the stored test tree, or the subtree under a path. Group rows carry
statuses derived from the tests below them.

Examples:
  # Show the whole tree
  testdeck list

  # Show one suite, two levels deep
  testdeck list unit --depth 2

  # Order tests the way the framework reported them
  testdeck list --order-by discovery`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags, args)
		},
	}

	cmd.Flags().IntVar(&flags.Depth, "depth", 0, "Limit tree depth (0 = unlimited)")
	cmd.Flags().StringVar(&flags.OrderBy, "order-by", flags.OrderBy, "Sort children by field (name, discovery)")
	cmd.Flags().BoolVar(&flags.Location, "location", false, "Show source locations")

	return cmd
}

func runList(cmd *cobra.Command, flags *ListFlags, args []string) error {
	sortKey, err := parseSortKey(flags.OrderBy)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var path []string
	if len(args) == 1 {
		path = manager.SplitPath(args[0])
	}

	node, rev, err := s.manager.Query(path, flags.Depth, sortKey)
	if err != nil {
		return err
	}
	Logger.Debug("rendering tree", "path", args, "revision", rev)

	if len(node.Children) == 0 && node.IsGroup {
		fmt.Println("No tests discovered yet. Run 'testdeck discover' first.")
		return nil
	}

	renderTree(os.Stdout, node, flags.Location)
	return nil
}

func parseSortKey(orderBy string) (store.SortKey, error) {
	switch orderBy {
	case "name":
		return store.SortByName, nil
	case "discovery":
		return store.SortByDiscovery, nil
	default:
		return 0, fmt.Errorf("unknown sort field: %s", orderBy)
	}
}
