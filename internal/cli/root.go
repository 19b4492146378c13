package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates a new root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testdeck",
		Short: "Testdeck CLI",
		Long:  `Testdeck discovers and runs the native test suites of a project and keeps their results between sessions.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Check if debug flag is set
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				// Set the environment variable for debug logging
				_ = os.Setenv("TESTDECK_LOG", "DEBUG")
			}

			// Initialize logging after potentially setting the debug env var
			InitLogging()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("project", "C", ".", "Project root directory (where testdeck.yaml lives)")

	// Add subcommands
	cmd.AddCommand(
		NewValidateCmd(),
		NewDiscoverCmd(),
		NewRunCmd(),
		NewListCmd(),
		NewShowCmd(),
		NewClearCmd(),
		NewVersionCmd(),
	)

	return cmd
}
