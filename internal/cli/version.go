package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultVersion is overridden at release time via -ldflags.
var DefaultVersion = "dev"

// NewVersionCmd creates a new version command
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of Testdeck",
		Long:  `Print the version number of the Testdeck CLI.`,
		Run: func(cmd *cobra.Command, args []string) {
			// Get version from environment variable or use default
			version := os.Getenv("TESTDECK_VERSION")
			if version == "" {
				version = DefaultVersion
			}
			fmt.Printf("Testdeck CLI %s\n", version)
		},
	}

	return cmd
}
