package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/framework"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

// NewValidateCmd creates a new validate command
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the project's testdeck.yaml against the JSON schema",
		Long: `Validate the project's testdeck.yaml without touching any test suite.
This checks file syntax, suite structure and per-framework configuration.

Examples:
  testdeck validate                # Validate testdeck.yaml in the current directory
  testdeck validate -C ./backend  # Validate another project`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("project")

	project, err := suite.Load(root)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Schema validation passed; now make sure every suite's framework can
	// actually be constructed from its configuration.
	for _, cfg := range project.Suites {
		if _, err := framework.New(cfg); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		Logger.Debug("suite details",
			"id", cfg.ID,
			"framework", cfg.Framework,
			"parser", cfg.Parser,
			"stale_policy", cfg.StalePolicy,
		)
	}

	fmt.Printf("✅ %d suite(s) passed validation\n", len(project.Suites))
	return nil
}
