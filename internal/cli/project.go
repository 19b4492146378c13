package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testdeck-dev/testdeck/internal/manager"
	"github.com/testdeck-dev/testdeck/internal/orchestrator"
	"github.com/testdeck-dev/testdeck/internal/store"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

// session bundles everything a command needs to operate on one project.
type session struct {
	project *suite.Project
	store   *store.Store
	orch    *orchestrator.Orchestrator
	manager *manager.Manager
}

// openSession loads the project named by --project and wires the store,
// orchestrator and manager on top of it. Callers must close it.
func openSession(cmd *cobra.Command, opts ...orchestrator.Option) (*session, error) {
	root, _ := cmd.Flags().GetString("project")

	project, err := suite.Load(root)
	if err != nil {
		return nil, err
	}

	backend, err := store.OpenSQLite(project.DataDir)
	if err != nil {
		return nil, err
	}

	st, err := store.New(backend, Logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("loading test database: %w", err)
	}

	orch := orchestrator.New(Logger, opts...)

	m, err := manager.New(project, st, orch, Logger)
	if err != nil {
		orch.Shutdown()
		_ = st.Close()
		return nil, err
	}

	return &session{project: project, store: st, orch: orch, manager: m}, nil
}

func (s *session) Close() {
	s.orch.Shutdown()
	if err := s.store.Close(); err != nil {
		Logger.Debug("failed to close store", "error", err)
	}
}
