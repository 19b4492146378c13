package framework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testdeck-dev/testdeck/internal/suite"
)

func genericConfig() *suite.Config {
	return &suite.Config{
		ID:               "custom",
		Framework:        "generic",
		ProjectRoot:      "/project",
		Parser:           suite.ParserTeamCity,
		StalePolicy:      suite.StaleFlag,
		DiscoveryCommand: []string{"scripts/list-tests.sh"},
		Command:          []string{"scripts/run-tests.sh", "--reporter=teamcity"},
	}
}

func TestGeneric_Discover(t *testing.T) {
	adapter, err := New(genericConfig())
	require.NoError(t, err)

	exec := &fakeExecer{output: "api/login\tsrc/login.rb\t12\napi/logout\n\nui/button's label\n"}
	tests, err := adapter.Discover(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, tests, 3)

	require.Len(t, exec.commands, 1)
	assert.Equal(t, "/project/scripts/list-tests.sh", exec.commands[0][0])

	assert.Equal(t, []string{"api", "login"}, tests[0].Path)
	assert.Equal(t, "api/login", tests[0].RunID)
	assert.Equal(t, "api/login", tests[0].ReportID, "plain ids need no escaping")
	assert.Equal(t, "src/login.rb", tests[0].Location.File)
	assert.Equal(t, 12, tests[0].Location.Line)

	assert.Nil(t, tests[1].Location)

	// Ids the reporting format cannot carry get a reversible escaping.
	assert.Equal(t, "ui/button's label", tests[2].RunID)
	assert.Equal(t, "ui/button|'s label", tests[2].ReportID)
}

func TestGeneric_CustomPrefixPrepended(t *testing.T) {
	cfg := genericConfig()
	cfg.CustomPrefix = "services/backend"
	adapter, err := New(cfg)
	require.NoError(t, err)

	exec := &fakeExecer{output: "api/login\n"}
	tests, err := adapter.Discover(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, []string{"services", "backend", "api", "login"}, tests[0].Path)
}

func TestGeneric_RunCommandsCollapseToOneLaunch(t *testing.T) {
	adapter, err := New(genericConfig())
	require.NoError(t, err)

	commands, err := adapter.RunCommands(map[string][]TestRef{
		"": {{RunID: "api/login"}, {RunID: "api/logout"}},
	})
	require.NoError(t, err)
	require.Len(t, commands, 1)

	argv := commands[0].Argv
	assert.Equal(t, "/project/scripts/run-tests.sh", argv[0])
	assert.Equal(t, "--reporter=teamcity", argv[1])
	assert.Contains(t, argv, "api/login")
	assert.Contains(t, argv, "api/logout")
}

func TestGeneric_RequiresCommands(t *testing.T) {
	_, err := New(&suite.Config{ID: "c", Framework: "generic"})
	require.Error(t, err)
	var cfgErr *suite.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "discovery_command", cfgErr.Field)
}
