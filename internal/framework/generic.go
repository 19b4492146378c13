package framework

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/parser"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

func init() {
	Register("generic", func(cfg *suite.Config) (Adapter, error) {
		if len(cfg.DiscoveryCommand) == 0 {
			return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "discovery_command", Msg: "missing required field"}
		}
		if len(cfg.Command) == 0 {
			return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "command", Msg: "missing required field"}
		}
		return &Generic{cfg: cfg}, nil
	})
}

// Generic adapts any runner that can enumerate its tests and report via
// TeamCity service messages. Discovery output is one test per line:
//
//	<run-id>[<TAB><source-file>[<TAB><line>]]
//
// Run ids containing '/' become nested groups. The run command gets the
// selected run ids appended as arguments, one process per run request.
type Generic struct {
	cfg *suite.Config
}

func (g *Generic) Type() string { return "generic" }

func (g *Generic) Discover(ctx context.Context, exec Execer) ([]events.DiscoveredTest, error) {
	argv := append([]string{}, g.cfg.DiscoveryCommand...)
	argv[0] = g.cfg.ResolveExecutable(argv[0])
	argv = append(argv, g.cfg.Args...)
	argv = append(argv, g.cfg.DiscoveryArgs...)

	output, code, err := exec.RunCapture(ctx, g.cfg.ID, argv, g.cfg.Workdir(), g.cfg.Environ())
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("discovery exited with code %d: %s", code, strings.TrimSpace(output))
	}

	var prefix []string
	if g.cfg.CustomPrefix != "" {
		prefix = strings.Split(g.cfg.CustomPrefix, "/")
	}

	var tests []events.DiscoveredTest
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		runID := fields[0]

		var loc *events.Location
		if len(fields) > 1 && fields[1] != "" {
			loc = &events.Location{File: relativeToProject(g.cfg, fields[1])}
			if len(fields) > 2 {
				if n, err := strconv.Atoi(fields[2]); err == nil {
					loc.Line = n
				}
			}
		}

		tests = append(tests, events.DiscoveredTest{
			Path:     append(append([]string{}, prefix...), strings.Split(runID, "/")...),
			RunID:    runID,
			ReportID: reportID(runID),
			Location: loc,
		})
	}
	return tests, nil
}

// reportID derives the identity a TeamCity-reporting runner can actually
// carry. The escaping is reversible; the store keeps the mapping during
// a run.
func reportID(runID string) string {
	if escaped := parser.EscapeValue(runID); escaped != runID {
		return escaped
	}
	return runID
}

func (g *Generic) RunCommands(selection map[string][]TestRef) ([]RunCommand, error) {
	// The runner is one command; all groups collapse into a single launch.
	var refs []TestRef
	for _, group := range selection {
		refs = append(refs, group...)
	}

	argv := append([]string{}, g.cfg.Command...)
	argv[0] = g.cfg.ResolveExecutable(argv[0])
	argv = append(argv, g.cfg.Args...)
	argv = append(argv, g.cfg.RunArgs...)
	for _, ref := range refs {
		argv = append(argv, ref.RunID)
	}

	return []RunCommand{{GroupKey: "", Argv: argv, Tests: refs}}, nil
}

func (g *Generic) NewRunParser(sink events.Sink, logger *slog.Logger) parser.Parser {
	return parser.NewTeamCity(sink, logger)
}
