package framework

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/parser"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

func init() {
	Register("catch2", func(cfg *suite.Config) (Adapter, error) {
		if cfg.ExecutablePattern == "" {
			return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "executable_pattern", Msg: "missing required field"}
		}
		return &Catch2{cfg: cfg}, nil
	})
}

// Catch2 drives Catch2 executables. Discovery uses the XML test listing;
// runs pass test names as positional specs and report through the built-in
// TeamCity reporter, so the run parser is always the service-message decoder.
type Catch2 struct {
	cfg *suite.Config
}

func (c *Catch2) Type() string { return "catch2" }

type catch2Listing struct {
	TestCases []struct {
		Name       string `xml:"Name"`
		ClassName  string `xml:"ClassName"`
		SourceInfo struct {
			File string `xml:"File"`
			Line int    `xml:"Line"`
		} `xml:"SourceInfo"`
	} `xml:"TestCase"`
}

func (c *Catch2) Discover(ctx context.Context, exec Execer) ([]events.DiscoveredTest, error) {
	execs, err := executables(c.cfg)
	if err != nil {
		return nil, err
	}

	var tests []events.DiscoveredTest
	for _, pair := range execs {
		display, spawn := pair[0], pair[1]

		argv := []string{spawn, "--list-tests", "-r", "xml"}
		argv = append(argv, c.cfg.Args...)
		argv = append(argv, c.cfg.DiscoveryArgs...)

		output, code, err := exec.RunCapture(ctx, c.cfg.ID, argv, c.cfg.Workdir(), c.cfg.Environ())
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, fmt.Errorf("discovery of %q exited with code %d: %s", display, code, strings.TrimSpace(output))
		}

		parsed, err := c.parseListing(output, display, spawn)
		if err != nil {
			return nil, fmt.Errorf("parsing discovery listing of %q: %w", display, err)
		}
		tests = append(tests, parsed...)
	}
	return tests, nil
}

func (c *Catch2) parseListing(output, display, spawn string) ([]events.DiscoveredTest, error) {
	var listing catch2Listing
	if err := xml.Unmarshal([]byte(output), &listing); err != nil {
		return nil, err
	}

	prefix := pathPrefix(c.cfg, display)
	var tests []events.DiscoveredTest
	for _, tc := range listing.TestCases {
		path := append([]string{}, prefix...)
		if tc.ClassName != "" {
			path = append(path, tc.ClassName)
		}
		path = append(path, tc.Name)

		tests = append(tests, events.DiscoveredTest{
			Path: path,
			// Catch2 selects tests by name and reports them by name.
			RunID: tc.Name,
			Location: &events.Location{
				Executable: spawn,
				File:       relativeToProject(c.cfg, tc.SourceInfo.File),
				Line:       tc.SourceInfo.Line,
			},
		})
	}
	return tests, nil
}

func (c *Catch2) RunCommands(selection map[string][]TestRef) ([]RunCommand, error) {
	var commands []RunCommand
	for executable, refs := range selection {
		if executable == "" {
			return nil, fmt.Errorf("catch2 selection without executable")
		}
		argv := []string{executable, "-r", "teamcity"}
		argv = append(argv, c.cfg.Args...)
		argv = append(argv, c.cfg.RunArgs...)
		for _, ref := range refs {
			argv = append(argv, ref.RunID)
		}

		commands = append(commands, RunCommand{
			GroupKey: executable,
			Argv:     argv,
			Tests:    refs,
		})
	}
	return commands, nil
}

func (c *Catch2) NewRunParser(sink events.Sink, logger *slog.Logger) parser.Parser {
	return parser.NewTeamCity(sink, logger)
}
