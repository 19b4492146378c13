package framework

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/parser"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

func init() {
	Register("gtest", func(cfg *suite.Config) (Adapter, error) {
		if cfg.ExecutablePattern == "" {
			return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "executable_pattern", Msg: "missing required field"}
		}
		return &GoogleTest{cfg: cfg}, nil
	})
}

// GoogleTest drives GoogleTest executables. Discovery uses the framework's
// JSON listing; runs select tests with --gtest_filter, one process per
// executable.
type GoogleTest struct {
	cfg *suite.Config
}

func (g *GoogleTest) Type() string { return "gtest" }

// gtest --gtest_output=json listing shape.
type gtestListing struct {
	TestSuites []struct {
		Name      string `json:"name"`
		TestSuite []struct {
			Name       string `json:"name"`
			File       string `json:"file"`
			Line       int    `json:"line"`
			TypeParam  string `json:"type_param"`
			ValueParam string `json:"value_param"`
		} `json:"testsuite"`
	} `json:"testsuites"`
}

func (g *GoogleTest) Discover(ctx context.Context, exec Execer) ([]events.DiscoveredTest, error) {
	execs, err := executables(g.cfg)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "testdeck-gtest-*")
	if err != nil {
		return nil, fmt.Errorf("creating discovery scratch dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var tests []events.DiscoveredTest
	for i, pair := range execs {
		display, spawn := pair[0], pair[1]
		outputFile := filepath.Join(tempDir, fmt.Sprintf("listing-%d.json", i))

		argv := []string{spawn, "--gtest_list_tests", "--gtest_output=json:" + outputFile}
		argv = append(argv, g.cfg.Args...)
		argv = append(argv, g.cfg.DiscoveryArgs...)

		output, code, err := exec.RunCapture(ctx, g.cfg.ID, argv, g.cfg.Workdir(), g.cfg.Environ())
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, fmt.Errorf("discovery of %q exited with code %d: %s", display, code, strings.TrimSpace(output))
		}

		data, err := os.ReadFile(outputFile)
		if err != nil {
			return nil, fmt.Errorf("reading discovery listing of %q: %w", display, err)
		}
		parsed, err := g.parseListing(data, display, spawn)
		if err != nil {
			return nil, fmt.Errorf("parsing discovery listing of %q: %w", display, err)
		}
		tests = append(tests, parsed...)
	}
	return tests, nil
}

func (g *GoogleTest) parseListing(data []byte, display, spawn string) ([]events.DiscoveredTest, error) {
	var listing gtestListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, err
	}

	prefix := pathPrefix(g.cfg, display)
	var tests []events.DiscoveredTest
	for _, ts := range listing.TestSuites {
		for _, tc := range ts.TestSuite {
			// --gtest_filter selects on the raw Suite.Test name.
			runID := ts.Name + "." + tc.Name

			suiteName := ts.Name
			if tc.TypeParam != "" {
				// Typed suites list as "Prefix/0"; display the type instead
				// of the instantiation index.
				suiteName = trimLastSlashSegment(suiteName) + "<" + tc.TypeParam + ">"
			}
			testName := tc.Name
			if tc.ValueParam != "" {
				testName = trimLastSlashSegment(testName) + "[" + tc.ValueParam + "]"
			}

			path := append(append([]string{}, prefix...), suiteName, testName)
			tests = append(tests, events.DiscoveredTest{
				Path:  path,
				RunID: runID,
				Location: &events.Location{
					Executable: spawn,
					File:       relativeToProject(g.cfg, tc.File),
					Line:       tc.Line,
				},
			})
		}
	}
	return tests, nil
}

func trimLastSlashSegment(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

func (g *GoogleTest) RunCommands(selection map[string][]TestRef) ([]RunCommand, error) {
	var commands []RunCommand
	for executable, refs := range selection {
		if executable == "" {
			return nil, fmt.Errorf("gtest selection without executable")
		}
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.RunID
		}

		argv := []string{executable, "--gtest_filter=" + strings.Join(ids, ":")}
		argv = append(argv, g.cfg.Args...)
		argv = append(argv, g.cfg.RunArgs...)

		commands = append(commands, RunCommand{
			GroupKey: executable,
			Argv:     argv,
			Tests:    refs,
		})
	}
	return commands, nil
}

func (g *GoogleTest) NewRunParser(sink events.Sink, logger *slog.Logger) parser.Parser {
	if g.cfg.Parser == suite.ParserTeamCity {
		return parser.NewTeamCity(sink, logger)
	}
	return parser.NewGTest(sink, logger)
}
