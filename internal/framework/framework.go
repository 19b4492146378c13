// Package framework defines the adapter boundary between the core and
// concrete test frameworks. An adapter knows how to build discovery and run
// command lines for its framework and which parser decodes its run output.
//
// Adapters register themselves by type name in init(), mirroring how
// configuration refers to them.
package framework

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/parser"
	"github.com/testdeck-dev/testdeck/internal/suite"
)

// Execer runs a discovery command to completion and captures its combined
// output. The orchestrator implements it; adapters never spawn processes
// themselves, so per-suite serialization holds for discovery too.
type Execer interface {
	RunCapture(ctx context.Context, suiteID string, argv []string, dir string, env []string) (string, int, error)
}

// TestRef names one selected test by both of its identities.
type TestRef struct {
	RunID    string
	ReportID string
}

// RunCommand is one process launch covering a batch of selected tests:
// one launch per batching group, never one per test.
type RunCommand struct {
	// GroupKey is the batching unit, typically the executable.
	GroupKey string
	Argv     []string
	Tests    []TestRef
}

// Adapter is the capability contract every supported framework implements.
//
// Discover must not mutate the data store; it returns the enumerated tests
// and registration stays the store's responsibility.
type Adapter interface {
	Type() string
	Discover(ctx context.Context, exec Execer) ([]events.DiscoveredTest, error)
	RunCommands(selection map[string][]TestRef) ([]RunCommand, error)
	NewRunParser(sink events.Sink, logger *slog.Logger) parser.Parser
}

// Factory builds an adapter from a validated suite config.
type Factory func(cfg *suite.Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a framework type name. Called from
// adapter init() functions; duplicate registration is a programming error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("framework %q is already registered", name))
	}
	registry[name] = factory
}

// New builds the adapter the config names.
func New(cfg *suite.Config) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Framework]
	registryMu.RUnlock()
	if !ok {
		return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "framework",
			Msg: fmt.Sprintf("unknown framework %q (available: %s)", cfg.Framework, strings.Join(Types(), ", "))}
	}
	return factory(cfg)
}

// Types lists the registered framework type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// executables expands the configured executable pattern. A pattern without
// glob metacharacters names a single executable. Matches are returned as
// (display, spawn) pairs: display keeps the project-relative spelling for
// test paths, spawn is what actually gets executed.
func executables(cfg *suite.Config) ([][2]string, error) {
	pattern := cfg.ExecutablePattern
	if pattern == "" {
		return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "executable_pattern", Msg: "missing required field"}
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return [][2]string{{pattern, cfg.ResolveExecutable(pattern)}}, nil
	}

	resolved := pattern
	if !filepath.IsAbs(pattern) {
		resolved = filepath.Join(cfg.ProjectRoot, pattern)
	}
	matches, err := filepath.Glob(resolved)
	if err != nil {
		return nil, &suite.ConfigError{SuiteID: cfg.ID, Field: "executable_pattern", Msg: err.Error()}
	}
	sort.Strings(matches)

	out := make([][2]string, 0, len(matches))
	for _, m := range matches {
		display := m
		if !filepath.IsAbs(pattern) {
			if rel, err := filepath.Rel(cfg.ProjectRoot, m); err == nil {
				display = rel
			}
		}
		out = append(out, [2]string{display, m})
	}
	return out, nil
}

// pathPrefix builds the leading path segments for tests discovered in an
// executable, honoring the configured prefix style and custom prefix.
func pathPrefix(cfg *suite.Config, displayExecutable string) []string {
	var path []string
	if cfg.CustomPrefix != "" {
		path = append(path, strings.Split(cfg.CustomPrefix, "/")...)
	}
	switch cfg.PathPrefixStyle {
	case suite.PrefixFull:
		cleaned := filepath.Clean(displayExecutable)
		path = append(path, strings.Split(cleaned, string(filepath.Separator))...)
	case suite.PrefixBasename:
		path = append(path, filepath.Base(displayExecutable))
	}
	return path
}

// relativeToProject rewrites an absolute source path relative to the
// project root for display; relative paths are kept as reported.
func relativeToProject(cfg *suite.Config, file string) string {
	if file == "" || !filepath.IsAbs(file) {
		return file
	}
	if rel, err := filepath.Rel(cfg.ProjectRoot, file); err == nil {
		return rel
	}
	return file
}
