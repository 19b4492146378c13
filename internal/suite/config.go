// Package suite loads and validates per-project test suite configuration.
//
// A project is described by a testdeck.yaml file at the project root listing
// one record per test suite. The suite id is the identity key for everything
// the store persists; changing it discards that suite's history.
package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	yaml "gopkg.in/yaml.v3"
)

// ConfigFileName is the project configuration file, resolved against the
// project root.
const ConfigFileName = "testdeck.yaml"

// Prefix styles controlling how the discovered executable contributes to
// test paths.
const (
	PrefixFull     = "full"
	PrefixBasename = "basename"
	PrefixNone     = "none"
)

// Parser choices.
const (
	ParserDefault  = "default"
	ParserTeamCity = "teamcity"
)

// Staleness policies for tests missing from a re-discovery.
const (
	StaleFlag   = "flag"
	StaleDelete = "delete"
)

// ConfigError reports a malformed or missing suite field. A suite with a
// config error is disabled until the configuration is fixed; it never makes
// it into the manager's suite set.
type ConfigError struct {
	SuiteID string
	Field   string
	Msg     string
}

func (e *ConfigError) Error() string {
	if e.SuiteID == "" {
		return fmt.Sprintf("suite config: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("suite %q: %s: %s", e.SuiteID, e.Field, e.Msg)
}

// Config is one test suite record.
type Config struct {
	ID              string            `yaml:"id" json:"id"`
	Framework       string            `yaml:"framework" json:"framework"`
	PathPrefixStyle string            `yaml:"path_prefix_style,omitempty" json:"path_prefix_style,omitempty"`
	CustomPrefix    string            `yaml:"custom_prefix,omitempty" json:"custom_prefix,omitempty"`
	Args            []string          `yaml:"args,omitempty" json:"args,omitempty"`
	DiscoveryArgs   []string          `yaml:"discovery_args,omitempty" json:"discovery_args,omitempty"`
	RunArgs         []string          `yaml:"run_args,omitempty" json:"run_args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd             string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Parser          string            `yaml:"parser,omitempty" json:"parser,omitempty"`
	StalePolicy     string            `yaml:"stale_policy,omitempty" json:"stale_policy,omitempty"`

	// gtest/catch2: path or glob pattern of test executables.
	ExecutablePattern string `yaml:"executable_pattern,omitempty" json:"executable_pattern,omitempty"`

	// generic: argv templates for the run and discovery commands.
	Command          []string `yaml:"command,omitempty" json:"command,omitempty"`
	DiscoveryCommand []string `yaml:"discovery_command,omitempty" json:"discovery_command,omitempty"`

	// ProjectRoot is filled in by Load; it is not part of the yaml surface.
	ProjectRoot string `yaml:"-" json:"-"`
}

// Project is the loaded configuration for one project root.
type Project struct {
	Root    string
	DataDir string
	Suites  []*Config
}

type projectFile struct {
	Suites []*Config `yaml:"suites"`
}

// Load reads and validates the project configuration under root.
func Load(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(abs, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}

	if err := ValidateYAML(data); err != nil {
		return nil, err
	}

	var file projectFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing project config: %w", err)
	}

	seen := make(map[string]bool)
	for _, cfg := range file.Suites {
		cfg.ProjectRoot = abs
		applyDefaults(cfg)
		if err := validate(cfg); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, &ConfigError{SuiteID: cfg.ID, Field: "id", Msg: "duplicate suite id"}
		}
		seen[cfg.ID] = true
	}

	sort.SliceStable(file.Suites, func(i, j int) bool { return file.Suites[i].ID < file.Suites[j].ID })

	return &Project{
		Root:    abs,
		DataDir: filepath.Join(abs, ".testdeck"),
		Suites:  file.Suites,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PathPrefixStyle == "" {
		cfg.PathPrefixStyle = PrefixFull
	}
	if cfg.Parser == "" {
		cfg.Parser = ParserDefault
	}
	if cfg.StalePolicy == "" {
		cfg.StalePolicy = StaleFlag
	}
}

func validate(cfg *Config) error {
	if cfg.ID == "" {
		return &ConfigError{Field: "id", Msg: "missing required field"}
	}
	if cfg.Framework == "" {
		return &ConfigError{SuiteID: cfg.ID, Field: "framework", Msg: "missing required field"}
	}
	switch cfg.PathPrefixStyle {
	case PrefixFull, PrefixBasename, PrefixNone:
	default:
		return &ConfigError{SuiteID: cfg.ID, Field: "path_prefix_style", Msg: fmt.Sprintf("unknown style %q", cfg.PathPrefixStyle)}
	}
	switch cfg.Parser {
	case ParserDefault, ParserTeamCity:
	default:
		return &ConfigError{SuiteID: cfg.ID, Field: "parser", Msg: fmt.Sprintf("unknown parser %q", cfg.Parser)}
	}
	switch cfg.StalePolicy {
	case StaleFlag, StaleDelete:
	default:
		return &ConfigError{SuiteID: cfg.ID, Field: "stale_policy", Msg: fmt.Sprintf("unknown policy %q", cfg.StalePolicy)}
	}
	return nil
}

// ResolveDir resolves a configured directory: absolute paths are used
// verbatim, anything else is joined to the project root; empty means the
// project root itself.
func (c *Config) ResolveDir(dir string) string {
	if dir == "" {
		return c.ProjectRoot
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.ProjectRoot, dir)
}

// Workdir is the working directory for this suite's processes.
func (c *Config) Workdir() string { return c.ResolveDir(c.Cwd) }

// ResolveExecutable resolves a configured executable: absolute paths are
// used verbatim, bare names are left for PATH lookup at spawn time, and
// relative paths are joined to the project root.
func (c *Config) ResolveExecutable(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	if !containsSeparator(name) {
		return name
	}
	return filepath.Join(c.ProjectRoot, name)
}

func containsSeparator(p string) bool {
	for i := 0; i < len(p); i++ {
		if os.IsPathSeparator(p[i]) {
			return true
		}
	}
	return false
}

// Environ overlays the suite's env on top of the inherited environment;
// the overlay wins on conflict.
func (c *Config) Environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}
