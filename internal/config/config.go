package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/governance"
	"github.com/systmms/dsync/internal/guard"
	"github.com/systmms/dsync/internal/logging"
	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/backend"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only supported dsync.yaml version.
const CurrentVersion = 1

const (
	defaultArtifactsDir = ".dsync/plans"
	defaultAuditLog     = ".dsync/audit.log"
)

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition

	policy *scopepolicy.Policy
}

// Definition represents the dsync.yaml structure
type Definition struct {
	Version      int                    `yaml:"version"`
	Project      string                 `yaml:"project"`
	Backend      backend.Config         `yaml:"backend"`
	Services     []string               `yaml:"services,omitempty"`
	ArtifactsDir string                 `yaml:"artifacts_dir,omitempty"`
	AuditLog     string                 `yaml:"audit_log,omitempty"`
	Environments map[string]Environment `yaml:"environments"`
	Policies     Policies               `yaml:"policies,omitempty"`
}

// Environment holds the settings of one named environment
type Environment struct {
	// Source is the .env file holding the local side of the sync.
	Source             string   `yaml:"source,omitempty"`
	Production         bool     `yaml:"production,omitempty"`
	Required           []string `yaml:"required,omitempty"`
	RotationMaxAgeDays int      `yaml:"rotation_max_age_days,omitempty"`
	Ignore             []string `yaml:"ignore,omitempty"`
	Strategy           string   `yaml:"strategy,omitempty"`
	Prune              bool     `yaml:"prune,omitempty"`
}

// Policies configures scope rules and guardrail modes
type Policies struct {
	ScopePolicy         string                 `yaml:"scope_policy,omitempty"`
	ValueGuardrail      string                 `yaml:"value_guardrail,omitempty"`
	DisableDefaultRules bool                   `yaml:"disable_default_rules,omitempty"`
	ScopeRules          []scopepolicy.RuleSpec `yaml:"scope_rules,omitempty"`
}

// Load reads and parses the dsync.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a dsync.yaml with 'version: 1', a project name and a backend",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file: " + strings.TrimPrefix(err.Error(), "yaml: "),
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	policy, err := validate(&def)
	if err != nil {
		return err
	}

	c.Definition = &def
	c.policy = policy
	return nil
}

func validate(def *Definition) (*scopepolicy.Policy, error) {
	if def.Version != CurrentVersion {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: fmt.Sprintf("Set 'version: %d' at the top of your dsync.yaml file", CurrentVersion),
		}
	}

	if strings.TrimSpace(def.Project) == "" {
		return nil, dserrors.ConfigError{
			Field:      "project",
			Message:    "project name is required",
			Suggestion: "Add 'project: <name>' to your dsync.yaml file",
		}
	}

	registry := backend.NewRegistry()
	if def.Backend.Type == "" {
		return nil, dserrors.ConfigError{
			Field:      "backend.type",
			Message:    "backend type is required",
			Suggestion: fmt.Sprintf("Supported backends: %s", strings.Join(registry.SupportedTypes(), ", ")),
		}
	}
	if !registry.IsSupported(def.Backend.Type) {
		return nil, dserrors.ConfigError{
			Field:      "backend.type",
			Value:      def.Backend.Type,
			Message:    "unknown backend type",
			Suggestion: fmt.Sprintf("Supported backends: %s", strings.Join(registry.SupportedTypes(), ", ")),
		}
	}

	for _, name := range def.Services {
		if _, err := scope.NewService(name); err != nil {
			return nil, dserrors.ConfigError{
				Field:      "services",
				Value:      name,
				Message:    err.Error(),
				Suggestion: "Service names must be non-empty and cannot be 'shared'",
			}
		}
	}

	for name, env := range def.Environments {
		if _, err := plan.ParseStrategy(env.Strategy); err != nil {
			return nil, dserrors.ConfigError{
				Field:      fmt.Sprintf("environments.%s.strategy", name),
				Value:      env.Strategy,
				Message:    err.Error(),
				Suggestion: "Use one of: local, remote, error",
			}
		}
		if env.RotationMaxAgeDays < 0 {
			return nil, dserrors.ConfigError{
				Field:      fmt.Sprintf("environments.%s.rotation_max_age_days", name),
				Value:      env.RotationMaxAgeDays,
				Message:    "rotation max age cannot be negative",
				Suggestion: "Use 0 to disable rotation checks",
			}
		}
	}

	for field, mode := range map[string]string{
		"policies.scope_policy":    def.Policies.ScopePolicy,
		"policies.value_guardrail": def.Policies.ValueGuardrail,
	} {
		if mode == "" {
			continue
		}
		if _, ok := scopepolicy.ParseMode(mode); !ok {
			return nil, dserrors.ConfigError{
				Field:      field,
				Value:      mode,
				Message:    "invalid mode",
				Suggestion: "Use one of: off, warn, strict",
			}
		}
	}

	policy, err := scopepolicy.FromSpecs(def.Policies.ScopeRules, !def.Policies.DisableDefaultRules)
	if err != nil {
		return nil, dserrors.ConfigError{
			Field:      "policies.scope_rules",
			Message:    err.Error(),
			Suggestion: "Check the rule's name, pattern (Go regular expression) and expected scope",
		}
	}
	return policy, nil
}

// Environment returns the configuration for a specific environment
func (c *Config) Environment(name string) (Environment, error) {
	if c.Definition == nil {
		return Environment{}, dserrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}

	env, ok := c.Definition.Environments[name]
	if !ok {
		available := c.EnvironmentNames()

		suggestion := "Add the environment under 'environments:' in your dsync.yaml"
		if len(available) > 0 {
			suggestion = fmt.Sprintf("Available environments: %s", strings.Join(available, ", "))
		}

		return Environment{}, dserrors.ConfigError{
			Field:      "environment",
			Value:      name,
			Message:    "environment not found",
			Suggestion: suggestion,
		}
	}

	return env, nil
}

// EnvironmentNames returns the configured environments, sorted.
func (c *Config) EnvironmentNames() []string {
	if c.Definition == nil {
		return nil
	}
	names := make([]string, 0, len(c.Definition.Environments))
	for name := range c.Definition.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy returns the compiled scope policy.
func (c *Config) Policy() *scopepolicy.Policy {
	if c.policy == nil {
		return scopepolicy.Default()
	}
	return c.policy
}

// ScopePolicyMode resolves the scope policy mode: explicit flag, then
// DSYNC_SCOPE_POLICY, then policies.scope_policy, then warn.
func (c *Config) ScopePolicyMode(explicit string) scopepolicy.Mode {
	return scopepolicy.ResolveModeFrom(scopepolicy.Mode(explicit), scopepolicy.EnvMode, c.configuredMode(c.policies().ScopePolicy))
}

// GuardrailMode resolves the value guardrail mode: explicit flag, then
// DSYNC_VALUE_GUARDRAIL, then policies.value_guardrail, then warn.
func (c *Config) GuardrailMode(explicit string) scopepolicy.Mode {
	return scopepolicy.ResolveModeFrom(scopepolicy.Mode(explicit), guard.EnvGuardrailMode, c.configuredMode(c.policies().ValueGuardrail))
}

func (c *Config) policies() Policies {
	if c.Definition == nil {
		return Policies{}
	}
	return c.Definition.Policies
}

func (c *Config) configuredMode(raw string) scopepolicy.Mode {
	if m, ok := scopepolicy.ParseMode(raw); ok {
		return m
	}
	return scopepolicy.DefaultMode
}

// GovernanceSettings assembles the governance inputs for an environment.
func (c *Config) GovernanceSettings(name, explicitMode string) (governance.Settings, error) {
	env, err := c.Environment(name)
	if err != nil {
		return governance.Settings{}, err
	}
	return governance.Settings{
		Environment:        name,
		Policy:             c.Policy(),
		PolicyMode:         c.ScopePolicyMode(explicitMode),
		RequiredKeys:       env.Required,
		RotationMaxAgeDays: env.RotationMaxAgeDays,
	}, nil
}

// KnownServices returns the declared services. Nil means none were declared,
// so no service is reported as an orphan.
func (c *Config) KnownServices() []string {
	if c.Definition == nil || len(c.Definition.Services) == 0 {
		return nil
	}
	return append([]string(nil), c.Definition.Services...)
}

// ResolvePath makes p relative to the directory of the config file.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.Path), p)
}

// ArtifactsDir returns the plan artifact directory.
func (c *Config) ArtifactsDir() string {
	dir := defaultArtifactsDir
	if c.Definition != nil && c.Definition.ArtifactsDir != "" {
		dir = c.Definition.ArtifactsDir
	}
	return c.ResolvePath(dir)
}

// AuditLogPath returns the audit trail file.
func (c *Config) AuditLogPath() string {
	p := defaultAuditLog
	if c.Definition != nil && c.Definition.AuditLog != "" {
		p = c.Definition.AuditLog
	}
	return c.ResolvePath(p)
}

// SourcePath returns the local .env file of an environment, defaulting to
// ".env.<name>".
func (c *Config) SourcePath(name string) (string, error) {
	env, err := c.Environment(name)
	if err != nil {
		return "", err
	}
	source := env.Source
	if source == "" {
		source = ".env." + name
	}
	return c.ResolvePath(source), nil
}

// BackendConfig returns the backend configuration with relative file paths
// resolved against the config directory.
func (c *Config) BackendConfig() backend.Config {
	if c.Definition == nil {
		return backend.Config{}
	}
	cfg := backend.Config{Type: c.Definition.Backend.Type, Config: map[string]interface{}{}}
	for k, v := range c.Definition.Backend.Config {
		cfg.Config[k] = v
	}
	if cfg.Type == "file" {
		if p := cfg.String("path"); p != "" {
			cfg.Config["path"] = c.ResolvePath(p)
		} else {
			cfg.Config["path"] = c.ResolvePath(filepath.Join(".dsync", "store"))
		}
	}
	return cfg
}
