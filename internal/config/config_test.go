package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/logging"
	"github.com/systmms/dsync/internal/scopepolicy"
)

const validConfig = `
version: 1
project: acme
backend:
  type: file
  path: store
services: [api, worker]
environments:
  staging:
    required: [DATABASE_URL]
  production:
    source: env/.env.production
    production: true
    rotation_max_age_days: 90
    ignore: ["LOCAL_*"]
    strategy: remote
policies:
  scope_policy: strict
  scope_rules:
    - name: billing-owned
      pattern: "^BILLING_"
      expected: service
      service: billing
      reason: billing variables belong to the billing service
`

func writeConfig(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return &Config{Path: path, Logger: logging.New(false, true)}
}

func TestLoad_Valid(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, validConfig)
	require.NoError(t, cfg.Load())

	def := cfg.Definition
	assert.Equal(t, "acme", def.Project)
	assert.Equal(t, "file", def.Backend.Type)
	assert.Equal(t, "store", def.Backend.String("path"))
	assert.Equal(t, []string{"api", "worker"}, cfg.KnownServices())
	assert.Equal(t, []string{"production", "staging"}, cfg.EnvironmentNames())

	prod, err := cfg.Environment("production")
	require.NoError(t, err)
	assert.True(t, prod.Production)
	assert.Equal(t, 90, prod.RotationMaxAgeDays)
	assert.Equal(t, []string{"LOCAL_*"}, prod.Ignore)
	assert.Equal(t, "remote", prod.Strategy)

	rule, ok := cfg.Policy().Match("BILLING_WEBHOOK_SECRET")
	require.True(t, ok)
	assert.Equal(t, "billing-owned", rule.Name)
	_, ok = cfg.Policy().Match("STRIPE_KEY")
	assert.True(t, ok, "default rules are kept")
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		field   string
		message string
	}{
		{
			name:    "invalid_yaml",
			content: "version: 1\nproject: [acme\n",
			message: "invalid YAML syntax in configuration file: line ",
		},
		{
			name:    "wrong_version",
			content: "version: 2\nproject: acme\nbackend: {type: memory}\n",
			field:   "version",
			message: "unsupported configuration version",
		},
		{
			name:    "missing_project",
			content: "version: 1\nbackend: {type: memory}\n",
			field:   "project",
			message: "project name is required",
		},
		{
			name:    "missing_backend",
			content: "version: 1\nproject: acme\n",
			field:   "backend.type",
			message: "backend type is required",
		},
		{
			name:    "unknown_backend",
			content: "version: 1\nproject: acme\nbackend: {type: vault}\n",
			field:   "backend.type",
			message: "unknown backend type",
		},
		{
			name:    "reserved_service_name",
			content: "version: 1\nproject: acme\nbackend: {type: memory}\nservices: [shared]\n",
			field:   "services",
		},
		{
			name:    "bad_strategy",
			content: "version: 1\nproject: acme\nbackend: {type: memory}\nenvironments:\n  dev: {strategy: merge}\n",
			field:   "environments.dev.strategy",
			message: "unknown strategy",
		},
		{
			name:    "negative_rotation",
			content: "version: 1\nproject: acme\nbackend: {type: memory}\nenvironments:\n  dev: {rotation_max_age_days: -1}\n",
			field:   "environments.dev.rotation_max_age_days",
		},
		{
			name:    "bad_mode",
			content: "version: 1\nproject: acme\nbackend: {type: memory}\npolicies: {value_guardrail: loud}\n",
			field:   "policies.value_guardrail",
			message: "invalid mode",
		},
		{
			name:    "bad_rule_pattern",
			content: "version: 1\nproject: acme\nbackend: {type: memory}\npolicies:\n  scope_rules:\n    - {name: broken, pattern: \"([\", expected: shared}\n",
			field:   "policies.scope_rules",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := writeConfig(t, tt.content)
			err := cfg.Load()
			require.Error(t, err)
			assert.Nil(t, cfg.Definition)

			var cerr dserrors.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
			if tt.message != "" {
				assert.Contains(t, cerr.Message, tt.message)
			}
			assert.NotEmpty(t, cerr.Suggestion)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: filepath.Join(t.TempDir(), "nope.yaml")}
	err := cfg.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestEnvironment_NotFoundListsAvailable(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, validConfig)
	require.NoError(t, cfg.Load())

	_, err := cfg.Environment("qa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment not found")
	assert.Contains(t, err.Error(), "Available environments: production, staging")

	unloaded := &Config{}
	_, err = unloaded.Environment("qa")
	assert.Contains(t, err.Error(), "Configuration not loaded")
}

func TestPaths_ResolveAgainstConfigDir(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, validConfig)
	require.NoError(t, cfg.Load())
	dir := filepath.Dir(cfg.Path)

	assert.Equal(t, filepath.Join(dir, ".dsync", "plans"), cfg.ArtifactsDir())
	assert.Equal(t, filepath.Join(dir, ".dsync", "audit.log"), cfg.AuditLogPath())

	src, err := cfg.SourcePath("production")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "env", ".env.production"), src)

	src, err = cfg.SourcePath("staging")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".env.staging"), src)

	bc := cfg.BackendConfig()
	assert.Equal(t, filepath.Join(dir, "store"), bc.String("path"))
	assert.Equal(t, "store", cfg.Definition.Backend.String("path"), "definition is not mutated")

	assert.Equal(t, "/abs/path", cfg.ResolvePath("/abs/path"))
}

func TestModes(t *testing.T) {
	// Not parallel: t.Setenv.
	cfg := writeConfig(t, validConfig)
	require.NoError(t, cfg.Load())

	assert.Equal(t, scopepolicy.ModeStrict, cfg.ScopePolicyMode(""))
	assert.Equal(t, scopepolicy.ModeWarn, cfg.GuardrailMode(""))
	assert.Equal(t, scopepolicy.ModeOff, cfg.ScopePolicyMode("off"))

	t.Setenv(scopepolicy.EnvMode, "warn")
	assert.Equal(t, scopepolicy.ModeWarn, cfg.ScopePolicyMode(""))
	assert.Equal(t, scopepolicy.ModeOff, cfg.ScopePolicyMode("off"), "explicit flag wins")

	t.Setenv("DSYNC_VALUE_GUARDRAIL", "strict")
	assert.Equal(t, scopepolicy.ModeStrict, cfg.GuardrailMode(""))
}

func TestGovernanceSettings(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, validConfig)
	require.NoError(t, cfg.Load())

	s, err := cfg.GovernanceSettings("staging", "")
	require.NoError(t, err)
	assert.Equal(t, "staging", s.Environment)
	assert.Equal(t, []string{"DATABASE_URL"}, s.RequiredKeys)
	assert.Equal(t, scopepolicy.ModeStrict, s.PolicyMode)
	assert.Same(t, cfg.Policy(), s.Policy)

	_, err = cfg.GovernanceSettings("qa", "")
	assert.Error(t, err)
}

func TestDisableDefaultRules(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, "version: 1\nproject: acme\nbackend: {type: memory}\npolicies: {disable_default_rules: true}\n")
	require.NoError(t, cfg.Load())
	assert.Empty(t, cfg.Policy().Rules())
	assert.Nil(t, cfg.KnownServices())
}
