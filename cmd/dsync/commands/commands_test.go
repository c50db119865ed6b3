package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsync/internal/apply"
	"github.com/systmms/dsync/internal/config"
	"github.com/systmms/dsync/internal/localsource"
	"github.com/systmms/dsync/internal/logging"
	"github.com/systmms/dsync/internal/scorecard"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
	"github.com/systmms/dsync/tests/fakes"
)

const projectConfig = `
version: 1
project: acme
backend:
  type: file
  path: store
services: [api, billing]
environments:
  staging:
    required: [DATABASE_URL]
  production:
    production: true
`

type project struct {
	dir string
	cfg *config.Config
}

func newProject(t *testing.T) *project {
	t.Helper()
	return newProjectWith(t, projectConfig)
}

func newProjectWith(t *testing.T, content string) *project {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return &project{
		dir: dir,
		cfg: &config.Config{Path: path, Logger: logging.New(false, true)},
	}
}

func (p *project) writeSource(t *testing.T, env, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(p.dir, ".env."+env), []byte(content), 0600))
}

func (p *project) sourceValues(t *testing.T, env string) map[string]string {
	t.Helper()
	src, err := localsource.Load(filepath.Join(p.dir, ".env."+env), nil)
	require.NoError(t, err)
	return src.Values()
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SilenceUsage = true
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (p *project) plan(t *testing.T, args ...string) *plan.Plan {
	t.Helper()
	out, err := run(t, NewPlanCommand(p.cfg), append(args, "--json")...)
	require.NoError(t, err)
	var pl plan.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &pl))
	return &pl
}

func TestPlanApply_RoundTrip(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "DATABASE_URL=postgres://db/app\nDB_PASSWORD=hunter2\n")

	pl := p.plan(t, "--env", "staging")
	assert.Equal(t, 2, pl.Summary.ToAdd)
	assert.FileExists(t, filepath.Join(p.dir, ".dsync", "plans", plan.FileName(pl.ID)))

	out, err := run(t, NewApplyCommand(p.cfg), "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 0 failed, 0 skipped")

	out, err = run(t, NewPlanCommand(p.cfg), "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "staging is in sync")

	saved, err := plan.NewStore(filepath.Join(p.dir, ".dsync", "plans")).Load(pl.ID)
	require.NoError(t, err)
	assert.True(t, saved.FullyApplied())
	require.NotNil(t, saved.AppliedAt)

	f, err := os.Open(filepath.Join(p.dir, ".dsync", "audit.log"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var events []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		events = append(events, line["event"].(string))
		assert.NotContains(t, scanner.Text(), "hunter2")
	}
	assert.Equal(t, []string{"change", "change", "apply"}, events)
}

func TestApply_Preconditions(t *testing.T) {
	t.Parallel()

	t.Run("no_plan", func(t *testing.T) {
		t.Parallel()
		p := newProject(t)
		_, err := run(t, NewApplyCommand(p.cfg), "--env", "staging")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no saved plan found")
	})

	t.Run("production_requires_force", func(t *testing.T) {
		t.Parallel()
		p := newProject(t)
		p.writeSource(t, "production", "LOG_LEVEL=warn\n")
		p.plan(t, "--env", "production")

		_, err := run(t, NewApplyCommand(p.cfg), "--env", "production")
		require.Error(t, err)
		assert.ErrorIs(t, err, apply.ErrForceRequired)

		out, err := run(t, NewApplyCommand(p.cfg), "--env", "production", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "1 change(s) would be applied")

		_, err = run(t, NewApplyCommand(p.cfg), "--env", "production", "--force")
		require.NoError(t, err)
	})

	t.Run("stale_source", func(t *testing.T) {
		t.Parallel()
		p := newProject(t)
		p.writeSource(t, "staging", "A=1\n")
		p.plan(t, "--env", "staging")
		p.writeSource(t, "staging", "A=2\n")

		_, err := run(t, NewApplyCommand(p.cfg), "--env", "staging")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "changed since plan")

		_, err = run(t, NewApplyCommand(p.cfg), "--env", "staging", "--allow-stale")
		require.NoError(t, err)
	})

	t.Run("unknown_environment", func(t *testing.T) {
		t.Parallel()
		p := newProject(t)
		_, err := run(t, NewApplyCommand(p.cfg), "--env", "qa")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Available environments: production, staging")
	})
}

func TestPlanApply_RemoteStrategyPulls(t *testing.T) {
	t.Parallel()
	p := newProject(t)

	_, err := run(t, NewSetCommand(p.cfg), "--env", "staging", "LOG_LEVEL=debug")
	require.NoError(t, err)
	p.writeSource(t, "staging", "LOG_LEVEL=info\nKEEP=me\n")

	pl := p.plan(t, "--env", "staging", "--strategy", "remote")
	assert.Equal(t, 1, pl.Summary.ToPull)
	assert.Equal(t, 1, pl.Summary.ToAdd)

	_, err = run(t, NewApplyCommand(p.cfg), "--env", "staging")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug", "KEEP": "me"}, p.sourceValues(t, "staging"))

	out, err := run(t, NewApplyCommand(p.cfg), "--env", "staging")
	require.NoError(t, err, "re-applying after a pull is not stale")
	assert.Contains(t, out, "0 applied, 0 failed, 2 skipped")
}

func TestPlan_ErrorStrategyIsNotExecutable(t *testing.T) {
	t.Parallel()
	p := newProject(t)

	_, err := run(t, NewSetCommand(p.cfg), "--env", "staging", "LOG_LEVEL=debug")
	require.NoError(t, err)
	p.writeSource(t, "staging", "LOG_LEVEL=info\n")

	out, err := run(t, NewPlanCommand(p.cfg), "--env", "staging", "--strategy", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "1 conflicting key(s)")

	_, err = run(t, NewApplyCommand(p.cfg), "--env", "staging")
	require.Error(t, err)
	assert.ErrorIs(t, err, apply.ErrPlanNotExecutable)

	_, err = run(t, NewPlanCommand(p.cfg), "--env", "staging", "--strategy", "merge")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "LOG_LEVEL=info\n")

	_, err := run(t, NewSetCommand(p.cfg), "--env", "staging", "--service", "legacy", "QUEUE=jobs")
	require.NoError(t, err)

	out, err := run(t, NewStatusCommand(p.cfg), "--env", "staging", "--json")
	require.NoError(t, err)

	var card scorecard.Scorecard
	require.NoError(t, json.Unmarshal([]byte(out), &card))
	assert.Equal(t, scorecard.HealthCritical, card.Health)
	assert.Equal(t, 2, card.TotalVars)
	assert.Equal(t, 1, card.Drift.LocalOnly)
	assert.Equal(t, []string{"DATABASE_URL"}, card.Required.Missing)

	names := []string{}
	for _, s := range card.Services {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"api", "billing", "legacy"}, names)

	out, err = run(t, NewStatusCommand(p.cfg), "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "staging: critical")
	assert.Contains(t, out, "required variable DATABASE_URL is missing")

	_, err = run(t, NewStatusCommand(p.cfg), "--env", "staging", "--exit-code")
	assert.Error(t, err)
}

func TestStatus_IgnoredKeysAreNotDrift(t *testing.T) {
	t.Parallel()
	p := newProjectWith(t, `
version: 1
project: acme
backend:
  type: file
  path: store
environments:
  dev:
    ignore: ["LOCAL_*"]
`)
	_, err := run(t, NewSetCommand(p.cfg), "--env", "dev", "A=1", "LOCAL_DEBUG=1")
	require.NoError(t, err)
	p.writeSource(t, "dev", "A=1\nLOCAL_SCRATCH=x\n")

	pl := p.plan(t, "--env", "dev")
	assert.False(t, pl.HasChanges())
	assert.Equal(t, 0, pl.Summary.RemoteOnly)

	out, err := run(t, NewStatusCommand(p.cfg), "--env", "dev", "--json")
	require.NoError(t, err)

	var card scorecard.Scorecard
	require.NoError(t, json.Unmarshal([]byte(out), &card))
	assert.True(t, card.Drift.Synced)
	assert.Equal(t, 0, card.Drift.RemoteOnly)
	assert.Equal(t, 0, card.Drift.LocalOnly)
	assert.Equal(t, 1, card.TotalVars)
	assert.Equal(t, scorecard.HealthOK, card.Health)
	assert.Empty(t, card.Issues)
}

func TestJSONOutput_MasksSensitiveValues(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "DATABASE_URL=postgres://db/app\nDB_PASSWORD=hunter2\nLOG_LEVEL=info\n")

	out, err := run(t, NewPlanCommand(p.cfg), "--env", "staging", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, `"info"`, "non-sensitive values stay visible")

	var pl plan.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &pl))
	saved, err := plan.NewStore(filepath.Join(p.dir, ".dsync", "plans")).Load(pl.ID)
	require.NoError(t, err)
	found := false
	for _, c := range saved.Changes {
		if c.Key == "DB_PASSWORD" {
			found = true
			require.NotNil(t, c.LocalValue)
			assert.Equal(t, "hunter2", *c.LocalValue, "the artifact keeps the value apply needs")
		}
	}
	assert.True(t, found)

	out, err = run(t, NewApplyCommand(p.cfg), "--env", "staging", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var res apply.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Applied)

	out, err = run(t, NewApplyCommand(p.cfg), "--env", "staging", "--dry-run", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
}

func TestApply_SkipsCorruptArtifacts(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "DATABASE_URL=postgres://db/app\n")
	p.plan(t, "--env", "staging")
	require.NoError(t, os.WriteFile(filepath.Join(p.dir, ".dsync", "plans", "broken.json"), []byte(`{{`), 0600))

	out, err := run(t, NewApplyCommand(p.cfg), "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "1 applied, 0 failed, 0 skipped")
}

func TestSession_CloseReleasesBackend(t *testing.T) {
	t.Parallel()
	p := newProject(t)

	fake := fakes.NewFakeBackend("acme", "staging").WithVariable("A", "1", scope.Shared{})
	s := &session{cfg: p.cfg, name: "staging", scope: scope.Shared{}, client: fake}
	s.close()
	assert.Equal(t, 1, fake.GetCallCount("Close"))

	require.NoError(t, p.cfg.Load())
	s, err := newSession(context.Background(), p.cfg, "staging", "")
	require.NoError(t, err)
	assert.NotPanics(t, s.close, "clients without Close are left alone")
}

func TestGuard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    string
	}{
		{
			name:    "strict_blocks_misplaced_key",
			args:    []string{"--scope-policy", "strict", "--value-guardrail", "off", "STRIPE_KEY=sk_test_123"},
			wantErr: true,
			want:    "stripe-service-owned",
		},
		{
			name: "warn_reports",
			args: []string{"--scope-policy", "warn", "--value-guardrail", "off", "STRIPE_KEY=sk_test_123"},
			want: "stripe-service-owned",
		},
		{
			name: "service_scope_passes",
			args: []string{"--service", "billing", "--scope-policy", "strict", "--value-guardrail", "off", "STRIPE_KEY=sk_test_123"},
			want: "1 variable(s) passed",
		},
		{
			name:    "encrypted_value_blocked",
			args:    []string{"--scope-policy", "off", "--value-guardrail", "strict", "DB_PASSWORD=ENC[AES256_GCM,data:abc]"},
			wantErr: true,
			want:    "[value:sops]",
		},
		{
			name:    "bad_assignment",
			args:    []string{"NOEQUALS"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProject(t)
			out, err := run(t, NewGuardCommand(p.cfg), append([]string{"--env", "staging"}, tt.args...)...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestGuard_FromFile(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "MAILGUN_API_KEY=key-1\nLOG_LEVEL=info\n")

	out, err := run(t, NewGuardCommand(p.cfg), "--env", "staging", "--scope-policy", "warn", "--value-guardrail", "off",
		"--from-file", filepath.Join(p.dir, ".env.staging"), "--json")
	require.NoError(t, err)
	assert.Contains(t, out, "mailgun-service-owned")
	assert.Contains(t, out, `"blocked": false`)
}

func TestSet(t *testing.T) {
	t.Parallel()
	p := newProject(t)

	out, err := run(t, NewSetCommand(p.cfg), "--env", "staging", "--service", "billing", "STRIPE_KEY=sk_test_1", "RETRIES=3")
	require.NoError(t, err)
	assert.Contains(t, out, "Set RETRIES (service:billing, config)")
	assert.Contains(t, out, "Set STRIPE_KEY (service:billing, secret)")

	_, err = run(t, NewSetCommand(p.cfg), "--env", "production", "A=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-run with --force")

	_, err = run(t, NewSetCommand(p.cfg), "--env", "staging", "--scope-policy", "strict", "STRIPE_KEY=sk_test_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write guard blocked")

	_, err = run(t, NewSetCommand(p.cfg), "--env", "staging", "--service", "shared", "A=1")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	p := newProject(t)
	p.writeSource(t, "staging", "A=1\nB=2\n")

	out, err := run(t, NewValidateCommand(p.cfg), "--sources")
	require.NoError(t, err)
	assert.Contains(t, out, "Project: acme")
	assert.Contains(t, out, "Backend: file")
	assert.Contains(t, out, "Services: api, billing")
	assert.Contains(t, out, "staging: 2 variable(s)")
	assert.Contains(t, out, "production: 0 variable(s)")

	bad := &config.Config{Path: filepath.Join(p.dir, "missing.yaml"), Logger: logging.New(false, true)}
	_, err = run(t, NewValidateCommand(bad))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "configuration file not found"))
}
