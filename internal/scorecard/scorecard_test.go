package scorecard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsync/internal/governance"
	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rv(key, value string, sc scope.Scope) scope.ResolvedVariable {
	return scope.ResolvedVariable{
		Key:         key,
		Value:       value,
		Environment: "staging",
		Scope:       sc,
		Sensitive:   scope.IsSensitiveKey(key),
		Lifecycle:   scope.LifecycleActive,
	}
}

func cleanGovernance() governance.Result {
	return governance.Evaluate(nil, governance.Settings{Environment: "staging", PolicyMode: scopepolicy.ModeWarn}, now)
}

func categories(issues []Issue) []Category {
	out := []Category{}
	for _, i := range issues {
		out = append(out, i.Category)
	}
	return out
}

func TestBuild_NoDriftIsSynced(t *testing.T) {
	t.Parallel()

	vars := []scope.ResolvedVariable{
		rv("LOG_LEVEL", "info", scope.Shared{}),
		rv("API_TOKEN", "t", scope.Service{Name: "api"}),
	}
	p := plan.Compute(vars, vars, plan.Options{Environment: "staging", ID: "p"})
	gov := governance.Evaluate(vars, governance.Settings{Environment: "staging", PolicyMode: scopepolicy.ModeWarn}, now)

	card := Build(Input{
		Local:         vars,
		Remote:        vars,
		Changes:       p.Changes,
		Governance:    gov,
		Environment:   "staging",
		KnownServices: []string{"api"},
	})

	assert.True(t, card.Drift.Synced)
	assert.Equal(t, HealthOK, card.Health)
	assert.Empty(t, card.Issues)
	assert.Equal(t, 2, card.TotalVars)
	assert.Equal(t, 1, card.Secrets)
	assert.Equal(t, 1, card.Configs)
}

func TestBuild_Drift(t *testing.T) {
	t.Parallel()

	local := []scope.ResolvedVariable{rv("A", "1", scope.Shared{}), rv("B", "2", scope.Shared{})}
	remote := []scope.ResolvedVariable{rv("B", "3", scope.Shared{}), rv("C", "4", scope.Shared{}), rv("D", "5", scope.Shared{})}
	p := plan.Compute(local, remote, plan.Options{Environment: "staging", ID: "p"})

	card := Build(Input{Local: local, Remote: remote, Changes: p.Changes, Governance: cleanGovernance()})

	assert.Equal(t, Drift{LocalOnly: 1, RemoteOnly: 2, Conflicts: 1}, card.Drift)
	assert.Equal(t, HealthWarning, card.Health)
	require.Len(t, card.Issues, 3)
	assert.Equal(t, "1 variable(s) exist locally but not in backend", card.Issues[0].Message)
	assert.Equal(t, "2 variable(s) exist in backend but not locally", card.Issues[1].Message)
	assert.Equal(t, "1 variable(s) differ between local and backend", card.Issues[2].Message)
}

func TestBuild_DriftCountsDeletesAndPulls(t *testing.T) {
	t.Parallel()

	local := []scope.ResolvedVariable{rv("A", "1", scope.Shared{})}
	remote := []scope.ResolvedVariable{rv("A", "2", scope.Shared{}), rv("C", "4", scope.Shared{})}
	p := plan.Compute(local, remote, plan.Options{Environment: "staging", Strategy: plan.StrategyRemote, Prune: true, ID: "p"})

	card := Build(Input{Local: local, Remote: remote, Changes: p.Changes, Governance: cleanGovernance()})
	assert.Equal(t, Drift{RemoteOnly: 1, Conflicts: 1}, card.Drift)
}

func TestBuild_ErrorStrategyConflictsCount(t *testing.T) {
	t.Parallel()

	local := []scope.ResolvedVariable{rv("A", "1", scope.Shared{})}
	remote := []scope.ResolvedVariable{rv("A", "2", scope.Shared{})}
	p := plan.Compute(local, remote, plan.Options{Environment: "staging", Strategy: plan.StrategyError, ID: "p"})

	card := Build(Input{Local: local, Remote: remote, Changes: p.Changes, Conflicts: p.Conflicts, Governance: cleanGovernance()})
	assert.Equal(t, Drift{Conflicts: 1}, card.Drift)
}

func TestBuild_Services(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		local []scope.ResolvedVariable
		known []string
		want  []ServiceStatus
	}{
		{
			name:  "shared_only",
			local: []scope.ResolvedVariable{rv("A", "1", scope.Shared{}), rv("B", "2", scope.Shared{})},
			want:  []ServiceStatus{{Name: "shared", VarCount: 2, SharedCount: 2, Lifecycle: scope.LifecycleActive}},
		},
		{
			name: "known_and_orphan",
			local: []scope.ResolvedVariable{
				rv("A", "1", scope.Shared{}),
				rv("PORT", "8080", scope.Service{Name: "api"}),
				rv("QUEUE", "jobs", scope.Service{Name: "legacy"}),
			},
			known: []string{"api", "worker"},
			want: []ServiceStatus{
				{Name: "api", VarCount: 2, SharedCount: 1, ServiceCount: 1, Lifecycle: scope.LifecycleActive},
				{Name: "legacy", VarCount: 2, SharedCount: 1, ServiceCount: 1, Lifecycle: scope.LifecycleOrphan},
				{Name: "worker", VarCount: 1, SharedCount: 1, Lifecycle: scope.LifecycleActive},
			},
		},
		{
			name:  "nil_known_means_all_active",
			local: []scope.ResolvedVariable{rv("PORT", "8080", scope.Service{Name: "api"})},
			want:  []ServiceStatus{{Name: "api", VarCount: 1, ServiceCount: 1, Lifecycle: scope.LifecycleActive}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			card := Build(Input{Local: tt.local, Remote: tt.local, KnownServices: tt.known, Governance: cleanGovernance()})
			assert.Equal(t, tt.want, card.Services)
		})
	}
}

func TestBuild_HealthAndIssueOrder(t *testing.T) {
	t.Parallel()

	rotated := now.Add(-120 * 24 * time.Hour)
	local := []scope.ResolvedVariable{
		rv("STRIPE_KEY", "sk", scope.Shared{}),
		rv("DB_PASSWORD", "pw", scope.Shared{}),
		rv("QUEUE", "jobs", scope.Service{Name: "legacy"}),
	}
	local[1].Rotation = &scope.RotationInfo{LastRotated: rotated}

	gov := governance.Evaluate(local, governance.Settings{
		Environment:        "staging",
		PolicyMode:         scopepolicy.ModeWarn,
		RequiredKeys:       []string{"DATABASE_URL"},
		RotationMaxAgeDays: 90,
	}, now)

	p := plan.Compute(local, nil, plan.Options{Environment: "staging", ID: "p"})
	card := Build(Input{Local: local, Changes: p.Changes, Governance: gov, KnownServices: []string{"api"}})

	assert.Equal(t, HealthCritical, card.Health)
	assert.Equal(t, []Category{CategoryDrift, CategoryRequired, CategoryRotation, CategoryOrphan, CategoryPolicy}, categories(card.Issues))

	byCategory := map[Category]Issue{}
	for _, i := range card.Issues {
		byCategory[i.Category] = i
	}
	assert.Equal(t, SeverityError, byCategory[CategoryRequired].Severity)
	assert.Equal(t, "DATABASE_URL", byCategory[CategoryRequired].Key)
	assert.Equal(t, "DB_PASSWORD", byCategory[CategoryRotation].Key)
	assert.Contains(t, byCategory[CategoryRotation].Message, "120 days")
	assert.Contains(t, byCategory[CategoryOrphan].Message, "legacy")
	assert.Equal(t, SeverityWarning, byCategory[CategoryPolicy].Severity)
	assert.Equal(t, "STRIPE_KEY", byCategory[CategoryPolicy].Key)
}

func TestBuild_StrictPolicyIsCritical(t *testing.T) {
	t.Parallel()

	local := []scope.ResolvedVariable{rv("STRIPE_KEY", "sk", scope.Shared{})}
	gov := governance.Evaluate(local, governance.Settings{Environment: "staging", PolicyMode: scopepolicy.ModeStrict}, now)
	require.True(t, gov.Blocked)

	card := Build(Input{Local: local, Remote: local, Governance: gov})
	assert.True(t, card.Drift.Synced)
	assert.Equal(t, HealthCritical, card.Health)
	require.Len(t, card.Issues, 1)
	assert.Equal(t, SeverityError, card.Issues[0].Severity)
}

func TestBuild_RotationOnlyWarns(t *testing.T) {
	t.Parallel()

	local := []scope.ResolvedVariable{rv("DB_PASSWORD", "pw", scope.Shared{})}
	local[0].Rotation = &scope.RotationInfo{LastRotated: now.Add(-40 * 24 * time.Hour), MaxAgeDays: 30}
	gov := governance.Evaluate(local, governance.Settings{Environment: "staging", PolicyMode: scopepolicy.ModeWarn}, now)

	card := Build(Input{Local: local, Remote: local, Governance: gov})
	assert.Equal(t, HealthWarning, card.Health)
	assert.Equal(t, []Category{CategoryRotation}, categories(card.Issues))
}
