package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/scope"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func v(key string, sc scope.Scope) scope.ResolvedVariable {
	return scope.ResolvedVariable{Key: key, Value: "x", Scope: sc, Lifecycle: scope.LifecycleActive}
}

func rotated(key string, daysAgo, maxAge int) scope.ResolvedVariable {
	rv := v(key, scope.Shared{})
	rv.Sensitive = true
	rv.Rotation = &scope.RotationInfo{LastRotated: now.AddDate(0, 0, -daysAgo), MaxAgeDays: maxAge}
	return rv
}

func TestEvaluate_Clean(t *testing.T) {
	t.Parallel()

	result := Evaluate([]scope.ResolvedVariable{v("DATABASE_URL", scope.Shared{})}, Settings{
		PolicyMode:   scopepolicy.ModeStrict,
		RequiredKeys: []string{"DATABASE_URL"},
	}, now)

	assert.False(t, result.Blocked)
	assert.True(t, result.Required.Satisfied)
	assert.Empty(t, result.Warnings)
	assert.Empty(t, result.Suggestions)
	assert.Zero(t, result.Rotation.Overdue)
}

func TestEvaluate_PolicyModes(t *testing.T) {
	t.Parallel()

	vars := []scope.ResolvedVariable{
		v("MAILGUN_API_KEY", scope.Shared{}),
		v("NEXT_PUBLIC_URL", scope.Service{Name: "web"}),
		v("STRIPE_KEY", scope.Service{Name: "billing"}),
	}

	tests := []struct {
		name           string
		mode           scopepolicy.Mode
		wantBlocked    bool
		wantWarnings   int
		wantViolations int
	}{
		{name: "strict", mode: scopepolicy.ModeStrict, wantBlocked: true, wantViolations: 2},
		{name: "warn", mode: scopepolicy.ModeWarn, wantWarnings: 2},
		{name: "off", mode: scopepolicy.ModeOff},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := Evaluate(vars, Settings{PolicyMode: tt.mode}, now)
			assert.Equal(t, tt.wantBlocked, result.Blocked)
			assert.Equal(t, tt.wantWarnings, result.Policy.Warnings)
			assert.Equal(t, tt.wantViolations, result.Policy.Violations)
			assert.Len(t, result.Policy.Issues, tt.wantWarnings+tt.wantViolations)
			if tt.mode == scopepolicy.ModeStrict {
				assert.Contains(t, result.Suggestions[0], "--scope-policy warn")
			}
		})
	}
}

func TestEvaluate_RequiredNeverBlocks(t *testing.T) {
	t.Parallel()

	result := Evaluate([]scope.ResolvedVariable{v("A", scope.Service{Name: "api"})}, Settings{
		PolicyMode:   scopepolicy.ModeStrict,
		RequiredKeys: []string{"REDIS_URL", "A", "DATABASE_URL"},
	}, now)

	assert.False(t, result.Blocked)
	assert.False(t, result.Required.Satisfied)
	assert.Equal(t, []string{"DATABASE_URL", "REDIS_URL"}, result.Required.Missing)
	assert.Contains(t, result.Warnings, "required variable REDIS_URL is missing")
}

func TestEvaluate_Rotation(t *testing.T) {
	t.Parallel()

	plain := rotated("PLAIN", 400, 30)
	plain.Sensitive = false

	vars := []scope.ResolvedVariable{
		rotated("FRESH_TOKEN", 10, 30),
		rotated("OLD_TOKEN", 31, 30),
		rotated("DEFAULTED_SECRET", 100, 0),
		rotated("EXACT_SECRET", 30, 30),
		plain,
		v("NO_METADATA_SECRET", scope.Shared{}),
	}

	result := Evaluate(vars, Settings{PolicyMode: scopepolicy.ModeOff, RotationMaxAgeDays: 90}, now)

	require.Equal(t, 2, result.Rotation.Overdue)
	assert.Equal(t, "OLD_TOKEN", result.Rotation.Keys[0].Key)
	assert.Equal(t, 30, result.Rotation.Keys[0].MaxAgeDays)
	assert.Equal(t, 31, result.Rotation.Keys[0].AgeDays)
	assert.Equal(t, "DEFAULTED_SECRET", result.Rotation.Keys[1].Key)
	assert.Equal(t, 90, result.Rotation.Keys[1].MaxAgeDays)
	assert.False(t, result.Blocked)
	assert.Len(t, result.Warnings, 2)
}

func TestEvaluate_CustomPolicy(t *testing.T) {
	t.Parallel()

	policy, err := scopepolicy.FromSpecs([]scopepolicy.RuleSpec{
		{Name: "billing-owned", Pattern: "^BILLING_", Expected: "service", Service: "billing"},
	}, false)
	require.NoError(t, err)

	result := Evaluate([]scope.ResolvedVariable{
		v("BILLING_KEY", scope.Service{Name: "api"}),
		v("MAILGUN_API_KEY", scope.Shared{}),
	}, Settings{Policy: policy, PolicyMode: scopepolicy.ModeWarn}, now)

	require.Len(t, result.Policy.Issues, 1)
	assert.Equal(t, "billing-owned", result.Policy.Issues[0].Rule)
}
