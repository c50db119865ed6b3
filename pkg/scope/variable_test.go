package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ServiceOverridesShared(t *testing.T) {
	t.Parallel()

	vars := []Variable{
		{Key: "LOG_LEVEL", Value: "info", Scope: Shared{}},
		{Key: "DATABASE_URL", Value: "postgres://shared", Scope: Shared{}},
		{Key: "DATABASE_URL", Value: "postgres://api", Scope: Service{Name: "api"}},
		{Key: "QUEUE", Value: "jobs", Scope: Service{Name: "worker"}},
	}

	got := Resolve(vars, Service{Name: "api"}, []string{"api", "worker"})
	require.Len(t, got, 2)

	assert.Equal(t, "DATABASE_URL", got[0].Key)
	assert.Equal(t, "postgres://api", got[0].Value)
	assert.Equal(t, Service{Name: "api"}, got[0].Scope)

	assert.Equal(t, "LOG_LEVEL", got[1].Key)
	assert.Equal(t, Shared{}, got[1].Scope)
	assert.Equal(t, LifecycleActive, got[1].Lifecycle)
}

func TestResolve_SharedTargetIgnoresServices(t *testing.T) {
	t.Parallel()

	vars := []Variable{
		{Key: "A", Value: "1", Scope: Shared{}},
		{Key: "A", Value: "2", Scope: Service{Name: "api"}},
		{Key: "B", Value: "3"},
	}

	got := Resolve(vars, Shared{}, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Value)
	assert.Equal(t, "B", got[1].Key)
	assert.Equal(t, Shared{}, got[1].Scope)
}

func TestFlatten_MarksOrphans(t *testing.T) {
	t.Parallel()

	vars := []Variable{
		{Key: "B", Value: "x", Scope: Service{Name: "legacy"}},
		{Key: "A", Value: "y", Scope: Service{Name: "api"}},
		{Key: "A", Value: "z", Scope: Shared{}},
	}

	got := Flatten(vars, []string{"api"})
	require.Len(t, got, 3)

	assert.Equal(t, "A", got[0].Key)
	assert.Equal(t, Service{Name: "api"}, got[0].Scope)
	assert.Equal(t, "A", got[1].Key)
	assert.Equal(t, Shared{}, got[1].Scope)
	assert.Equal(t, LifecycleOrphan, got[2].Lifecycle)
}

func TestLifecycleOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LifecycleActive, LifecycleOf(Service{Name: "x"}, nil))
	assert.Equal(t, LifecycleActive, LifecycleOf(Shared{}, []string{}))
	assert.Equal(t, LifecycleOrphan, LifecycleOf(Service{Name: "x"}, []string{}))
	assert.Equal(t, LifecycleActive, LifecycleOf(Service{Name: "x"}, []string{"x"}))
}

func TestIsSensitiveKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want bool
	}{
		{"STRIPE_SECRET_KEY", true},
		{"GITHUB_TOKEN", true},
		{"DB_PASSWORD", true},
		{"MAILGUN_API_KEY", true},
		{"SIGNING_KEY", true},
		{"LOG_LEVEL", false},
		{"PORT", false},
		{"NODE_ENV", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSensitiveKey(tt.key), tt.key)
	}
}
