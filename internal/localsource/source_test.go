package localsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_ParsesEnvFile(t *testing.T) {
	t.Parallel()

	body := "# comment\nPORT=8080\nAPI_TOKEN=\"abc def\"\nexport LOG_LEVEL=debug\n"
	src, err := Load(writeEnv(t, body), scope.Service{Name: "api"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"PORT": "8080", "API_TOKEN": "abc def", "LOG_LEVEL": "debug"}, src.Values())
	assert.Equal(t, plan.Fingerprint([]byte(body)), src.Fingerprint())

	vars := src.Variables("staging", []string{"api"})
	require.Len(t, vars, 3)
	assert.Equal(t, "API_TOKEN", vars[0].Key)
	assert.True(t, vars[0].Sensitive)
	assert.False(t, vars[2].Sensitive)
	assert.Equal(t, "staging", vars[1].Environment)
	assert.Equal(t, scope.LifecycleActive, vars[1].Lifecycle)
	assert.True(t, scope.Equal(scope.Service{Name: "api"}, vars[1].Scope))
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	src, err := Load(filepath.Join(t.TempDir(), "missing.env"), nil)
	require.NoError(t, err)

	assert.Empty(t, src.Values())
	assert.True(t, scope.IsShared(src.Scope))
	assert.Equal(t, plan.Fingerprint(nil), src.Fingerprint())
}

func TestVariables_OrphanScope(t *testing.T) {
	t.Parallel()

	src, err := Load(writeEnv(t, "A=1\n"), scope.Service{Name: "legacy"})
	require.NoError(t, err)

	vars := src.Variables("dev", []string{"api"})
	require.Len(t, vars, 1)
	assert.Equal(t, scope.LifecycleOrphan, vars[0].Lifecycle)
}

func TestMerge_PreservesOtherKeys(t *testing.T) {
	t.Parallel()

	path := writeEnv(t, "B=2\nA=1\n")
	src, err := Load(path, nil)
	require.NoError(t, err)
	before := src.Fingerprint()

	require.NoError(t, src.Merge(map[string]string{"B": "3", "C": "hello world"}))

	reloaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "3", "C": "hello world"}, reloaded.Values())
	assert.NotEqual(t, before, src.Fingerprint())
	assert.Equal(t, reloaded.Fingerprint(), src.Fingerprint())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMerge_CreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", ".env.dev")
	src, err := Load(path, nil)
	require.NoError(t, err)

	require.NoError(t, src.Merge(map[string]string{"A": "1"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=1\n", string(data))
}

func TestMerge_WriteFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	src, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(path, 0700))

	assert.Error(t, src.Merge(map[string]string{"A": "1"}))
}
