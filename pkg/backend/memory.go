package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/dsync/internal/secure"
	"github.com/systmms/dsync/pkg/scope"
)

type memKey struct {
	project string
	env     string
	scope   string
	key     string
}

type memEntry struct {
	// meta.Value is always empty; the value lives in sealed.
	meta   Variable
	sealed *secure.Value
}

// Memory is an in-process backend. Values are held in encrypted memguard
// enclaves and only decrypted while being read.
type Memory struct {
	mu      sync.RWMutex
	entries map[memKey]*memEntry
	now     func() time.Time
}

// NewMemory returns an empty memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[memKey]*memEntry), now: time.Now}
}

func keyOf(key, project, env string, sc scope.Scope) memKey {
	return memKey{project: project, env: env, scope: scope.Serialize(sc), key: key}
}

func (m *Memory) open(e *memEntry) (Variable, error) {
	v := e.meta
	plain, err := e.sealed.Reveal()
	if err != nil {
		return Variable{}, fmt.Errorf("failed to open sealed value for %s: %w", v.Key, err)
	}
	v.Value = plain
	return v, nil
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[keyOf(key, project, env, sc)]
	if !ok {
		return nil, nil
	}
	v, err := m.open(e)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Set implements Client.
func (m *Memory) Set(ctx context.Context, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := stamp(in, m.now())
	meta := v
	meta.Value = ""
	entry := &memEntry{meta: meta, sealed: secure.Seal(in.Value)}

	k := keyOf(in.Key, in.Project, in.Environment, in.Scope)
	m.mu.Lock()
	if old, ok := m.entries[k]; ok {
		old.sealed.Destroy()
	}
	m.entries[k] = entry
	m.mu.Unlock()

	return &v, nil
}

// SetMany implements Client.
func (m *Memory) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	return setEach(ctx, m, in)
}

// Delete implements Client.
func (m *Memory) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(key, project, env, sc)
	e, ok := m.entries[k]
	if !ok {
		return false, nil
	}
	e.sealed.Destroy()
	delete(m.entries, k)
	return true, nil
}

// List implements Client.
func (m *Memory) List(ctx context.Context, f Filter) ([]Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Variable{}
	for _, e := range m.entries {
		if !f.Matches(e.meta) {
			continue
		}
		v, err := m.open(e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sortVariables(out)
	return out, nil
}

// Export implements Client.
func (m *Memory) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, m, project, env, sc)
}
