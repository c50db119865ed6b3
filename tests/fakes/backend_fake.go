package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/systmms/dsync/pkg/backend"
	"github.com/systmms/dsync/pkg/scope"
)

// FakeBackend is a manual fake implementation of backend.Client.
//
// Variables live in memory. Writes to configured keys can be made to fail
// or panic, so callers can exercise partial-failure handling.
//
// Example usage:
//
//	fake := fakes.NewFakeBackend("acme", "staging").
//	    WithVariable("DB_URL", "postgres://", scope.Shared{}).
//	    WithError("API_TOKEN", errors.New("throttled"))
type FakeBackend struct {
	project string
	env     string

	vars map[string]backend.Variable // serialized scope + "/" + key

	failOn    map[string]error
	panicOn   map[string]string
	listErr   error
	callCount map[string]int
	writes    []string

	now func() time.Time
	mu  sync.RWMutex
}

// NewFakeBackend creates an empty fake. WithVariable uses project and env as defaults.
func NewFakeBackend(project, env string) *FakeBackend {
	return &FakeBackend{
		project:   project,
		env:       env,
		vars:      make(map[string]backend.Variable),
		failOn:    make(map[string]error),
		panicOn:   make(map[string]string),
		callCount: make(map[string]int),
		now:       time.Now,
	}
}

func id(key string, sc scope.Scope) string {
	return scope.Serialize(sc) + "/" + key
}

// WithVariable seeds a variable.
func (f *FakeBackend) WithVariable(key, value string, sc scope.Scope) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vars[id(key, sc)] = backend.Variable{
		Key:         key,
		Value:       value,
		Project:     f.project,
		Environment: f.env,
		Scope:       sc,
		Sensitive:   scope.IsSensitiveKey(key),
		UpdatedAt:   f.now(),
	}
	return f
}

// WithError makes every write of key (any scope) return err.
func (f *FakeBackend) WithError(key string, err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failOn[key] = err
	return f
}

// WithPanic makes every write of key panic with msg.
func (f *FakeBackend) WithPanic(key, msg string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.panicOn[key] = msg
	return f
}

// WithListError makes List and Export fail.
func (f *FakeBackend) WithListError(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listErr = err
	return f
}

// ClearErrors removes every injected failure.
func (f *FakeBackend) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failOn = make(map[string]error)
	f.panicOn = make(map[string]string)
	f.listErr = nil
}

func (f *FakeBackend) injected(key string) error {
	if msg, ok := f.panicOn[key]; ok {
		panic(msg)
	}
	return f.failOn[key]
}

// Get implements backend.Client.
func (f *FakeBackend) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*backend.Variable, error) {
	f.trackCall("Get")

	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.vars[id(key, sc)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// Set implements backend.Client.
func (f *FakeBackend) Set(ctx context.Context, in backend.SetInput) (*backend.Variable, error) {
	f.trackCall("Set")

	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, "set "+id(in.Key, in.Scope))
	if err := f.injected(in.Key); err != nil {
		return nil, err
	}

	v := backend.Variable{
		Key:         in.Key,
		Value:       in.Value,
		Project:     in.Project,
		Environment: in.Environment,
		Scope:       in.Scope,
		Sensitive:   in.Sensitive,
		UpdatedAt:   f.now(),
	}
	if in.Sensitive {
		t := v.UpdatedAt
		v.LastRotated = &t
	}
	f.vars[id(in.Key, in.Scope)] = v
	return &v, nil
}

// SetMany implements backend.Client.
func (f *FakeBackend) SetMany(ctx context.Context, in []backend.SetInput) ([]backend.Variable, error) {
	out := make([]backend.Variable, 0, len(in))
	for _, input := range in {
		v, err := f.Set(ctx, input)
		if err != nil {
			return out, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// Delete implements backend.Client.
func (f *FakeBackend) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	f.trackCall("Delete")

	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, "delete "+id(key, sc))
	if err := f.injected(key); err != nil {
		return false, err
	}
	if _, ok := f.vars[id(key, sc)]; !ok {
		return false, nil
	}
	delete(f.vars, id(key, sc))
	return true, nil
}

// List implements backend.Client.
func (f *FakeBackend) List(ctx context.Context, filter backend.Filter) ([]backend.Variable, error) {
	f.trackCall("List")

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []backend.Variable{}
	for _, v := range f.vars {
		if filter.Matches(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return id(out[i].Key, out[i].Scope) < id(out[j].Key, out[j].Scope)
	})
	return out, nil
}

// Export implements backend.Client.
func (f *FakeBackend) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	f.trackCall("Export")

	vars, err := f.List(ctx, backend.Filter{Project: project, Environment: env})
	if err != nil {
		return nil, err
	}
	raw := make([]scope.Variable, 0, len(vars))
	for _, v := range vars {
		raw = append(raw, scope.Variable{Key: v.Key, Value: v.Value, Scope: v.Scope})
	}
	if sc == nil {
		sc = scope.Shared{}
	}
	out := make(map[string]string)
	for _, rv := range scope.Resolve(raw, sc, nil) {
		out[rv.Key] = rv.Value
	}
	return out, nil
}

// Value returns the stored value of key in sc and whether it exists.
func (f *FakeBackend) Value(key string, sc scope.Scope) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.vars[id(key, sc)]
	return v.Value, ok
}

// Close records the call; the fake holds no resources.
func (f *FakeBackend) Close() error {
	f.trackCall("Close")
	return nil
}

// Writes returns every attempted write in order, as "set <scope>/<key>" or "delete <scope>/<key>".
func (f *FakeBackend) Writes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]string(nil), f.writes...)
}

// GetCallCount returns the number of times a method was called.
func (f *FakeBackend) GetCallCount(method string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.callCount[method]
}

func (f *FakeBackend) trackCall(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callCount[method]++
}

// String returns a string representation of the fake backend.
func (f *FakeBackend) String() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return fmt.Sprintf("FakeBackend{project=%s, env=%s, vars=%d}", f.project, f.env, len(f.vars))
}
