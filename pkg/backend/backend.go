// Package backend defines the remote variable store contract and its
// implementations.
//
// A backend stores plaintext values keyed by (project, environment, scope,
// key). Encryption at rest is the store's concern; callers always see
// plaintext.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/systmms/dsync/pkg/scope"
)

// Variable is one stored value.
type Variable struct {
	Key         string
	Value       string
	Project     string
	Environment string
	Scope       scope.Scope
	Sensitive   bool
	UpdatedAt   time.Time
	LastRotated *time.Time
}

// SetInput describes a single write.
type SetInput struct {
	Key         string
	Value       string
	Project     string
	Environment string
	Scope       scope.Scope
	Sensitive   bool
	// RotatedAt overrides the rotation time recorded for a sensitive write.
	RotatedAt *time.Time
}

// Filter selects variables for List. A nil Scope selects every scope.
type Filter struct {
	Project     string
	Environment string
	Scope       scope.Scope
}

// Matches reports whether v passes the filter.
func (f Filter) Matches(v Variable) bool {
	if f.Project != "" && v.Project != f.Project {
		return false
	}
	if f.Environment != "" && v.Environment != f.Environment {
		return false
	}
	if f.Scope != nil && !scope.Equal(f.Scope, v.Scope) {
		return false
	}
	return true
}

// Client is the backend contract consumed by plan and apply.
type Client interface {
	// Get returns nil, nil when the variable does not exist.
	Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error)
	Set(ctx context.Context, in SetInput) (*Variable, error)
	SetMany(ctx context.Context, in []SetInput) ([]Variable, error)
	// Delete reports whether a variable was removed.
	Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error)
	List(ctx context.Context, f Filter) ([]Variable, error)
	// Export returns the resolved view for sc: shared values overridden by
	// the service's values. A nil or shared scope exports shared values only.
	Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error)
}

// ToResolved converts a listing into resolved variables, sorted by key then scope.
func ToResolved(vars []Variable, knownServices []string) []scope.ResolvedVariable {
	out := make([]scope.ResolvedVariable, 0, len(vars))
	for _, v := range vars {
		rv := scope.ResolvedVariable{
			Key:         v.Key,
			Value:       v.Value,
			Environment: v.Environment,
			Scope:       v.Scope,
			Sensitive:   v.Sensitive,
			Lifecycle:   scope.LifecycleOf(v.Scope, knownServices),
		}
		if v.LastRotated != nil {
			rv.Rotation = &scope.RotationInfo{LastRotated: *v.LastRotated}
		}
		out = append(out, rv)
	}
	scope.SortResolved(out)
	return out
}

// validateInput rejects writes no backend can address.
func validateInput(in SetInput) error {
	if strings.TrimSpace(in.Key) == "" {
		return fmt.Errorf("variable key is required")
	}
	if in.Project == "" || in.Environment == "" {
		return fmt.Errorf("%s: project and environment are required", in.Key)
	}
	if in.Scope == nil {
		return fmt.Errorf("%s: scope is required", in.Key)
	}
	return nil
}

// stamp builds the stored Variable for a write at now. Every sensitive write
// counts as a rotation.
func stamp(in SetInput, now time.Time) Variable {
	v := Variable{
		Key:         in.Key,
		Value:       in.Value,
		Project:     in.Project,
		Environment: in.Environment,
		Scope:       in.Scope,
		Sensitive:   in.Sensitive,
		UpdatedAt:   now.UTC(),
	}
	if in.RotatedAt != nil {
		t := in.RotatedAt.UTC()
		v.LastRotated = &t
	} else if in.Sensitive {
		t := now.UTC()
		v.LastRotated = &t
	}
	return v
}

// setEach implements SetMany as sequential Sets, stopping at the first error.
func setEach(ctx context.Context, c Client, inputs []SetInput) ([]Variable, error) {
	out := make([]Variable, 0, len(inputs))
	for _, in := range inputs {
		v, err := c.Set(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// export resolves the listing of project/env for sc.
func export(ctx context.Context, c Client, project, env string, sc scope.Scope) (map[string]string, error) {
	vars, err := c.List(ctx, Filter{Project: project, Environment: env})
	if err != nil {
		return nil, err
	}
	raw := make([]scope.Variable, 0, len(vars))
	for _, v := range vars {
		raw = append(raw, scope.Variable{Key: v.Key, Value: v.Value, Environment: v.Environment, Scope: v.Scope})
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

func sortVariables(vars []Variable) {
	sort.Slice(vars, func(i, j int) bool {
		if vars[i].Key != vars[j].Key {
			return vars[i].Key < vars[j].Key
		}
		return scope.Serialize(vars[i].Scope) < scope.Serialize(vars[j].Scope)
	})
}

// scopeSegment maps a scope to a path segment usable in parameter names.
// Shared lives at "shared", a service at "services/<name>".
func scopeSegment(sc scope.Scope) string {
	return scope.Match(sc,
		func() string { return scope.SharedName },
		func(s scope.Service) string { return "services/" + s.Name },
	)
}

// storeRoot joins the hierarchical name of a project environment.
func storeRoot(prefix, project, env string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, project, env)
	return strings.Join(parts, "/")
}

// storePath joins the hierarchical name of a variable.
func storePath(prefix, project, env string, sc scope.Scope, key string) string {
	return storeRoot(prefix, project, env) + "/" + scopeSegment(sc) + "/" + key
}

// parseStorePath is the inverse of storePath for names under root
// ("<prefix>/<project>/<env>").
func parseStorePath(root, name string) (scope.Scope, string, bool) {
	rest := strings.TrimPrefix(strings.Trim(name, "/"), strings.Trim(root, "/")+"/")
	if rest == strings.Trim(name, "/") {
		return nil, "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] == scope.SharedName:
		return scope.Shared{}, parts[1], parts[1] != ""
	case len(parts) == 3 && parts[0] == "services":
		svc, err := scope.NewService(parts[1])
		if err != nil || parts[2] == "" {
			return nil, "", false
		}
		return svc, parts[2], true
	}
	return nil, "", false
}
