package scope

import (
	"sort"
	"strings"
	"time"
)

// Lifecycle reports whether a variable's owning service is managed.
type Lifecycle string

const (
	LifecycleActive Lifecycle = "active"
	LifecycleOrphan Lifecycle = "orphan"
)

// RotationInfo carries rotation metadata for a sensitive variable.
type RotationInfo struct {
	LastRotated time.Time `json:"lastRotated"`
	MaxAgeDays  int       `json:"maxAgeDays,omitempty"`
}

// Variable is a raw variable as held by a store, before inheritance.
type Variable struct {
	Key         string
	Value       string
	Environment string
	Scope       Scope
	Sensitive   bool
	Rotation    *RotationInfo
}

// ResolvedVariable is one variable as seen after inheritance resolution.
type ResolvedVariable struct {
	Key         string
	Value       string
	Environment string
	Scope       Scope
	Sensitive   bool
	Lifecycle   Lifecycle
	Rotation    *RotationInfo
}

// LifecycleOf returns orphan when sc names a service absent from
// knownServices. A nil knownServices means every service is known.
func LifecycleOf(sc Scope, knownServices []string) Lifecycle {
	if knownServices == nil {
		return LifecycleActive
	}
	name := ServiceName(sc)
	if name == "" {
		return LifecycleActive
	}
	for _, known := range knownServices {
		if known == name {
			return LifecycleActive
		}
	}
	return LifecycleOrphan
}

// Resolve returns the view of vars seen by target: every shared variable,
// overridden key by key by variables owned by the target service. Variables
// of other services are excluded. A nil target resolves as shared.
func Resolve(vars []Variable, target Scope, knownServices []string) []ResolvedVariable {
	byKey := make(map[string]ResolvedVariable)
	targetService := ServiceName(target)

	for _, v := range vars {
		if v.Scope == nil || IsShared(v.Scope) {
			byKey[v.Key] = resolved(v, Shared{}, knownServices)
		}
	}

	if targetService != "" {
		for _, v := range vars {
			if ServiceName(v.Scope) == targetService {
				byKey[v.Key] = resolved(v, v.Scope, knownServices)
			}
		}
	}

	out := make([]ResolvedVariable, 0, len(byKey))
	for _, rv := range byKey {
		out = append(out, rv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Flatten returns every variable as a ResolvedVariable with its lifecycle,
// without applying inheritance. Output is sorted by key, then scope.
func Flatten(vars []Variable, knownServices []string) []ResolvedVariable {
	out := make([]ResolvedVariable, 0, len(vars))
	for _, v := range vars {
		sc := v.Scope
		if sc == nil {
			sc = Shared{}
		}
		out = append(out, resolved(v, sc, knownServices))
	}
	SortResolved(out)
	return out
}

// SortResolved orders variables by key, then serialized scope.
func SortResolved(vars []ResolvedVariable) {
	sort.SliceStable(vars, func(i, j int) bool {
		if vars[i].Key != vars[j].Key {
			return vars[i].Key < vars[j].Key
		}
		return Serialize(vars[i].Scope) < Serialize(vars[j].Scope)
	})
}

func resolved(v Variable, sc Scope, knownServices []string) ResolvedVariable {
	return ResolvedVariable{
		Key:         v.Key,
		Value:       v.Value,
		Environment: v.Environment,
		Scope:       sc,
		Sensitive:   v.Sensitive,
		Lifecycle:   LifecycleOf(sc, knownServices),
		Rotation:    v.Rotation,
	}
}

var sensitiveMarkers = []string{
	"SECRET", "TOKEN", "PASSWORD", "PASSWD", "PRIVATE", "CREDENTIAL",
	"API_KEY", "APIKEY", "ACCESS_KEY", "AUTH", "DSN", "SIGNING",
}

// IsSensitiveKey guesses whether a key holds a secret from its name. Used
// when a source carries no explicit sensitivity flag.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return strings.HasSuffix(upper, "_KEY")
}
