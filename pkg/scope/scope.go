// Package scope describes where a variable lives and how it is seen after
// inheritance resolution.
//
// A variable is either shared (visible to every service in an environment) or
// owned by exactly one named service. Scope is a closed sum type: the only
// implementations are Shared and Service, and Match forces callers to handle
// both variants.
//
// # Serialization
//
// Scopes serialize to "shared" or "service:<name>". Parse accepts the legacy
// sentinel "__shared__" and a bare service name as shorthand:
//
//	sc, ok := scope.Parse("service:api") // Service{Name: "api"}, true
//	sc, ok = scope.Parse("worker")       // Service{Name: "worker"}, true
//	_, ok = scope.Parse("")              // nil, false
//
// A failed parse is absence, not an error. Callers must treat ok == false as
// "no scope given".
package scope

import (
	"fmt"
	"strings"
)

const (
	// SharedName is the serialized form of the shared scope.
	SharedName = "shared"

	// LegacySharedName is the sentinel older stores use for the shared scope.
	LegacySharedName = "__shared__"

	servicePrefix = "service:"
)

// Scope is either Shared or Service.
type Scope interface {
	isScope()
	String() string
}

// Shared applies a variable to every service.
type Shared struct{}

func (Shared) isScope() {}

// String returns "shared".
func (Shared) String() string { return SharedName }

// Service applies a variable to one named service.
type Service struct {
	Name string
}

func (Service) isScope() {}

// String returns "service:<name>".
func (s Service) String() string { return servicePrefix + s.Name }

// NewService returns a service scope, rejecting empty and sentinel names.
func NewService(name string) (Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Service{}, fmt.Errorf("service name must not be empty")
	}
	if isSharedName(name) {
		return Service{}, fmt.Errorf("service name %q is reserved for the shared scope", name)
	}
	return Service{Name: name}, nil
}

// Match dispatches on the scope variant. A nil scope is treated as shared.
func Match[T any](sc Scope, shared func() T, service func(Service) T) T {
	switch s := sc.(type) {
	case Service:
		return service(s)
	case *Service:
		return service(*s)
	default:
		return shared()
	}
}

// IsShared reports whether sc is the shared scope.
func IsShared(sc Scope) bool {
	if sc == nil {
		return false
	}
	return Match(sc, func() bool { return true }, func(Service) bool { return false })
}

// ServiceName returns the service name of sc, or "" for shared or nil scopes.
func ServiceName(sc Scope) string {
	if sc == nil {
		return ""
	}
	return Match(sc, func() string { return "" }, func(s Service) string { return s.Name })
}

// Equal reports whether two scopes have the same kind and, for services, the
// same name. Two nil scopes are equal.
func Equal(a, b Scope) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Serialize(a) == Serialize(b)
}

// Serialize renders sc as "shared" or "service:<name>". A nil scope renders as
// the empty string.
func Serialize(sc Scope) string {
	if sc == nil {
		return ""
	}
	return Match(sc,
		func() string { return SharedName },
		func(s Service) string { return servicePrefix + s.Name },
	)
}

// Parse is the inverse of Serialize. It returns ok == false for empty input,
// an empty service name, or an unknown "<prefix>:" form.
func Parse(raw string) (Scope, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	if isSharedName(s) {
		return Shared{}, true
	}
	if strings.HasPrefix(s, servicePrefix) {
		svc, err := NewService(strings.TrimPrefix(s, servicePrefix))
		if err != nil {
			return nil, false
		}
		return svc, true
	}
	if strings.Contains(s, ":") {
		return nil, false
	}
	svc, err := NewService(s)
	if err != nil {
		return nil, false
	}
	return svc, true
}

// FromService builds a scope from an optional service name: "" means shared.
func FromService(name string) Scope {
	name = strings.TrimSpace(name)
	if name == "" || isSharedName(name) {
		return Shared{}
	}
	return Service{Name: name}
}

func isSharedName(s string) bool {
	return s == SharedName || s == LegacySharedName
}
