package backend

import (
	"context"
	"fmt"
	"sort"
)

// Config selects and configures a backend. Keys other than type are passed
// to the backend's factory untouched.
type Config struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// String returns a string option, or "" when absent.
func (c Config) String(key string) string {
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a bool option, or fallback when absent.
func (c Config) Bool(key string, fallback bool) bool {
	if v, ok := c.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// Factory creates a client from configuration.
type Factory func(ctx context.Context, cfg Config) (Client, error)

// Registry maps backend types to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("memory", func(ctx context.Context, cfg Config) (Client, error) {
		return NewMemory(), nil
	})
	r.Register("file", NewFileFactory)
	r.Register("aws.ssm", NewSSMFactory)
	r.Register("aws.secretsmanager", NewSecretsManagerFactory)
	r.Register("keychain", NewKeychainFactory)
	r.Register("sql", NewSQLFactory)

	return r
}

// Register adds or replaces the factory for a type.
func (r *Registry) Register(backendType string, f Factory) {
	r.factories[backendType] = f
}

// Create builds the client for cfg.
func (r *Registry) Create(ctx context.Context, cfg Config) (Client, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	return f(ctx, cfg)
}

// IsSupported reports whether a type is registered.
func (r *Registry) IsSupported(backendType string) bool {
	_, ok := r.factories[backendType]
	return ok
}

// SupportedTypes lists registered types, sorted.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
