// Package localsource reads and rewrites the .env files that hold the local
// side of a sync.
package localsource

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joho/godotenv"

	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

// Source is one .env file bound to a scope.
type Source struct {
	Path  string
	Scope scope.Scope

	mu      sync.Mutex
	values  map[string]string
	content []byte
}

// Load reads path. A missing file is an empty source.
func Load(path string, sc scope.Scope) (*Source, error) {
	if sc == nil {
		sc = scope.Shared{}
	}
	s := &Source{Path: path, Scope: sc}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) reload() error {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", s.Path, err)
		}
		content = nil
	}

	values, err := godotenv.Unmarshal(string(content))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.Path, err)
	}

	s.content = content
	s.values = values
	return nil
}

// Fingerprint hashes the file content as it was last read or written.
func (s *Source) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return plan.Fingerprint(s.content)
}

// Values returns a copy of the parsed key/value pairs.
func (s *Source) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Variables returns the source as resolved variables in its scope, sorted by key.
// Sensitivity is inferred from the key name.
func (s *Source) Variables(environment string, knownServices []string) []scope.ResolvedVariable {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lifecycle := scope.LifecycleOf(s.Scope, knownServices)
	out := make([]scope.ResolvedVariable, 0, len(keys))
	for _, k := range keys {
		out = append(out, scope.ResolvedVariable{
			Key:         k,
			Value:       s.values[k],
			Environment: environment,
			Scope:       s.Scope,
			Sensitive:   scope.IsSensitiveKey(k),
			Lifecycle:   lifecycle,
		})
	}
	return out
}

// Merge rewrites the file with values applied over its current content.
// Keys not named in values are preserved; output is sorted by key.
func (s *Source) Merge(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return err
	}
	merged := make(map[string]string, len(s.values)+len(values))
	for k, v := range s.values {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	body, err := godotenv.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.Path, err)
	}
	content := []byte(body + "\n")

	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", s.Path, err)
		}
	}
	if err := os.WriteFile(s.Path, content, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}

	s.content = content
	s.values = merged
	return nil
}
