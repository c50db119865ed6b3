package plan

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed plan.schema.json
var planSchema []byte

// ErrNotFound is returned when no artifact exists for the requested plan.
var ErrNotFound = errors.New("plan not found")

// Store persists plan artifacts as JSON files in a directory.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore returns a store rooted at dir. The directory is created on first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the artifacts directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file a plan id is stored under.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

// FileName derives the artifact file name from a plan id.
func FileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String() + ".json"
}

// Save writes p, replacing any artifact with the same id.
func (s *Store) Save(p *Plan) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("cannot save plan without an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	tmp := s.Path(p.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	if err := os.Rename(tmp, s.Path(p.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// Load reads and validates the artifact for id.
func (s *Store) Load(id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadFile(s.Path(id))
}

// InvalidArtifact is a stored file that failed to load or validate.
type InvalidArtifact struct {
	Name string
	Err  error
}

// List returns every valid stored plan, newest first.
func (s *Store) List() ([]*Plan, error) {
	plans, _, err := s.Scan()
	return plans, err
}

// Scan returns every valid stored plan, newest first, and the artifacts it
// skipped. One corrupt file does not hide the others.
func (s *Store) Scan() ([]*Plan, []InvalidArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Plan{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read artifacts directory: %w", err)
	}

	var invalid []InvalidArtifact
	plans := make([]*Plan, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		p, err := s.loadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			invalid = append(invalid, InvalidArtifact{Name: entry.Name(), Err: err})
			continue
		}
		plans = append(plans, p)
	}

	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
	return plans, invalid, nil
}

// Latest returns the newest valid plan for environment.
func (s *Store) Latest(environment string) (*Plan, error) {
	plans, err := s.List()
	if err != nil {
		return nil, err
	}
	return LatestIn(plans, environment)
}

// LatestIn picks the newest plan for environment from a newest-first list.
func LatestIn(plans []*Plan, environment string) (*Plan, error) {
	for _, p := range plans {
		if p.Environment == environment {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w for environment %s", ErrNotFound, environment)
}

func (s *Store) loadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	if err := validateArtifact(data); err != nil {
		return nil, fmt.Errorf("invalid plan artifact %s: %w", filepath.Base(path), err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan artifact %s: %w", filepath.Base(path), err)
	}
	return &p, nil
}

func validateArtifact(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(planSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return fmt.Errorf("schema validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
