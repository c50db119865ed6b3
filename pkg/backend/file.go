package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/systmms/dsync/pkg/scope"
)

// File stores one JSON document per project and environment under a directory.
type File struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

type fileRecord struct {
	Key         string     `json:"key"`
	Value       string     `json:"value"`
	Scope       string     `json:"scope"`
	Sensitive   bool       `json:"sensitive"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastRotated *time.Time `json:"lastRotated,omitempty"`
}

type fileDocument struct {
	Project     string       `json:"project"`
	Environment string       `json:"environment"`
	Variables   []fileRecord `json:"variables"`
}

// NewFile returns a file backend rooted at dir.
func NewFile(dir string) *File {
	return &File{dir: dir, now: time.Now}
}

// NewFileFactory builds a file backend from the "path" option.
func NewFileFactory(ctx context.Context, cfg Config) (Client, error) {
	dir := cfg.String("path")
	if dir == "" {
		dir = filepath.Join(".dsync", "store")
	}
	return NewFile(dir), nil
}

// sanitizeFilename replaces characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_")
	return replacer.Replace(name)
}

func (f *File) path(project, env string) string {
	return filepath.Join(f.dir, sanitizeFilename(project), sanitizeFilename(env)+".json")
}

func (f *File) read(project, env string) (*fileDocument, error) {
	doc := &fileDocument{Project: project, Environment: env}
	data, err := os.ReadFile(f.path(project, env))
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store file: %w", err)
	}
	return doc, nil
}

func (f *File) write(doc *fileDocument) error {
	path := f.path(doc.Project, doc.Environment)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

func (r fileRecord) variable(project, env string) (Variable, bool) {
	sc, ok := scope.Parse(r.Scope)
	if !ok {
		return Variable{}, false
	}
	return Variable{
		Key:         r.Key,
		Value:       r.Value,
		Project:     project,
		Environment: env,
		Scope:       sc,
		Sensitive:   r.Sensitive,
		UpdatedAt:   r.UpdatedAt,
		LastRotated: r.LastRotated,
	}, true
}

func find(doc *fileDocument, key string, sc scope.Scope) int {
	serialized := scope.Serialize(sc)
	for i, r := range doc.Variables {
		if r.Key == key && r.Scope == serialized {
			return i
		}
	}
	return -1
}

// Get implements Client.
func (f *File) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(project, env)
	if err != nil {
		return nil, err
	}
	i := find(doc, key, sc)
	if i < 0 {
		return nil, nil
	}
	v, ok := doc.Variables[i].variable(project, env)
	if !ok {
		return nil, fmt.Errorf("%s has invalid scope %q in store", key, doc.Variables[i].Scope)
	}
	return &v, nil
}

// Set implements Client.
func (f *File) Set(ctx context.Context, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(in.Project, in.Environment)
	if err != nil {
		return nil, err
	}

	v := stamp(in, f.now())
	rec := fileRecord{
		Key:         v.Key,
		Value:       v.Value,
		Scope:       scope.Serialize(v.Scope),
		Sensitive:   v.Sensitive,
		UpdatedAt:   v.UpdatedAt,
		LastRotated: v.LastRotated,
	}
	if i := find(doc, in.Key, in.Scope); i >= 0 {
		doc.Variables[i] = rec
	} else {
		doc.Variables = append(doc.Variables, rec)
	}

	if err := f.write(doc); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetMany implements Client.
func (f *File) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	return setEach(ctx, f, in)
}

// Delete implements Client.
func (f *File) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(project, env)
	if err != nil {
		return false, err
	}
	i := find(doc, key, sc)
	if i < 0 {
		return false, nil
	}
	doc.Variables = append(doc.Variables[:i], doc.Variables[i+1:]...)
	if err := f.write(doc); err != nil {
		return false, err
	}
	return true, nil
}

// List implements Client. Project and environment are required.
func (f *File) List(ctx context.Context, filter Filter) ([]Variable, error) {
	if filter.Project == "" || filter.Environment == "" {
		return nil, fmt.Errorf("file backend requires project and environment to list")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(filter.Project, filter.Environment)
	if err != nil {
		return nil, err
	}
	out := []Variable{}
	for _, r := range doc.Variables {
		v, ok := r.variable(filter.Project, filter.Environment)
		if ok && filter.Matches(v) {
			out = append(out, v)
		}
	}
	sortVariables(out)
	return out, nil
}

// Export implements Client.
func (f *File) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, f, project, env, sc)
}
