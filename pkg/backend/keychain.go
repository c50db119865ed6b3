package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/systmms/dsync/pkg/scope"
)

const keychainIndexAccount = "__dsync_index__"

// Keychain stores values in the OS keychain. Keychains cannot enumerate
// items, so each project environment keeps an index item listing its keys.
type Keychain struct {
	servicePrefix string
	mu            sync.Mutex
	now           func() time.Time
}

type keychainIndexEntry struct {
	Key         string     `json:"key"`
	Scope       string     `json:"scope"`
	Sensitive   bool       `json:"sensitive"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastRotated *time.Time `json:"lastRotated,omitempty"`
}

// NewKeychain returns a keychain backend whose item services start with servicePrefix.
func NewKeychain(servicePrefix string) *Keychain {
	if servicePrefix == "" {
		servicePrefix = "dsync"
	}
	return &Keychain{servicePrefix: servicePrefix, now: time.Now}
}

// NewKeychainFactory builds a keychain backend from the "service_prefix" option.
func NewKeychainFactory(ctx context.Context, cfg Config) (Client, error) {
	return NewKeychain(cfg.String("service_prefix")), nil
}

func (k *Keychain) service(project, env string) string {
	return fmt.Sprintf("%s/%s/%s", k.servicePrefix, project, env)
}

func account(key string, sc scope.Scope) string {
	return scope.Serialize(sc) + "/" + key
}

func (k *Keychain) readIndex(project, env string) ([]keychainIndexEntry, error) {
	raw, err := keyring.Get(k.service(project, env), keychainIndexAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keychain index: %w", err)
	}
	var entries []keychainIndexEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse keychain index: %w", err)
	}
	return entries, nil
}

func (k *Keychain) writeIndex(project, env string, entries []keychainIndexEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode keychain index: %w", err)
	}
	if err := keyring.Set(k.service(project, env), keychainIndexAccount, string(data)); err != nil {
		return fmt.Errorf("failed to write keychain index: %w", err)
	}
	return nil
}

func indexOf(entries []keychainIndexEntry, key string, sc scope.Scope) int {
	serialized := scope.Serialize(sc)
	for i, e := range entries {
		if e.Key == key && e.Scope == serialized {
			return i
		}
	}
	return -1
}

func (k *Keychain) load(e keychainIndexEntry, project, env string) (*Variable, error) {
	sc, ok := scope.Parse(e.Scope)
	if !ok {
		return nil, fmt.Errorf("%s has invalid scope %q in keychain index", e.Key, e.Scope)
	}
	value, err := keyring.Get(k.service(project, env), account(e.Key, sc))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s from keychain: %w", e.Key, err)
	}
	return &Variable{
		Key:         e.Key,
		Value:       value,
		Project:     project,
		Environment: env,
		Scope:       sc,
		Sensitive:   e.Sensitive,
		UpdatedAt:   e.UpdatedAt,
		LastRotated: e.LastRotated,
	}, nil
}

// Get implements Client.
func (k *Keychain) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.readIndex(project, env)
	if err != nil {
		return nil, err
	}
	i := indexOf(entries, key, sc)
	if i < 0 {
		return nil, nil
	}
	return k.load(entries[i], project, env)
}

// Set implements Client.
func (k *Keychain) Set(ctx context.Context, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.readIndex(in.Project, in.Environment)
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(k.service(in.Project, in.Environment), account(in.Key, in.Scope), in.Value); err != nil {
		return nil, fmt.Errorf("failed to write %s to keychain: %w", in.Key, err)
	}

	v := stamp(in, k.now())
	entry := keychainIndexEntry{
		Key:         v.Key,
		Scope:       scope.Serialize(v.Scope),
		Sensitive:   v.Sensitive,
		UpdatedAt:   v.UpdatedAt,
		LastRotated: v.LastRotated,
	}
	if i := indexOf(entries, in.Key, in.Scope); i >= 0 {
		entries[i] = entry
	} else {
		entries = append(entries, entry)
	}
	if err := k.writeIndex(in.Project, in.Environment, entries); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetMany implements Client.
func (k *Keychain) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	return setEach(ctx, k, in)
}

// Delete implements Client.
func (k *Keychain) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.readIndex(project, env)
	if err != nil {
		return false, err
	}
	i := indexOf(entries, key, sc)
	if i < 0 {
		return false, nil
	}
	if err := keyring.Delete(k.service(project, env), account(key, sc)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return false, fmt.Errorf("failed to delete %s from keychain: %w", key, err)
	}
	entries = append(entries[:i], entries[i+1:]...)
	if err := k.writeIndex(project, env, entries); err != nil {
		return false, err
	}
	return true, nil
}

// List implements Client. Project and environment are required.
func (k *Keychain) List(ctx context.Context, f Filter) ([]Variable, error) {
	if f.Project == "" || f.Environment == "" {
		return nil, fmt.Errorf("keychain backend requires project and environment to list")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.readIndex(f.Project, f.Environment)
	if err != nil {
		return nil, err
	}
	out := []Variable{}
	for _, e := range entries {
		v, err := k.load(e, f.Project, f.Environment)
		if err != nil {
			return nil, err
		}
		if v != nil && f.Matches(*v) {
			out = append(out, *v)
		}
	}
	sortVariables(out)
	return out, nil
}

// Export implements Client.
func (k *Keychain) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, k, project, env, sc)
}
