package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/systmms/dsync/pkg/scope"
)

// Action is what a change does.
type Action string

const (
	// ActionAdd writes a key that exists only locally to the backend.
	ActionAdd Action = "add"
	// ActionUpdate overwrites a divergent backend value with the local value.
	ActionUpdate Action = "update"
	// ActionDelete removes a remote-only key from the backend (prune only).
	ActionDelete Action = "delete"
	// ActionPull rewrites the local source with a divergent remote value.
	// The backend is never written for a pull.
	ActionPull Action = "pull"
)

// Target is the side a change writes to.
type Target string

const (
	TargetBackend Target = "backend"
	TargetLocal   Target = "local"
)

// Strategy decides how divergent values are resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyError  Strategy = "error"
)

// ParseStrategy validates a strategy name. Empty input means local.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyLocal:
		return StrategyLocal, nil
	case StrategyRemote:
		return StrategyRemote, nil
	case StrategyError:
		return StrategyError, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want local, remote or error)", s)
}

// Status records what happened to a change.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Change is one key to reconcile.
type Change struct {
	Key         string      `json:"key"`
	Scope       scope.Scope `json:"-"`
	Action      Action      `json:"action"`
	Sensitive   bool        `json:"sensitive"`
	LocalValue  *string     `json:"localValue,omitempty"`
	RemoteValue *string     `json:"remoteValue,omitempty"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
}

type changeJSON struct {
	Key         string  `json:"key"`
	Scope       string  `json:"scope"`
	Action      Action  `json:"action"`
	Sensitive   bool    `json:"sensitive"`
	LocalValue  *string `json:"localValue,omitempty"`
	RemoteValue *string `json:"remoteValue,omitempty"`
	Status      Status  `json:"status"`
	Error       string  `json:"error,omitempty"`
}

// MarshalJSON writes the scope in its serialized form.
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeJSON{
		Key:         c.Key,
		Scope:       scope.Serialize(c.Scope),
		Action:      c.Action,
		Sensitive:   c.Sensitive,
		LocalValue:  c.LocalValue,
		RemoteValue: c.RemoteValue,
		Status:      c.Status,
		Error:       c.Error,
	})
}

// UnmarshalJSON parses the serialized scope.
func (c *Change) UnmarshalJSON(data []byte) error {
	var raw changeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sc, ok := scope.Parse(raw.Scope)
	if !ok {
		return fmt.Errorf("change %q has invalid scope %q", raw.Key, raw.Scope)
	}
	*c = Change{
		Key:         raw.Key,
		Scope:       sc,
		Action:      raw.Action,
		Sensitive:   raw.Sensitive,
		LocalValue:  raw.LocalValue,
		RemoteValue: raw.RemoteValue,
		Status:      raw.Status,
		Error:       raw.Error,
	}
	return nil
}

// Target returns the side this change writes to.
func (c Change) Target() Target {
	if c.Action == ActionPull {
		return TargetLocal
	}
	return TargetBackend
}

// Value returns the value this change writes, or "" for deletes.
func (c Change) Value() string {
	switch c.Action {
	case ActionAdd, ActionUpdate:
		return deref(c.LocalValue)
	case ActionPull:
		return deref(c.RemoteValue)
	}
	return ""
}

// Validate checks the value-presence invariant for the change's action.
func (c Change) Validate() error {
	switch c.Action {
	case ActionAdd:
		if c.LocalValue == nil || c.RemoteValue != nil {
			return fmt.Errorf("add %s: must carry a local value and no remote value", c.Key)
		}
	case ActionDelete:
		if c.RemoteValue == nil || c.LocalValue != nil {
			return fmt.Errorf("delete %s: must carry a remote value and no local value", c.Key)
		}
	case ActionUpdate, ActionPull:
		if c.LocalValue == nil || c.RemoteValue == nil {
			return fmt.Errorf("%s %s: must carry both values", c.Action, c.Key)
		}
		if *c.LocalValue == *c.RemoteValue {
			return fmt.Errorf("%s %s: local and remote values are equal", c.Action, c.Key)
		}
	default:
		return fmt.Errorf("%s: unknown action %q", c.Key, c.Action)
	}
	if c.Scope == nil {
		return fmt.Errorf("%s: change has no scope", c.Key)
	}
	return nil
}

// Conflict is a key whose values diverge under the error strategy.
type Conflict struct {
	Key   string      `json:"key"`
	Scope scope.Scope `json:"-"`
}

type conflictJSON struct {
	Key   string `json:"key"`
	Scope string `json:"scope"`
}

// MarshalJSON writes the scope in its serialized form.
func (c Conflict) MarshalJSON() ([]byte, error) {
	return json.Marshal(conflictJSON{Key: c.Key, Scope: scope.Serialize(c.Scope)})
}

// UnmarshalJSON parses the serialized scope.
func (c *Conflict) UnmarshalJSON(data []byte) error {
	var raw conflictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sc, ok := scope.Parse(raw.Scope)
	if !ok {
		return fmt.Errorf("conflict %q has invalid scope %q", raw.Key, raw.Scope)
	}
	*c = Conflict{Key: raw.Key, Scope: sc}
	return nil
}

// Summary counts a plan's outcome per category.
type Summary struct {
	ToAdd      int `json:"toAdd"`
	ToUpdate   int `json:"toUpdate"`
	ToDelete   int `json:"toDelete"`
	ToPull     int `json:"toPull"`
	Unchanged  int `json:"unchanged"`
	Conflicts  int `json:"conflicts"`
	RemoteOnly int `json:"remoteOnly"`
}

// Plan is a reviewable set of changes for one environment.
type Plan struct {
	ID                string     `json:"id"`
	Environment       string     `json:"environment"`
	Strategy          Strategy   `json:"strategy"`
	Prune             bool       `json:"prune"`
	Changes           []Change   `json:"changes"`
	Conflicts         []Conflict `json:"conflicts"`
	Summary           Summary    `json:"summary"`
	CreatedAt         time.Time  `json:"createdAt"`
	SourceFingerprint string     `json:"sourceFingerprint"`
	AppliedAt         *time.Time `json:"appliedAt,omitempty"`
}

// Executable reports whether the plan may be applied. A plan computed under
// the error strategy with divergent keys is never executable.
func (p *Plan) Executable() bool {
	return len(p.Conflicts) == 0
}

// BlockReason explains why the plan is not executable and how to proceed.
func (p *Plan) BlockReason() string {
	if p.Executable() {
		return ""
	}
	keys := make([]string, 0, len(p.Conflicts))
	for _, c := range p.Conflicts {
		keys = append(keys, fmt.Sprintf("%s (%s)", c.Key, scope.Serialize(c.Scope)))
	}
	return fmt.Sprintf("%d conflicting key(s) under strategy %q: %s; re-run plan with --strategy local or --strategy remote",
		len(p.Conflicts), StrategyError, strings.Join(keys, ", "))
}

// HasChanges reports whether any change is present.
func (p *Plan) HasChanges() bool {
	return len(p.Changes) > 0
}

// Pending returns the changes not yet applied.
func (p *Plan) Pending() []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Status != StatusApplied {
			out = append(out, c)
		}
	}
	return out
}

// FullyApplied reports whether every change has been applied.
func (p *Plan) FullyApplied() bool {
	for _, c := range p.Changes {
		if c.Status != StatusApplied {
			return false
		}
	}
	return true
}

// IsStale reports whether the local source changed since the plan was computed.
func (p *Plan) IsStale(currentFingerprint string) bool {
	return p.SourceFingerprint != currentFingerprint
}

// Validate checks every change's invariants.
func (p *Plan) Validate() error {
	for _, c := range p.Changes {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Changes = make([]Change, len(p.Changes))
	for i, c := range p.Changes {
		cp.Changes[i] = c
		cp.Changes[i].LocalValue = copyStr(c.LocalValue)
		cp.Changes[i].RemoteValue = copyStr(c.RemoteValue)
	}
	cp.Conflicts = append([]Conflict(nil), p.Conflicts...)
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		cp.AppliedAt = &t
	}
	return &cp
}

// Fingerprint hashes local source content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	return &s
}
