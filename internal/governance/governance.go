// Package governance evaluates a resolved variable set against scope policy,
// required keys and rotation age. Evaluation never fails: every finding is
// returned as data for the caller to block, warn or proceed on.
package governance

import (
	"fmt"
	"sort"
	"time"

	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/scope"
)

// Settings are the per-environment governance inputs.
type Settings struct {
	Environment        string
	Policy             *scopepolicy.Policy
	PolicyMode         scopepolicy.Mode
	RequiredKeys       []string
	RotationMaxAgeDays int
}

// PolicySection reports scope-policy findings.
type PolicySection struct {
	Mode       scopepolicy.Mode    `json:"mode"`
	Warnings   int                 `json:"warnings"`
	Violations int                 `json:"violations"`
	Issues     []scopepolicy.Issue `json:"issues"`
}

// RequiredSection reports missing required keys.
type RequiredSection struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
}

// RotationKey is one overdue sensitive variable.
type RotationKey struct {
	Key         string    `json:"key"`
	Scope       string    `json:"scope"`
	LastRotated time.Time `json:"lastRotated"`
	MaxAgeDays  int       `json:"maxAgeDays"`
	AgeDays     int       `json:"ageDays"`
}

// RotationSection reports overdue rotations.
type RotationSection struct {
	Overdue int           `json:"overdue"`
	Keys    []RotationKey `json:"keys"`
}

// Result is a governance evaluation. It is recomputed on every call.
type Result struct {
	Blocked     bool            `json:"blocked"`
	Warnings    []string        `json:"warnings"`
	Suggestions []string        `json:"suggestions"`
	Policy      PolicySection   `json:"policy"`
	Required    RequiredSection `json:"required"`
	Rotation    RotationSection `json:"rotation"`
}

// Evaluate runs every governance check over vars.
func Evaluate(vars []scope.ResolvedVariable, settings Settings, now time.Time) Result {
	policy := settings.Policy
	if policy == nil {
		policy = scopepolicy.Default()
	}
	mode := scopepolicy.ResolveMode(settings.PolicyMode)

	result := Result{
		Warnings:    []string{},
		Suggestions: []string{},
		Policy:      PolicySection{Mode: mode, Issues: []scopepolicy.Issue{}},
		Required:    RequiredSection{Missing: []string{}},
		Rotation:    RotationSection{Keys: []RotationKey{}},
	}

	evaluatePolicy(&result, policy, mode, vars)
	evaluateRequired(&result, vars, settings.RequiredKeys)
	evaluateRotation(&result, vars, settings.RotationMaxAgeDays, now)

	return result
}

func evaluatePolicy(result *Result, policy *scopepolicy.Policy, mode scopepolicy.Mode, vars []scope.ResolvedVariable) {
	for _, v := range vars {
		checked := policy.Check(v.Key, v.Scope, mode)
		result.Policy.Issues = append(result.Policy.Issues, checked.Issues...)
	}

	n := len(result.Policy.Issues)
	if n == 0 {
		return
	}

	if mode == scopepolicy.ModeStrict {
		result.Policy.Violations = n
		result.Blocked = true
	} else {
		result.Policy.Warnings = n
		for _, issue := range result.Policy.Issues {
			result.Warnings = append(result.Warnings, issue.Message)
		}
	}

	seen := make(map[string]bool)
	for _, issue := range result.Policy.Issues {
		s := issue.Override(mode)
		if !seen[s] {
			seen[s] = true
			result.Suggestions = append(result.Suggestions, s)
		}
	}
}

func evaluateRequired(result *Result, vars []scope.ResolvedVariable, required []string) {
	present := make(map[string]bool, len(vars))
	for _, v := range vars {
		present[v.Key] = true
	}

	for _, key := range required {
		if !present[key] {
			result.Required.Missing = append(result.Required.Missing, key)
		}
	}
	sort.Strings(result.Required.Missing)
	result.Required.Satisfied = len(result.Required.Missing) == 0

	for _, key := range result.Required.Missing {
		result.Warnings = append(result.Warnings, fmt.Sprintf("required variable %s is missing", key))
	}
	if !result.Required.Satisfied {
		result.Suggestions = append(result.Suggestions, "set the missing required variables with 'dsync set' or remove them from environments.<env>.required")
	}
}

func evaluateRotation(result *Result, vars []scope.ResolvedVariable, defaultMaxAge int, now time.Time) {
	for _, v := range vars {
		if !v.Sensitive || v.Rotation == nil || v.Rotation.LastRotated.IsZero() {
			continue
		}
		maxAge := v.Rotation.MaxAgeDays
		if maxAge <= 0 {
			maxAge = defaultMaxAge
		}
		if maxAge <= 0 {
			continue
		}

		age := now.Sub(v.Rotation.LastRotated)
		if age <= time.Duration(maxAge)*24*time.Hour {
			continue
		}

		key := RotationKey{
			Key:         v.Key,
			Scope:       scope.Serialize(v.Scope),
			LastRotated: v.Rotation.LastRotated,
			MaxAgeDays:  maxAge,
			AgeDays:     int(age.Hours() / 24),
		}
		result.Rotation.Keys = append(result.Rotation.Keys, key)
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s was last rotated %d days ago (max %d)", key.Key, key.AgeDays, key.MaxAgeDays))
	}

	result.Rotation.Overdue = len(result.Rotation.Keys)
	if result.Rotation.Overdue > 0 {
		result.Suggestions = append(result.Suggestions, "rotate overdue secrets and re-run 'dsync set' to record the new rotation time")
	}
}
