// Package guard decides whether a batch of writes may proceed.
//
// Two independent checks run over every variable: scope placement against the
// scope policy, and value content against encoding heuristics that catch
// values which were already encrypted or encoded before reaching dsync.
// Either check blocks only in strict mode; otherwise issues are advisory.
package guard

import (
	"fmt"

	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/scope"
)

// EnvGuardrailMode is consulted when no explicit value-guardrail mode is given.
const EnvGuardrailMode = "DSYNC_VALUE_GUARDRAIL"

// Write is one variable about to be written.
type Write struct {
	Key   string
	Value string
}

// Input describes a batch of writes into one scope.
type Input struct {
	Variables     []Write
	Target        scope.Scope
	Environment   string
	Policy        *scopepolicy.Policy
	PolicyMode    scopepolicy.Mode
	GuardrailMode scopepolicy.Mode
}

// ScopeIssueSummary aggregates scope-policy findings for a batch.
type ScopeIssueSummary struct {
	Mode   scopepolicy.Mode    `json:"mode"`
	Count  int                 `json:"count"`
	Issues []scopepolicy.Issue `json:"issues"`
	Lines  []string            `json:"lines"`
}

// ValueIssueSummary aggregates value-guardrail findings for a batch.
type ValueIssueSummary struct {
	Mode   scopepolicy.Mode `json:"mode"`
	Count  int              `json:"count"`
	Issues []ValueIssue     `json:"issues"`
	Lines  []string         `json:"lines"`
}

// Result is the guard's decision. Summaries are nil when a check found nothing.
type Result struct {
	Blocked           bool               `json:"blocked"`
	ScopeIssueSummary *ScopeIssueSummary `json:"scopeIssues,omitempty"`
	ValueIssueSummary *ValueIssueSummary `json:"valueIssues,omitempty"`
}

// Lines returns every formatted issue line, scope issues first.
func (r Result) Lines() []string {
	var lines []string
	if r.ScopeIssueSummary != nil {
		lines = append(lines, r.ScopeIssueSummary.Lines...)
	}
	if r.ValueIssueSummary != nil {
		lines = append(lines, r.ValueIssueSummary.Lines...)
	}
	return lines
}

// HasIssues reports whether either check found anything.
func (r Result) HasIssues() bool {
	return r.ScopeIssueSummary != nil || r.ValueIssueSummary != nil
}

// ResolveGuardrailMode picks the explicit mode, else DSYNC_VALUE_GUARDRAIL, else warn.
func ResolveGuardrailMode(explicit scopepolicy.Mode) scopepolicy.Mode {
	return scopepolicy.ResolveModeFrom(explicit, EnvGuardrailMode, scopepolicy.ModeWarn)
}

// Evaluate runs both checks over in.
func Evaluate(in Input) Result {
	policy := in.Policy
	if policy == nil {
		policy = scopepolicy.Default()
	}
	policyMode := scopepolicy.ResolveMode(in.PolicyMode)
	guardrailMode := ResolveGuardrailMode(in.GuardrailMode)

	var result Result

	var scopeIssues []scopepolicy.Issue
	for _, w := range in.Variables {
		scopeIssues = append(scopeIssues, policy.Check(w.Key, in.Target, policyMode).Issues...)
	}
	if len(scopeIssues) > 0 {
		summary := &ScopeIssueSummary{Mode: policyMode, Count: len(scopeIssues), Issues: scopeIssues}
		for _, issue := range scopeIssues {
			summary.Lines = append(summary.Lines, fmt.Sprintf("[scope:%s] %s (%s)", issue.Rule, issue.Message, issue.Override(policyMode)))
		}
		result.ScopeIssueSummary = summary
		if policyMode == scopepolicy.ModeStrict {
			result.Blocked = true
		}
	}

	if guardrailMode == scopepolicy.ModeOff {
		return result
	}

	var valueIssues []ValueIssue
	for _, w := range in.Variables {
		if issue, ok := InspectValue(w.Key, w.Value); ok {
			valueIssues = append(valueIssues, issue)
		}
	}
	if len(valueIssues) > 0 {
		summary := &ValueIssueSummary{Mode: guardrailMode, Count: len(valueIssues), Issues: valueIssues}
		for _, issue := range valueIssues {
			summary.Lines = append(summary.Lines, fmt.Sprintf("[value:%s] %s: %s, confidence %s (%s)",
				issue.Kind, issue.Key, issue.Message, issue.Confidence, guardrailOverride(guardrailMode)))
			if guardrailMode == scopepolicy.ModeStrict && issue.Confidence.blocks() {
				result.Blocked = true
			}
		}
		result.ValueIssueSummary = summary
	}

	return result
}

func guardrailOverride(mode scopepolicy.Mode) string {
	if mode == scopepolicy.ModeStrict {
		return fmt.Sprintf("use --value-guardrail warn or set %s=warn to allow", EnvGuardrailMode)
	}
	return fmt.Sprintf("use --value-guardrail off or set %s=off to silence", EnvGuardrailMode)
}
