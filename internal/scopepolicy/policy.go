// Package scopepolicy maps variable-name conventions to the scope a variable
// is expected to live in.
//
// Rules are evaluated in declaration order and the first rule whose pattern
// matches a key decides the outcome for that key. Later rules are never
// consulted, so an earlier, narrower rule shadows a later, broader one.
package scopepolicy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/systmms/dsync/pkg/scope"
)

// EnvMode is the environment variable consulted when no explicit mode is given.
const EnvMode = "DSYNC_SCOPE_POLICY"

// Mode controls how scope issues are treated.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeStrict Mode = "strict"
)

// DefaultMode applies when neither an argument nor the environment sets a mode.
const DefaultMode = ModeWarn

// ParseMode validates a mode string. Empty input is not a valid mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOff:
		return ModeOff, true
	case ModeWarn:
		return ModeWarn, true
	case ModeStrict:
		return ModeStrict, true
	}
	return "", false
}

// ResolveMode picks the explicit mode if valid, else DSYNC_SCOPE_POLICY, else warn.
func ResolveMode(explicit Mode) Mode {
	return ResolveModeFrom(explicit, EnvMode, DefaultMode)
}

// ResolveModeFrom applies the explicit → environment → fallback order using envVar.
func ResolveModeFrom(explicit Mode, envVar string, fallback Mode) Mode {
	if m, ok := ParseMode(string(explicit)); ok {
		return m
	}
	if m, ok := ParseMode(os.Getenv(envVar)); ok {
		return m
	}
	return fallback
}

// Expected is the scope kind a rule expects.
type Expected string

const (
	ExpectShared  Expected = "shared"
	ExpectService Expected = "service"
)

// Rule maps a key pattern to an expected scope.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Expected Expected
	// Service, when set on a service rule, names the one service allowed to own the key.
	Service string
	Reason  string
}

// RuleSpec is the declarative form of a rule, as read from configuration.
type RuleSpec struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Expected string `yaml:"expected"`
	Service  string `yaml:"service,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

// Compile turns a RuleSpec into a Rule.
func (s RuleSpec) Compile() (Rule, error) {
	if strings.TrimSpace(s.Name) == "" {
		return Rule{}, fmt.Errorf("scope rule has no name")
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("scope rule %q: invalid pattern: %w", s.Name, err)
	}
	expected := Expected(strings.ToLower(strings.TrimSpace(s.Expected)))
	if expected != ExpectShared && expected != ExpectService {
		return Rule{}, fmt.Errorf("scope rule %q: expected must be 'shared' or 'service', got %q", s.Name, s.Expected)
	}
	if expected == ExpectShared && s.Service != "" {
		return Rule{}, fmt.Errorf("scope rule %q: a shared rule cannot name a service", s.Name)
	}
	return Rule{
		Name:     s.Name,
		Pattern:  re,
		Expected: expected,
		Service:  strings.TrimSpace(s.Service),
		Reason:   s.Reason,
	}, nil
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "public-config-shared",
			Pattern:  regexp.MustCompile(`^(NEXT_PUBLIC_|PUBLIC_|VITE_)`),
			Expected: ExpectShared,
			Reason:   "public client config is identical for every service",
		},
		{
			Name:     "shared-infrastructure",
			Pattern:  regexp.MustCompile(`^(DATABASE_URL|REDIS_URL|LOG_LEVEL|NODE_ENV|APP_ENV)$`),
			Expected: ExpectShared,
			Reason:   "core infrastructure settings are shared across services",
		},
		{
			Name:     "mailgun-service-owned",
			Pattern:  regexp.MustCompile(`^MAILGUN_`),
			Expected: ExpectService,
			Reason:   "mail provider credentials belong to the service that sends mail",
		},
		{
			Name:     "stripe-service-owned",
			Pattern:  regexp.MustCompile(`^STRIPE_`),
			Expected: ExpectService,
			Reason:   "payment credentials belong to the service that bills",
		},
		{
			Name:     "twilio-service-owned",
			Pattern:  regexp.MustCompile(`^TWILIO_`),
			Expected: ExpectService,
			Reason:   "SMS credentials belong to the service that sends messages",
		},
		{
			Name:     "sendgrid-service-owned",
			Pattern:  regexp.MustCompile(`^SENDGRID_`),
			Expected: ExpectService,
			Reason:   "mail provider credentials belong to the service that sends mail",
		},
	}
}

// Policy is an ordered list of rules.
type Policy struct {
	rules []Rule
}

// New returns a policy evaluating rules in the given order.
func New(rules ...Rule) *Policy {
	return &Policy{rules: append([]Rule(nil), rules...)}
}

// Default returns a policy with only the built-in rules.
func Default() *Policy {
	return New(DefaultRules()...)
}

// FromSpecs builds a policy where configured rules precede the built-ins.
func FromSpecs(specs []RuleSpec, includeDefaults bool) (*Policy, error) {
	var rules []Rule
	for _, spec := range specs {
		rule, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if includeDefaults {
		rules = append(rules, DefaultRules()...)
	}
	return New(rules...), nil
}

// Rules returns a copy of the rules in evaluation order.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Match returns the first rule whose pattern matches key.
func (p *Policy) Match(key string) (Rule, bool) {
	for _, rule := range p.rules {
		if rule.Pattern.MatchString(key) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Issue is one key placed where its rule says it should not be.
type Issue struct {
	Key             string   `json:"key"`
	Rule            string   `json:"rule"`
	Expected        Expected `json:"expected"`
	ExpectedService string   `json:"expectedService,omitempty"`
	Actual          string   `json:"actual"`
	Reason          string   `json:"reason,omitempty"`
	Message         string   `json:"message"`
}

// Override describes how to relax the mode that made this issue count.
func (i Issue) Override(mode Mode) string {
	if mode == ModeStrict {
		return fmt.Sprintf("use --scope-policy warn or set %s=warn to downgrade rule %s to a warning", EnvMode, i.Rule)
	}
	return fmt.Sprintf("use --scope-policy off or set %s=off to silence rule %s", EnvMode, i.Rule)
}

// Result is the outcome of checking one key.
type Result struct {
	Issues []Issue
	Mode   Mode
	Strict bool
}

// Check evaluates key placed at target. A nil target means no scope was given.
func (p *Policy) Check(key string, target scope.Scope, mode Mode) Result {
	mode = ResolveMode(mode)
	result := Result{Mode: mode, Strict: mode == ModeStrict}
	if mode == ModeOff || p == nil {
		return result
	}

	rule, ok := p.Match(key)
	if !ok {
		return result
	}

	if issue, mismatch := evaluate(rule, key, target); mismatch {
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// CheckScopePolicy evaluates key against the built-in rules.
func CheckScopePolicy(key string, target scope.Scope, mode Mode) Result {
	return Default().Check(key, target, mode)
}

func evaluate(rule Rule, key string, target scope.Scope) (Issue, bool) {
	issue := Issue{
		Key:             key,
		Rule:            rule.Name,
		Expected:        rule.Expected,
		ExpectedService: rule.Service,
		Actual:          describe(target),
		Reason:          rule.Reason,
	}

	switch rule.Expected {
	case ExpectShared:
		if target != nil && scope.IsShared(target) {
			return Issue{}, false
		}
		issue.Message = fmt.Sprintf("%s should be shared (rule %s) but targets %s", key, rule.Name, issue.Actual)
		return issue, true

	case ExpectService:
		name := scope.ServiceName(target)
		switch {
		case target == nil || name == "":
			want := "a service scope"
			if rule.Service != "" {
				want = "service " + rule.Service
			}
			issue.Message = fmt.Sprintf("%s should be scoped to %s (rule %s) but targets %s", key, want, rule.Name, issue.Actual)
			return issue, true
		case rule.Service != "" && name != rule.Service:
			issue.Message = fmt.Sprintf("%s should be scoped to service %s (rule %s) but targets %s", key, rule.Service, rule.Name, issue.Actual)
			return issue, true
		}
	}
	return Issue{}, false
}

func describe(target scope.Scope) string {
	if target == nil {
		return "no scope"
	}
	return scope.Serialize(target)
}
