// Package scorecard summarizes the health of one environment from already
// fetched local and remote snapshots, a plan and a governance result.
package scorecard

import (
	"fmt"
	"sort"

	"github.com/systmms/dsync/internal/governance"
	"github.com/systmms/dsync/internal/scopepolicy"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

// Health is the overall verdict.
type Health string

const (
	HealthOK       Health = "ok"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Category groups issues. Issues are emitted in the order declared here.
type Category string

const (
	CategoryDrift    Category = "drift"
	CategoryRequired Category = "required"
	CategoryRotation Category = "rotation"
	CategoryOrphan   Category = "orphan"
	CategoryPolicy   Category = "policy"
)

// Severity of an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one finding.
type Issue struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Key      string   `json:"key,omitempty"`
	Message  string   `json:"message"`
}

// ServiceStatus counts the variables a service sees.
type ServiceStatus struct {
	Name         string          `json:"name"`
	VarCount     int             `json:"varCount"`
	SharedCount  int             `json:"sharedCount"`
	ServiceCount int             `json:"serviceCount"`
	Lifecycle    scope.Lifecycle `json:"lifecycle"`
}

// Drift counts the differences between local and remote.
type Drift struct {
	LocalOnly  int  `json:"localOnly"`
	RemoteOnly int  `json:"remoteOnly"`
	Conflicts  int  `json:"conflicts"`
	Synced     bool `json:"synced"`
}

// Scorecard is a point-in-time health report.
type Scorecard struct {
	Environment string                     `json:"environment"`
	TotalVars   int                        `json:"totalVars"`
	Secrets     int                        `json:"secrets"`
	Configs     int                        `json:"configs"`
	Services    []ServiceStatus            `json:"services"`
	Drift       Drift                      `json:"drift"`
	Policy      governance.PolicySection   `json:"policy"`
	Required    governance.RequiredSection `json:"required"`
	Rotation    governance.RotationSection `json:"rotation"`
	Health      Health                     `json:"health"`
	Issues      []Issue                    `json:"issues"`
}

// Input is everything a scorecard is built from. Conflicts are keys left
// unresolved by the error strategy; they count as divergent values.
type Input struct {
	Local         []scope.ResolvedVariable
	Remote        []scope.ResolvedVariable
	Changes       []plan.Change
	Conflicts     []plan.Conflict
	Governance    governance.Result
	Environment   string
	KnownServices []string
}

type identity struct {
	scope string
	key   string
}

// Build aggregates in into a Scorecard. It performs no I/O.
func Build(in Input) Scorecard {
	sc := Scorecard{
		Environment: in.Environment,
		TotalVars:   len(in.Local),
		Policy:      in.Governance.Policy,
		Required:    in.Governance.Required,
		Rotation:    in.Governance.Rotation,
		Issues:      []Issue{},
	}
	for _, v := range in.Local {
		if v.Sensitive {
			sc.Secrets++
		}
	}
	sc.Configs = sc.TotalVars - sc.Secrets

	sc.Services = services(in.Local, in.KnownServices)
	sc.Drift = drift(in)

	sc.Issues = append(sc.Issues, driftIssues(sc.Drift)...)
	for _, key := range in.Governance.Required.Missing {
		sc.Issues = append(sc.Issues, Issue{
			Category: CategoryRequired,
			Severity: SeverityError,
			Key:      key,
			Message:  fmt.Sprintf("required variable %s is missing", key),
		})
	}
	for _, k := range in.Governance.Rotation.Keys {
		sc.Issues = append(sc.Issues, Issue{
			Category: CategoryRotation,
			Severity: SeverityWarning,
			Key:      k.Key,
			Message:  fmt.Sprintf("%s was last rotated %d days ago (max %d)", k.Key, k.AgeDays, k.MaxAgeDays),
		})
	}
	orphans := 0
	for _, s := range sc.Services {
		if s.Lifecycle == scope.LifecycleOrphan {
			orphans++
			sc.Issues = append(sc.Issues, Issue{
				Category: CategoryOrphan,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("service %q is not a known service", s.Name),
			})
		}
	}
	policySeverity := SeverityWarning
	if in.Governance.Policy.Mode == scopepolicy.ModeStrict {
		policySeverity = SeverityError
	}
	for _, issue := range in.Governance.Policy.Issues {
		sc.Issues = append(sc.Issues, Issue{
			Category: CategoryPolicy,
			Severity: policySeverity,
			Key:      issue.Key,
			Message:  issue.Message,
		})
	}

	switch {
	case in.Governance.Blocked || len(in.Governance.Required.Missing) > 0:
		sc.Health = HealthCritical
	case !sc.Drift.Synced || in.Governance.Policy.Warnings > 0 || in.Governance.Rotation.Overdue > 0 || orphans > 0:
		sc.Health = HealthWarning
	default:
		sc.Health = HealthOK
	}
	return sc
}

func services(local []scope.ResolvedVariable, known []string) []ServiceStatus {
	shared := 0
	owned := make(map[string]int)
	for _, v := range local {
		name := scope.ServiceName(v.Scope)
		if name == "" {
			shared++
			continue
		}
		owned[name]++
	}
	for _, name := range known {
		if _, ok := owned[name]; !ok {
			owned[name] = 0
		}
	}

	if len(owned) == 0 {
		return []ServiceStatus{{
			Name:        scope.SharedName,
			VarCount:    shared,
			SharedCount: shared,
			Lifecycle:   scope.LifecycleActive,
		}}
	}

	out := make([]ServiceStatus, 0, len(owned))
	for name, n := range owned {
		out = append(out, ServiceStatus{
			Name:         name,
			VarCount:     shared + n,
			SharedCount:  shared,
			ServiceCount: n,
			Lifecycle:    scope.LifecycleOf(scope.Service{Name: name}, known),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func drift(in Input) Drift {
	var d Drift
	changed := make(map[identity]bool, len(in.Changes))
	for _, c := range in.Changes {
		changed[identity{scope.Serialize(c.Scope), c.Key}] = true
		switch c.Action {
		case plan.ActionAdd:
			d.LocalOnly++
		case plan.ActionDelete:
			d.RemoteOnly++
		case plan.ActionUpdate, plan.ActionPull:
			d.Conflicts++
		}
	}
	d.Conflicts += len(in.Conflicts)

	local := make(map[identity]bool, len(in.Local))
	for _, v := range in.Local {
		local[identity{scope.Serialize(v.Scope), v.Key}] = true
	}
	for _, v := range in.Remote {
		id := identity{scope.Serialize(v.Scope), v.Key}
		if !local[id] && !changed[id] {
			d.RemoteOnly++
		}
	}

	d.Synced = d.LocalOnly == 0 && d.RemoteOnly == 0 && d.Conflicts == 0
	return d
}

func driftIssues(d Drift) []Issue {
	var out []Issue
	add := func(n int, format string) {
		if n > 0 {
			out = append(out, Issue{Category: CategoryDrift, Severity: SeverityWarning, Message: fmt.Sprintf(format, n)})
		}
	}
	add(d.LocalOnly, "%d variable(s) exist locally but not in backend")
	add(d.RemoteOnly, "%d variable(s) exist in backend but not locally")
	add(d.Conflicts, "%d variable(s) differ between local and backend")
	return out
}
