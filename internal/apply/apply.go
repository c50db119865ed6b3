// Package apply executes plan changes against a backend and the local source.
//
// Changes run one at a time in plan order. A failing change is recorded and
// the remaining changes are still attempted, so the updated plan always
// reflects exactly which keys were written.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/dsync/internal/audit"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/logging"
	"github.com/systmms/dsync/pkg/backend"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

var (
	// ErrForceRequired is returned when a production environment is applied without force.
	ErrForceRequired = errors.New("force required for production environment")

	// ErrPlanNotExecutable is returned for plans that carry unresolved conflicts.
	ErrPlanNotExecutable = errors.New("plan is not executable")
)

// LocalWriter rewrites the local source with pulled values.
type LocalWriter interface {
	Merge(values map[string]string) error
}

// Options configures one apply run.
type Options struct {
	Client      backend.Client
	Plan        *plan.Plan
	Project     string
	Environment string
	// Production marks the environment as production-like; Force is then required.
	Production bool
	Force      bool
	DryRun     bool
	// LocalWriter receives pull changes. Required only when the plan pulls.
	LocalWriter LocalWriter
	Logger      *logging.Logger
	Audit       *audit.Trail
	Now         func() time.Time
}

// ChangeError attributes a failure to one key.
type ChangeError struct {
	Key       string `json:"key"`
	Scope     string `json:"scope"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Result is the outcome of an apply run.
type Result struct {
	Success     bool          `json:"success"`
	Applied     int           `json:"applied"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Errors      []ChangeError `json:"errors"`
	UpdatedPlan *plan.Plan    `json:"updatedPlan"`
}

func precondition(message, override string, err error) error {
	return dserrors.PreconditionError{Operation: "apply plan", Message: message, Override: override, Err: err}
}

func (o *Options) check() error {
	if o.Client == nil {
		return precondition("no backend client configured", "configure a backend in dsync.yaml", nil)
	}
	if o.Plan == nil {
		return precondition("no plan to apply", "run 'dsync plan' first", nil)
	}
	if o.Environment == "" {
		o.Environment = o.Plan.Environment
	}
	if o.Plan.Environment != "" && o.Plan.Environment != o.Environment {
		return precondition(
			fmt.Sprintf("plan %s was computed for environment %q, not %q", o.Plan.ID, o.Plan.Environment, o.Environment),
			"run 'dsync plan --env "+o.Environment+"'", nil)
	}
	if !o.Plan.Executable() {
		return precondition(o.Plan.BlockReason(), "dsync plan --strategy local (or --strategy remote)", ErrPlanNotExecutable)
	}
	if o.Production && !o.Force && !o.DryRun {
		return precondition(
			fmt.Sprintf("environment %q is marked production", o.Environment),
			"re-run with --force", ErrForceRequired)
	}
	if !o.DryRun && o.LocalWriter == nil {
		for _, c := range o.Plan.Pending() {
			if c.Target() == plan.TargetLocal {
				return precondition("plan pulls remote values but no local source is configured",
					"set environments."+o.Environment+".source in dsync.yaml", nil)
			}
		}
	}
	if err := o.Plan.Validate(); err != nil {
		return precondition("plan is invalid", "run 'dsync plan' again", err)
	}
	return nil
}

// Execute applies opts.Plan. Precondition failures return an error before any
// write. Per-change failures are reported in the Result. A failed local write
// returns both the partial Result and an error.
func Execute(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	start := time.Now()
	updated := opts.Plan.Clone()
	res := &Result{Errors: []ChangeError{}, UpdatedPlan: updated}

	var pulls []int
	for i := range updated.Changes {
		c := &updated.Changes[i]

		if c.Status == plan.StatusApplied {
			res.Skipped++
			continue
		}
		if opts.DryRun {
			opts.Logger.Debug("Dry run: would %s %s (%s)", c.Action, c.Key, scope.Serialize(c.Scope))
			c.Status = plan.StatusSkipped
			res.Skipped++
			continue
		}
		if c.Target() == plan.TargetLocal {
			pulls = append(pulls, i)
			continue
		}

		err := applyChange(ctx, opts.Client, *c, opts.Project, opts.Environment)
		res.record(opts, c, err)
	}

	var fatal error
	if len(pulls) > 0 {
		values := make(map[string]string, len(pulls))
		for _, i := range pulls {
			values[updated.Changes[i].Key] = updated.Changes[i].Value()
		}
		err := opts.LocalWriter.Merge(values)
		for _, i := range pulls {
			res.record(opts, &updated.Changes[i], err)
		}
		if err != nil {
			fatal = precondition("failed to write pulled values to the local source", "fix the local file and re-run apply", err)
		}
	}

	if !opts.DryRun {
		t := opts.Now().UTC()
		updated.AppliedAt = &t
	}
	res.Success = res.Failed == 0 && fatal == nil

	elapsed := time.Since(start)
	observeDuration(opts.Environment, elapsed)
	opts.Audit.Apply(opts.Environment, updated.ID, res.Applied, res.Failed, res.Skipped, opts.DryRun, elapsed)

	return res, fatal
}

func (r *Result) record(opts Options, c *plan.Change, err error) {
	sc := scope.Serialize(c.Scope)
	if err != nil {
		c.Status = plan.StatusFailed
		c.Error = err.Error()
		r.Failed++
		r.Errors = append(r.Errors, ChangeError{Key: c.Key, Scope: sc, Error: c.Error, Retryable: dserrors.IsRetryable(err)})
		opts.Logger.Error("Failed to %s %s (%s): %v", c.Action, c.Key, sc, err)
	} else {
		c.Status = plan.StatusApplied
		c.Error = ""
		r.Applied++
		opts.Logger.Info("%s %s (%s)", actionVerb(c.Action), c.Key, sc)
	}
	recordChange(opts.Environment, string(c.Action), string(c.Status))
	opts.Audit.Change(opts.Environment, c.Key, sc, string(c.Action), string(c.Status), err)
}

// applyChange performs one backend write, converting a panic into an error.
func applyChange(ctx context.Context, client backend.Client, c plan.Change, project, env string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", c.Action, r)
		}
	}()

	switch c.Action {
	case plan.ActionAdd, plan.ActionUpdate:
		_, err = client.Set(ctx, backend.SetInput{
			Key:         c.Key,
			Value:       c.Value(),
			Project:     project,
			Environment: env,
			Scope:       c.Scope,
			Sensitive:   c.Sensitive,
		})
	case plan.ActionDelete:
		// A key that is already gone counts as deleted.
		_, err = client.Delete(ctx, c.Key, project, env, c.Scope)
	default:
		err = fmt.Errorf("unsupported action %q", c.Action)
	}
	return err
}

func actionVerb(a plan.Action) string {
	switch a {
	case plan.ActionAdd:
		return "Added"
	case plan.ActionUpdate:
		return "Updated"
	case plan.ActionDelete:
		return "Deleted"
	case plan.ActionPull:
		return "Pulled"
	}
	return string(a)
}
