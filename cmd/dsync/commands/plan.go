package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/config"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/logging"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

func NewPlanCommand(cfg *config.Config) *cobra.Command {
	var (
		envName    string
		service    string
		strategy   string
		prune      bool
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute and save the changes needed to sync an environment",
		Long: `Plan compares the environment's local .env source with the backend and
saves a reviewable plan artifact. Nothing is written to the backend.

Divergent values are resolved by the strategy:
  local   the local value overwrites the backend (default)
  remote  the backend value is pulled into the local source
  error   divergent keys are reported and the plan cannot be applied

Examples:
  dsync plan --env staging
  dsync plan --env staging --service api --prune
  dsync plan --env production --strategy error --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := newSession(ctx, cfg, envName, service)
			if err != nil {
				return err
			}
			defer s.close()

			if !cmd.Flags().Changed("strategy") {
				strategy = s.env.Strategy
			}
			st, err := plan.ParseStrategy(strategy)
			if err != nil {
				return dserrors.UserError{Message: err.Error(), Suggestion: "Use --strategy local, remote or error"}
			}
			if !cmd.Flags().Changed("prune") {
				prune = s.env.Prune
			}

			p, err := computePlan(ctx, s, st, prune)
			if err != nil {
				return err
			}

			store := plan.NewStore(cfg.ArtifactsDir())
			if err := store.Save(p); err != nil {
				return fmt.Errorf("failed to save plan: %w", err)
			}
			cfg.Logger.Debug("Saved plan %s to %s", p.ID, store.Path(p.ID))

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), redactPlan(p))
			}
			printPlan(cmd.OutOrStdout(), p)
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name to plan (required)")
	cmd.Flags().StringVar(&service, "service", "", "Service scope of the local source (default: shared)")
	cmd.Flags().StringVar(&strategy, "strategy", "local", "How to resolve divergent values: local, remote or error")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete backend keys missing from the local source")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

// computePlan diffs the session's local source against the backend in the same scope.
func computePlan(ctx context.Context, s *session, st plan.Strategy, prune bool) (*plan.Plan, error) {
	src, err := s.source()
	if err != nil {
		return nil, err
	}
	remote, err := s.remote(ctx, s.scope)
	if err != nil {
		return nil, err
	}
	return plan.Compute(src.Variables(s.name, s.cfg.KnownServices()), remote, plan.Options{
		Environment:       s.name,
		Strategy:          st,
		IgnorePatterns:    s.env.Ignore,
		Prune:             prune,
		SourceFingerprint: src.Fingerprint(),
	}), nil
}

// redactPlan returns a copy of p safe to print: values of sensitive changes
// are masked. Saved artifacts keep the real values.
func redactPlan(p *plan.Plan) *plan.Plan {
	if p == nil {
		return nil
	}
	out := p.Clone()
	mask := func(v *string) *string {
		if v == nil {
			return nil
		}
		r := logging.Secret(*v).String()
		return &r
	}
	for i := range out.Changes {
		if out.Changes[i].Sensitive {
			out.Changes[i].LocalValue = mask(out.Changes[i].LocalValue)
			out.Changes[i].RemoteValue = mask(out.Changes[i].RemoteValue)
		}
	}
	return out
}

func printPlan(out io.Writer, p *plan.Plan) {
	_, _ = fmt.Fprintf(out, "Plan %s for %s (strategy: %s)\n\n", p.ID, p.Environment, p.Strategy)

	if p.HasChanges() {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "ACTION\tKEY\tSCOPE\tTARGET\n")
		_, _ = fmt.Fprintf(w, "------\t---\t-----\t------\n")
		for _, c := range p.Changes {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", actionSymbol(c.Action), c.Key, scope.Serialize(c.Scope), c.Target())
		}
		_ = w.Flush()
		_, _ = fmt.Fprintln(out)
	}

	sm := p.Summary
	_, _ = fmt.Fprintf(out, "Summary:\n")
	_, _ = fmt.Fprintf(out, "  To add: %d, to update: %d, to delete: %d, to pull: %d\n", sm.ToAdd, sm.ToUpdate, sm.ToDelete, sm.ToPull)
	_, _ = fmt.Fprintf(out, "  Unchanged: %d, remote only: %d\n", sm.Unchanged, sm.RemoteOnly)

	if !p.Executable() {
		_, _ = fmt.Fprintf(out, "\n✗ %s\n", p.BlockReason())
		return
	}
	if !p.HasChanges() {
		_, _ = fmt.Fprintf(out, "\n✓ %s is in sync\n", p.Environment)
		return
	}
	_, _ = fmt.Fprintf(out, "\nNext steps:\n")
	_, _ = fmt.Fprintf(out, "  • Run 'dsync apply --env %s --plan %s' to apply\n", p.Environment, p.ID)
}

func actionSymbol(a plan.Action) string {
	switch a {
	case plan.ActionAdd:
		return "+ add"
	case plan.ActionUpdate:
		return "~ update"
	case plan.ActionDelete:
		return "- delete"
	case plan.ActionPull:
		return "← pull"
	}
	return string(a)
}
