package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/apply"
	"github.com/systmms/dsync/internal/config"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

func NewApplyCommand(cfg *config.Config) *cobra.Command {
	var (
		envName    string
		planID     string
		force      bool
		dryRun     bool
		allowStale bool
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a saved plan to the backend and local source",
		Long: `Apply executes a plan saved by 'dsync plan'. Changes already applied are
skipped, so re-running apply after a partial failure only retries what failed.

Production environments require --force.

Examples:
  dsync apply --env staging
  dsync apply --env staging --plan 3f1c...
  dsync apply --env production --force
  dsync apply --env production --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := newSession(ctx, cfg, envName, "")
			if err != nil {
				return err
			}
			defer s.close()

			store := plan.NewStore(cfg.ArtifactsDir())
			p, err := loadPlan(cfg, store, planID, envName)
			if err != nil {
				return err
			}

			src, err := s.source()
			if err != nil {
				return err
			}
			if p.IsStale(src.Fingerprint()) && !allowStale {
				return dserrors.PreconditionError{
					Operation: "apply plan",
					Message:   fmt.Sprintf("the local source changed since plan %s was computed", p.ID),
					Override:  fmt.Sprintf("run 'dsync plan --env %s' again, or pass --allow-stale", envName),
				}
			}

			trail := s.audit()
			defer func() { _ = trail.Close() }()

			res, execErr := apply.Execute(ctx, apply.Options{
				Client:      s.client,
				Plan:        p,
				Project:     s.project(),
				Environment: envName,
				Production:  s.env.Production,
				Force:       force,
				DryRun:      dryRun,
				LocalWriter: src,
				Logger:      cfg.Logger,
				Audit:       trail,
			})
			if res == nil {
				return execErr
			}

			if !dryRun {
				// Pulls rewrite the source; the saved plan tracks the new content.
				res.UpdatedPlan.SourceFingerprint = src.Fingerprint()
				if err := store.Save(res.UpdatedPlan); err != nil {
					return fmt.Errorf("failed to save updated plan: %w", err)
				}
			}

			if outputJSON {
				view := *res
				view.UpdatedPlan = redactPlan(res.UpdatedPlan)
				if err := writeJSON(cmd.OutOrStdout(), view); err != nil {
					return err
				}
			} else {
				printApplyResult(cmd.OutOrStdout(), res, dryRun)
			}

			if execErr != nil {
				return execErr
			}
			if !res.Success {
				return fmt.Errorf("apply completed with %d failed change(s)", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name to apply (required)")
	cmd.Flags().StringVar(&planID, "plan", "", "Plan id to apply (default: latest plan for the environment)")
	cmd.Flags().BoolVar(&force, "force", false, "Allow applying to a production environment")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without writing")
	cmd.Flags().BoolVar(&allowStale, "allow-stale", false, "Apply even if the local source changed since planning")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func loadPlan(cfg *config.Config, store *plan.Store, id, envName string) (*plan.Plan, error) {
	var (
		p   *plan.Plan
		err error
	)
	if id != "" {
		p, err = store.Load(id)
	} else {
		var (
			plans   []*plan.Plan
			invalid []plan.InvalidArtifact
		)
		plans, invalid, err = store.Scan()
		for _, a := range invalid {
			cfg.Logger.Warn("Skipping plan artifact %s: %v", a.Name, a.Err)
		}
		if err == nil {
			p, err = plan.LatestIn(plans, envName)
		}
	}
	if errors.Is(err, plan.ErrNotFound) {
		return nil, dserrors.PreconditionError{
			Operation: "apply plan",
			Message:   "no saved plan found",
			Override:  fmt.Sprintf("run 'dsync plan --env %s' first", envName),
			Err:       err,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return p, nil
}

func printApplyResult(out io.Writer, res *apply.Result, dryRun bool) {
	if dryRun {
		var pending []plan.Change
		for _, c := range res.UpdatedPlan.Changes {
			if c.Status == plan.StatusSkipped {
				pending = append(pending, c)
			}
		}
		_, _ = fmt.Fprintf(out, "Dry run of plan %s: %d change(s) would be applied\n", res.UpdatedPlan.ID, len(pending))
		for _, c := range pending {
			_, _ = fmt.Fprintf(out, "  %s %s (%s)\n", actionSymbol(c.Action), c.Key, scope.Serialize(c.Scope))
		}
		return
	}

	_, _ = fmt.Fprintf(out, "Applied plan %s: %d applied, %d failed, %d skipped\n",
		res.UpdatedPlan.ID, res.Applied, res.Failed, res.Skipped)
	for _, e := range res.Errors {
		hint := ""
		if e.Retryable {
			hint = " (transient, retry)"
		}
		_, _ = fmt.Fprintf(out, "  ✗ %s (%s): %s%s\n", e.Key, e.Scope, e.Error, hint)
	}
	if res.Success {
		_, _ = fmt.Fprintf(out, "\n✓ Apply complete\n")
	} else {
		_, _ = fmt.Fprintf(out, "\nRe-run 'dsync apply --env %s --plan %s' to retry failed changes\n",
			res.UpdatedPlan.Environment, res.UpdatedPlan.ID)
	}
}
