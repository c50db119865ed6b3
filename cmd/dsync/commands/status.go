package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/config"
	"github.com/systmms/dsync/internal/governance"
	"github.com/systmms/dsync/internal/scorecard"
	"github.com/systmms/dsync/pkg/plan"
	"github.com/systmms/dsync/pkg/scope"
)

func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var (
		envName     string
		service     string
		scopePolicy string
		outputJSON  bool
		exitCode    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health scorecard of an environment",
		Long: `Status reports drift between the local source and the backend, scope
policy findings, missing required keys, overdue rotations and orphaned
services for one environment.

Examples:
  dsync status --env staging
  dsync status --env production --json
  dsync status --env production --exit-code   # exit 1 when health is critical`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := newSession(ctx, cfg, envName, service)
			if err != nil {
				return err
			}
			defer s.close()

			st, err := plan.ParseStrategy(s.env.Strategy)
			if err != nil {
				return err
			}
			p, err := computePlan(ctx, s, st, s.env.Prune)
			if err != nil {
				return err
			}

			src, err := s.source()
			if err != nil {
				return err
			}
			all, err := s.remote(ctx, nil)
			if err != nil {
				return err
			}
			all = withoutIgnored(all, s.env.Ignore)
			local := withoutIgnored(src.Variables(envName, cfg.KnownServices()), s.env.Ignore)
			inv := inventory(local, all, s.scope)

			settings, err := cfg.GovernanceSettings(envName, scopePolicy)
			if err != nil {
				return err
			}
			gov := governance.Evaluate(inv, settings, time.Now())

			card := scorecard.Build(scorecard.Input{
				Local:         inv,
				Remote:        sameScope(all, s.scope),
				Changes:       p.Changes,
				Conflicts:     p.Conflicts,
				Governance:    gov,
				Environment:   envName,
				KnownServices: cfg.KnownServices(),
			})

			if outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), card); err != nil {
					return err
				}
			} else {
				printScorecard(cmd.OutOrStdout(), card)
			}

			if exitCode && card.Health == scorecard.HealthCritical {
				return fmt.Errorf("environment %s health is %s", envName, card.Health)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Service scope of the local source (default: shared)")
	cmd.Flags().StringVar(&scopePolicy, "scope-policy", "", "Scope policy mode: off, warn or strict")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Exit with code 1 if health is critical")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

// inventory is the environment as governed: the local source in its scope,
// carrying rotation metadata from the backend, plus backend variables of
// every other scope.
func inventory(local, remote []scope.ResolvedVariable, sc scope.Scope) []scope.ResolvedVariable {
	rotation := make(map[string]*scope.RotationInfo)
	for _, v := range remote {
		if scope.Equal(v.Scope, sc) && v.Rotation != nil {
			rotation[v.Key] = v.Rotation
		}
	}

	out := make([]scope.ResolvedVariable, 0, len(local)+len(remote))
	for _, v := range local {
		if r, ok := rotation[v.Key]; ok {
			v.Rotation = r
		}
		out = append(out, v)
	}
	for _, v := range remote {
		if !scope.Equal(v.Scope, sc) {
			out = append(out, v)
		}
	}
	scope.SortResolved(out)
	return out
}

// withoutIgnored drops variables matching the environment's ignore globs,
// the same keys plan leaves out.
func withoutIgnored(vars []scope.ResolvedVariable, patterns []string) []scope.ResolvedVariable {
	if len(patterns) == 0 {
		return vars
	}
	out := make([]scope.ResolvedVariable, 0, len(vars))
	for _, v := range vars {
		if !plan.Ignored(v.Key, patterns) {
			out = append(out, v)
		}
	}
	return out
}

func sameScope(vars []scope.ResolvedVariable, sc scope.Scope) []scope.ResolvedVariable {
	var out []scope.ResolvedVariable
	for _, v := range vars {
		if scope.Equal(v.Scope, sc) {
			out = append(out, v)
		}
	}
	return out
}

func healthSymbol(h scorecard.Health) string {
	switch h {
	case scorecard.HealthOK:
		return "✓"
	case scorecard.HealthWarning:
		return "⚠"
	}
	return "✗"
}

func printScorecard(out io.Writer, card scorecard.Scorecard) {
	_, _ = fmt.Fprintf(out, "%s %s: %s\n\n", healthSymbol(card.Health), card.Environment, card.Health)
	_, _ = fmt.Fprintf(out, "Variables: %d (%d secrets, %d configs)\n", card.TotalVars, card.Secrets, card.Configs)

	if card.Drift.Synced {
		_, _ = fmt.Fprintf(out, "Drift: in sync\n")
	} else {
		_, _ = fmt.Fprintf(out, "Drift: %d local only, %d remote only, %d conflicting\n",
			card.Drift.LocalOnly, card.Drift.RemoteOnly, card.Drift.Conflicts)
	}
	_, _ = fmt.Fprintf(out, "Policy (%s): %d warning(s), %d violation(s)\n",
		card.Policy.Mode, card.Policy.Warnings, card.Policy.Violations)

	_, _ = fmt.Fprintf(out, "\nServices:\n")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "  NAME\tVARS\tSHARED\tOWN\tLIFECYCLE\n")
	for _, s := range card.Services {
		_, _ = fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%s\n", s.Name, s.VarCount, s.SharedCount, s.ServiceCount, s.Lifecycle)
	}
	_ = w.Flush()

	if len(card.Issues) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "\nIssues:\n")
	for i, issue := range card.Issues {
		_, _ = fmt.Fprintf(out, "  %d. [%s/%s] %s\n", i+1, issue.Category, issue.Severity, issue.Message)
	}
}
