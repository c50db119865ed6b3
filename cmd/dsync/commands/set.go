package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/config"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/guard"
	"github.com/systmms/dsync/pkg/backend"
	"github.com/systmms/dsync/pkg/scope"
)

func NewSetCommand(cfg *config.Config) *cobra.Command {
	var (
		envName        string
		service        string
		force          bool
		scopePolicy    string
		valueGuardrail string
	)

	cmd := &cobra.Command{
		Use:   "set KEY=VALUE [KEY=VALUE...]",
		Short: "Write variables directly to the backend",
		Long: `Set writes one or more variables to the backend after running the write
guard. Keys whose names look sensitive are stored as secrets and their
rotation time is recorded.

Examples:
  dsync set --env staging LOG_LEVEL=debug
  dsync set --env staging --service billing STRIPE_KEY=sk_test_123
  dsync set --env production --force DATABASE_URL=postgres://db/app`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, values, err := parseAssignments(args)
			if err != nil {
				return err
			}

			ctx := context.Background()
			s, err := newSession(ctx, cfg, envName, service)
			if err != nil {
				return err
			}
			defer s.close()
			if s.env.Production && !force {
				return dserrors.PreconditionError{
					Operation: "write variables",
					Message:   fmt.Sprintf("environment %q is marked production", envName),
					Override:  "re-run with --force",
				}
			}

			writes := make([]guard.Write, 0, len(keys))
			for _, k := range keys {
				writes = append(writes, guard.Write{Key: k, Value: values[k]})
			}
			trail := s.audit()
			defer func() { _ = trail.Close() }()

			result := runGuard(cfg, envName, s.scope, writes, scopePolicy, valueGuardrail)
			for _, line := range result.Lines() {
				trail.Guard(envName, scope.Serialize(s.scope), line, result.Blocked)
				cfg.Logger.Warn("%s", line)
			}
			if result.Blocked {
				return blockedError(result)
			}

			inputs := make([]backend.SetInput, 0, len(keys))
			for _, k := range keys {
				inputs = append(inputs, backend.SetInput{
					Key:         k,
					Value:       values[k],
					Project:     s.project(),
					Environment: envName,
					Scope:       s.scope,
					Sensitive:   scope.IsSensitiveKey(k),
				})
			}
			written, err := s.client.SetMany(ctx, inputs)
			if err != nil {
				return dserrors.BackendError(cfg.Definition.Backend.Type, "set", err)
			}

			for _, v := range written {
				trail.Set(envName, v.Key, scope.Serialize(v.Scope), v.Sensitive)
				kind := "config"
				if v.Sensitive {
					kind = "secret"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Set %s (%s, %s)\n", v.Key, scope.Serialize(v.Scope), kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Target service scope (default: shared)")
	cmd.Flags().BoolVar(&force, "force", false, "Allow writing to a production environment")
	cmd.Flags().StringVar(&scopePolicy, "scope-policy", "", "Scope policy mode: off, warn or strict")
	cmd.Flags().StringVar(&valueGuardrail, "value-guardrail", "", "Value guardrail mode: off, warn or strict")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}
