package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/audit"
	"github.com/systmms/dsync/internal/config"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/guard"
	"github.com/systmms/dsync/internal/localsource"
	"github.com/systmms/dsync/pkg/scope"
)

func NewGuardCommand(cfg *config.Config) *cobra.Command {
	var (
		envName        string
		service        string
		fromFile       string
		scopePolicy    string
		valueGuardrail string
		outputJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "guard [KEY=VALUE...]",
		Short: "Check writes against scope policy and value guardrails",
		Long: `Guard runs the write guard over a batch of variables without writing them.
It reports keys placed in the wrong scope and values that look already
encoded or encrypted.

Modes (flag, then DSYNC_SCOPE_POLICY / DSYNC_VALUE_GUARDRAIL, then dsync.yaml):
  off     skip the check
  warn    report findings (default)
  strict  report findings and exit 1

Examples:
  dsync guard --env staging STRIPE_KEY=sk_live_123
  dsync guard --env staging --service billing --from-file .env.billing
  dsync guard --env production --scope-policy strict --from-file .env.production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := cfg.Environment(envName); err != nil {
				return err
			}
			sc, err := parseScope(service)
			if err != nil {
				return err
			}

			writes, err := collectWrites(args, fromFile, sc)
			if err != nil {
				return err
			}
			if len(writes) == 0 {
				return dserrors.UserError{
					Message:    "Nothing to check",
					Suggestion: "Pass KEY=VALUE arguments or --from-file",
				}
			}

			result := runGuard(cfg, envName, sc, writes, scopePolicy, valueGuardrail)

			trail, err := audit.Open(cfg.AuditLogPath(), cfg.Definition.Project)
			if err != nil {
				cfg.Logger.Warn("Audit log disabled: %v", err)
				trail = audit.Nop()
			}
			defer func() { _ = trail.Close() }()
			for _, line := range result.Lines() {
				trail.Guard(envName, scope.Serialize(sc), line, result.Blocked)
			}

			if outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printGuardResult(cmd.OutOrStdout(), result, len(writes))
			}

			if result.Blocked {
				return blockedError(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Target service scope (default: shared)")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "Read variables from a .env file")
	cmd.Flags().StringVar(&scopePolicy, "scope-policy", "", "Scope policy mode: off, warn or strict")
	cmd.Flags().StringVar(&valueGuardrail, "value-guardrail", "", "Value guardrail mode: off, warn or strict")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

// collectWrites merges --from-file entries with KEY=VALUE arguments; arguments win.
func collectWrites(args []string, fromFile string, sc scope.Scope) ([]guard.Write, error) {
	values := make(map[string]string)
	if fromFile != "" {
		src, err := localsource.Load(fromFile, sc)
		if err != nil {
			return nil, dserrors.UserError{
				Message:    "Failed to read " + fromFile,
				Details:    err.Error(),
				Suggestion: "Check the file exists and uses KEY=VALUE lines",
				Err:        err,
			}
		}
		for k, v := range src.Values() {
			values[k] = v
		}
	}
	_, assigned, err := parseAssignments(args)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		values[k] = v
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]guard.Write, 0, len(keys))
	for _, k := range keys {
		writes = append(writes, guard.Write{Key: k, Value: values[k]})
	}
	return writes, nil
}

func runGuard(cfg *config.Config, envName string, sc scope.Scope, writes []guard.Write, scopePolicy, valueGuardrail string) guard.Result {
	return guard.Evaluate(guard.Input{
		Variables:     writes,
		Target:        sc,
		Environment:   envName,
		Policy:        cfg.Policy(),
		PolicyMode:    cfg.ScopePolicyMode(scopePolicy),
		GuardrailMode: cfg.GuardrailMode(valueGuardrail),
	})
}

func blockedError(result guard.Result) error {
	return dserrors.PreconditionError{
		Operation: "write variables",
		Message:   fmt.Sprintf("write guard blocked %d finding(s)", len(result.Lines())),
		Override:  "fix the findings above, or lower the mode with --scope-policy / --value-guardrail",
	}
}

func printGuardResult(out io.Writer, result guard.Result, checked int) {
	if !result.HasIssues() {
		_, _ = fmt.Fprintf(out, "✓ %d variable(s) passed the write guard\n", checked)
		return
	}
	symbol := "⚠"
	if result.Blocked {
		symbol = "✗"
	}
	for _, line := range result.Lines() {
		_, _ = fmt.Fprintf(out, "%s %s\n", symbol, line)
	}
}
