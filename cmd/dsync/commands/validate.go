package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/systmms/dsync/internal/config"
	"github.com/systmms/dsync/internal/localsource"
)

func NewValidateCommand(cfg *config.Config) *cobra.Command {
	var checkSources bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate dsync.yaml",
		Long: `Validate loads dsync.yaml and reports configuration errors: version,
project, backend type, environment strategies, policy modes and scope rules.

Examples:
  dsync validate
  dsync validate --sources   # also parse every environment's .env source`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printConfigSummary(out, cfg)

			if !checkSources {
				return nil
			}
			failed := 0
			for _, name := range cfg.EnvironmentNames() {
				path, err := cfg.SourcePath(name)
				if err != nil {
					return err
				}
				src, err := localsource.Load(path, nil)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(out, "  ✗ %s: %v\n", name, err)
					continue
				}
				_, _ = fmt.Fprintf(out, "  ✓ %s: %d variable(s) in %s\n", name, len(src.Values()), path)
			}
			if failed > 0 {
				return fmt.Errorf("%d environment source(s) failed to parse", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkSources, "sources", false, "Also parse each environment's local source")

	return cmd
}

func printConfigSummary(out io.Writer, cfg *config.Config) {
	def := cfg.Definition
	_, _ = fmt.Fprintf(out, "✓ %s is valid\n", cfg.Path)
	_, _ = fmt.Fprintf(out, "  Project: %s\n", def.Project)
	_, _ = fmt.Fprintf(out, "  Backend: %s\n", def.Backend.Type)

	services := "(none declared)"
	if known := cfg.KnownServices(); len(known) > 0 {
		services = strings.Join(known, ", ")
	}
	_, _ = fmt.Fprintf(out, "  Services: %s\n", services)
	_, _ = fmt.Fprintf(out, "  Environments: %s\n", strings.Join(cfg.EnvironmentNames(), ", "))
	_, _ = fmt.Fprintf(out, "  Scope rules: %d\n", len(cfg.Policy().Rules()))
	_, _ = fmt.Fprintf(out, "  Scope policy: %s, value guardrail: %s\n", cfg.ScopePolicyMode(""), cfg.GuardrailMode(""))
}
