package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/systmms/dsync/internal/audit"
	"github.com/systmms/dsync/internal/config"
	dserrors "github.com/systmms/dsync/internal/errors"
	"github.com/systmms/dsync/internal/localsource"
	"github.com/systmms/dsync/pkg/backend"
	"github.com/systmms/dsync/pkg/scope"
)

// session is the loaded state most commands start from.
type session struct {
	cfg    *config.Config
	name   string
	env    config.Environment
	scope  scope.Scope
	client backend.Client
}

// newSession loads the config, resolves the environment and opens the backend.
func newSession(ctx context.Context, cfg *config.Config, envName, service string) (*session, error) {
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	env, err := cfg.Environment(envName)
	if err != nil {
		return nil, err
	}
	sc, err := parseScope(service)
	if err != nil {
		return nil, err
	}

	bc := cfg.BackendConfig()
	client, err := backend.NewRegistry().Create(ctx, bc)
	if err != nil {
		return nil, dserrors.PreconditionError{
			Operation: "open backend",
			Message:   fmt.Sprintf("backend %s is not available", bc.Type),
			Override:  "check the backend section of " + cfg.Path,
			Err:       err,
		}
	}
	cfg.Logger.Debug("Opened %s backend for %s/%s", bc.Type, cfg.Definition.Project, envName)

	return &session{cfg: cfg, name: envName, env: env, scope: sc, client: client}, nil
}

// close releases the backend client if it holds resources, such as the
// connection pool of the sql backend.
func (s *session) close() {
	c, ok := s.client.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		s.cfg.Logger.Debug("Failed to close %s backend: %v", s.cfg.Definition.Backend.Type, err)
	}
}

func (s *session) project() string {
	return s.cfg.Definition.Project
}

// source loads the local .env file of the environment in the session scope.
func (s *session) source() (*localsource.Source, error) {
	path, err := s.cfg.SourcePath(s.name)
	if err != nil {
		return nil, err
	}
	src, err := localsource.Load(path, s.scope)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Failed to read local source",
			Details:    err.Error(),
			Suggestion: fmt.Sprintf("Fix the syntax of %s", path),
			Err:        err,
		}
	}
	return src, nil
}

// remote lists backend variables of the environment. A nil scope lists all scopes.
func (s *session) remote(ctx context.Context, sc scope.Scope) ([]scope.ResolvedVariable, error) {
	vars, err := s.client.List(ctx, backend.Filter{
		Project:     s.project(),
		Environment: s.name,
		Scope:       sc,
	})
	if err != nil {
		return nil, dserrors.BackendError(s.cfg.Definition.Backend.Type, "list", err)
	}
	return backend.ToResolved(vars, s.cfg.KnownServices()), nil
}

// audit opens the audit trail, falling back to a no-op trail when the file
// cannot be opened.
func (s *session) audit() *audit.Trail {
	trail, err := audit.Open(s.cfg.AuditLogPath(), s.project())
	if err != nil {
		s.cfg.Logger.Warn("Audit log disabled: %v", err)
		return audit.Nop()
	}
	return trail
}

func parseScope(service string) (scope.Scope, error) {
	if strings.TrimSpace(service) == "" {
		return scope.Shared{}, nil
	}
	svc, err := scope.NewService(service)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Invalid service",
			Details:    err.Error(),
			Suggestion: "Pass a declared service name to --service, or omit it for the shared scope",
			Err:        err,
		}
	}
	return svc, nil
}

// parseAssignments splits KEY=VALUE arguments, keeping the last value of a repeated key.
func parseAssignments(args []string) ([]string, map[string]string, error) {
	values := make(map[string]string, len(args))
	var keys []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, nil, dserrors.UserError{
				Message:    fmt.Sprintf("Invalid assignment %q", arg),
				Suggestion: "Use KEY=VALUE",
			}
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = value
	}
	sort.Strings(keys)
	return keys, values, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
