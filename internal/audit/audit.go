// Package audit records writes and apply outcomes as JSON lines.
// Variable values are never written to the trail.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Event names.
const (
	EventChange       = "change"
	EventApply        = "apply"
	EventSet          = "set"
	EventGuardWarning = "guard_warning"
	EventGuardBlocked = "guard_blocked"
)

// Trail is an append-only audit log.
type Trail struct {
	logger zerolog.Logger
	closer io.Closer
}

// New writes audit lines to w.
func New(w io.Writer, project string) *Trail {
	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("project", project).
		Logger()
	return &Trail{logger: logger}
}

// Open appends to the audit file at path, creating it and its directory.
func Open(path, project string) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	t := New(f, project)
	t.closer = f
	return t, nil
}

// Nop discards everything.
func Nop() *Trail {
	return &Trail{logger: zerolog.Nop()}
}

// Close releases the underlying file, if any.
func (t *Trail) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Change records the outcome of one plan change.
func (t *Trail) Change(environment, key, scope, action, status string, err error) {
	if t == nil {
		return
	}
	ev := t.logger.Info()
	if err != nil {
		ev = t.logger.Error().Str("message", err.Error())
	}
	ev.Str("event", EventChange).
		Str("environment", environment).
		Str("key", key).
		Str("scope", scope).
		Str("action", action).
		Str("status", status).
		Send()
}

// Apply records the totals of one apply run.
func (t *Trail) Apply(environment, planID string, applied, failed, skipped int, dryRun bool, elapsed time.Duration) {
	if t == nil {
		return
	}
	ev := t.logger.Info()
	if failed > 0 {
		ev = t.logger.Warn()
	}
	ev.Str("event", EventApply).
		Str("environment", environment).
		Str("plan_id", planID).
		Int("applied", applied).
		Int("failed", failed).
		Int("skipped", skipped).
		Bool("dry_run", dryRun).
		Dur("elapsed", elapsed).
		Send()
}

// Set records a direct write of key.
func (t *Trail) Set(environment, key, scope string, sensitive bool) {
	if t == nil {
		return
	}
	t.logger.Info().
		Str("event", EventSet).
		Str("environment", environment).
		Str("key", key).
		Str("scope", scope).
		Bool("sensitive", sensitive).
		Send()
}

// Guard records one write-guard line against the write it was raised for.
func (t *Trail) Guard(environment, scope, line string, blocked bool) {
	if t == nil {
		return
	}
	ev := t.logger.Warn().Str("event", EventGuardWarning)
	if blocked {
		ev = t.logger.Error().Str("event", EventGuardBlocked)
	}
	ev.Str("environment", environment).
		Str("scope", scope).
		Str("message", line).
		Send()
}
