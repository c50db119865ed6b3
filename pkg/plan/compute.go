// Package plan computes, validates and persists reviewable change plans that
// reconcile a local variable set with a backend.
package plan

import (
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/dsync/pkg/scope"
)

// Options control a plan computation.
type Options struct {
	Environment       string
	Strategy          Strategy
	IgnorePatterns    []string
	Prune             bool
	SourceFingerprint string

	// Now and ID are injectable for reproducible artifacts.
	Now func() time.Time
	ID  string
}

type identity struct {
	scope string
	key   string
}

type pair struct {
	local  *scope.ResolvedVariable
	remote *scope.ResolvedVariable
}

// Compute diffs local against remote. It performs no I/O; identical inputs
// produce identically ordered changes and identical summaries.
func Compute(local, remote []scope.ResolvedVariable, opts Options) *Plan {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyLocal
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	pairs := make(map[identity]*pair)
	var ids []identity
	index := func(v scope.ResolvedVariable) *pair {
		k := identity{scope: scope.Serialize(v.Scope), key: v.Key}
		p, ok := pairs[k]
		if !ok {
			p = &pair{}
			pairs[k] = p
			ids = append(ids, k)
		}
		return p
	}
	for i := range local {
		if Ignored(local[i].Key, opts.IgnorePatterns) {
			continue
		}
		index(local[i]).local = &local[i]
	}
	for i := range remote {
		if Ignored(remote[i].Key, opts.IgnorePatterns) {
			continue
		}
		index(remote[i]).remote = &remote[i]
	}

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].key != ids[j].key {
			return ids[i].key < ids[j].key
		}
		return ids[i].scope < ids[j].scope
	})

	p := &Plan{
		ID:                id,
		Environment:       opts.Environment,
		Strategy:          strategy,
		Prune:             opts.Prune,
		Changes:           []Change{},
		Conflicts:         []Conflict{},
		CreatedAt:         now().UTC(),
		SourceFingerprint: opts.SourceFingerprint,
	}

	for _, k := range ids {
		pr := pairs[k]
		switch {
		case pr.local != nil && pr.remote == nil:
			p.Changes = append(p.Changes, Change{
				Key:        pr.local.Key,
				Scope:      pr.local.Scope,
				Action:     ActionAdd,
				Sensitive:  pr.local.Sensitive,
				LocalValue: strPtr(pr.local.Value),
				Status:     StatusPending,
			})
			p.Summary.ToAdd++

		case pr.local == nil && pr.remote != nil:
			if !opts.Prune {
				p.Summary.RemoteOnly++
				continue
			}
			p.Changes = append(p.Changes, Change{
				Key:         pr.remote.Key,
				Scope:       pr.remote.Scope,
				Action:      ActionDelete,
				Sensitive:   pr.remote.Sensitive,
				RemoteValue: strPtr(pr.remote.Value),
				Status:      StatusPending,
			})
			p.Summary.ToDelete++

		case pr.local.Value == pr.remote.Value:
			p.Summary.Unchanged++

		default:
			divergent := Change{
				Key:         pr.local.Key,
				Scope:       pr.local.Scope,
				Sensitive:   pr.local.Sensitive || pr.remote.Sensitive,
				LocalValue:  strPtr(pr.local.Value),
				RemoteValue: strPtr(pr.remote.Value),
				Status:      StatusPending,
			}
			switch strategy {
			case StrategyRemote:
				divergent.Action = ActionPull
				p.Changes = append(p.Changes, divergent)
				p.Summary.ToPull++
			case StrategyError:
				p.Conflicts = append(p.Conflicts, Conflict{Key: divergent.Key, Scope: divergent.Scope})
				p.Summary.Conflicts++
			default:
				divergent.Action = ActionUpdate
				p.Changes = append(p.Changes, divergent)
				p.Summary.ToUpdate++
			}
		}
	}

	return p
}

// Ignored reports whether key matches any ignore glob. Malformed patterns
// never match.
func Ignored(key string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}
