// Package rules loads protocol rule documents into immutable snapshots and
// serves them through a Registry that can be reloaded atomically.
package rules

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/dshills/trialguard/internal/schema"
)

// Snapshot is an immutable set of loaded rules.
type Snapshot struct {
	rules    map[string]schema.Rule
	ordered  []schema.Rule
	protocol schema.Protocol
	issues   []Issue
}

func newSnapshot(rules map[string]schema.Rule, p schema.Protocol, issues []Issue) *Snapshot {
	ordered := make([]schema.Rule, 0, len(rules))
	for _, r := range rules {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	return &Snapshot{rules: rules, ordered: ordered, protocol: p, issues: issues}
}

// Get returns the rule with id.
func (s *Snapshot) Get(id string) (schema.Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// All returns every rule sorted by id.
func (s *Snapshot) All() []schema.Rule { return append([]schema.Rule(nil), s.ordered...) }

// Active returns every active rule sorted by id.
func (s *Snapshot) Active() []schema.Rule {
	var out []schema.Rule
	for _, r := range s.ordered {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// ByCategory groups every rule by category.
func (s *Snapshot) ByCategory() map[schema.Category][]schema.Rule {
	out := map[schema.Category][]schema.Rule{}
	for _, r := range s.ordered {
		out[r.Category] = append(out[r.Category], r)
	}
	return out
}

// Len returns the number of rules.
func (s *Snapshot) Len() int { return len(s.ordered) }

// Protocol returns the protocol metadata of the first document declaring it.
func (s *Snapshot) Protocol() schema.Protocol { return s.protocol }

// Issues returns the problems found while loading.
func (s *Snapshot) Issues() []Issue { return append([]Issue(nil), s.issues...) }

// Registry serves the current snapshot. Reload swaps in a new snapshot
// atomically; readers hold on to whichever snapshot they fetched.
type Registry struct {
	fsys    fs.FS
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewRegistry loads fsys and returns a registry serving it.
func NewRegistry(fsys fs.FS, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{fsys: fsys, logger: logger}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open returns a registry over the rule documents in dir.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules: %s is not a directory", dir)
	}
	return NewRegistry(os.DirFS(dir), logger)
}

// Reload rebuilds the snapshot from the registry's documents.
func (r *Registry) Reload() (*Snapshot, error) {
	snap, err := Load(r.fsys, r.logger)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	r.logger.Info("rules loaded", "rules", snap.Len(), "issues", len(snap.issues))
	return snap, nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

func (r *Registry) Get(id string) (schema.Rule, bool) { return r.Snapshot().Get(id) }

func (r *Registry) All() []schema.Rule { return r.Snapshot().All() }

func (r *Registry) Active() []schema.Rule { return r.Snapshot().Active() }

func (r *Registry) Protocol() schema.Protocol { return r.Snapshot().Protocol() }
