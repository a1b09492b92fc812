// Package naming maps timeline instants to file names and back.
package naming

import (
	"sort"

	"github.com/strata-project/strata/pkg/model"
)

type entryKey struct {
	action model.Action
	state  model.State
}

// Registry is the closed set of (action, state) pairs a timeline may hold and
// the file extension each one is stored under. A Registry never changes after
// construction and is safe for concurrent use.
type Registry struct {
	byKey map[entryKey]string
	byExt map[string]entryKey
	exts  []string
}

// Entry is one registry row.
type Entry struct {
	Action    model.Action
	State     model.State
	Extension string
}

// DefaultEntries returns the standard extension table.
func DefaultEntries() []Entry {
	r, i, c := model.StateRequested, model.StateInflight, model.StateCompleted
	return []Entry{
		{model.ActionCommit, r, ".commit.requested"},
		{model.ActionCommit, i, ".inflight"},
		{model.ActionCommit, c, ".commit"},
		{model.ActionDeltaCommit, r, ".deltacommit.requested"},
		{model.ActionDeltaCommit, i, ".deltacommit.inflight"},
		{model.ActionDeltaCommit, c, ".deltacommit"},
		{model.ActionClean, r, ".clean.requested"},
		{model.ActionClean, i, ".clean.inflight"},
		{model.ActionClean, c, ".clean"},
		{model.ActionCompaction, r, ".compaction.requested"},
		{model.ActionCompaction, i, ".compaction.inflight"},
		{model.ActionLogCompaction, r, ".logcompaction.requested"},
		{model.ActionLogCompaction, i, ".logcompaction.inflight"},
		{model.ActionRollback, r, ".rollback.requested"},
		{model.ActionRollback, i, ".rollback.inflight"},
		{model.ActionRollback, c, ".rollback"},
		{model.ActionRestore, r, ".restore.requested"},
		{model.ActionRestore, i, ".restore.inflight"},
		{model.ActionRestore, c, ".restore"},
		{model.ActionReplaceCommit, r, ".replacecommit.requested"},
		{model.ActionReplaceCommit, i, ".replacecommit.inflight"},
		{model.ActionReplaceCommit, c, ".replacecommit"},
		{model.ActionClustering, r, ".clustering.requested"},
		{model.ActionClustering, i, ".clustering.inflight"},
		{model.ActionIndexing, r, ".indexing.requested"},
		{model.ActionIndexing, i, ".indexing.inflight"},
		{model.ActionIndexing, c, ".indexing"},
		{model.ActionSavepoint, i, ".savepoint.inflight"},
		{model.ActionSavepoint, c, ".savepoint"},
		{model.ActionSchemaCommit, r, ".schemacommit.requested"},
		{model.ActionSchemaCommit, i, ".schemacommit.inflight"},
		{model.ActionSchemaCommit, c, ".schemacommit"},
	}
}

// NewRegistry builds a registry from entries. It panics on a duplicate pair or
// extension, or on an extension that does not start with '.'.
func NewRegistry(entries []Entry) *Registry {
	r := &Registry{
		byKey: make(map[entryKey]string, len(entries)),
		byExt: make(map[string]entryKey, len(entries)),
	}
	for _, e := range entries {
		k := entryKey{e.Action, e.State}
		if len(e.Extension) < 2 || e.Extension[0] != '.' {
			panic("naming: invalid extension " + e.Extension)
		}
		if _, dup := r.byKey[k]; dup {
			panic("naming: duplicate entry for " + string(e.Action) + "/" + string(e.State))
		}
		if _, dup := r.byExt[e.Extension]; dup {
			panic("naming: duplicate extension " + e.Extension)
		}
		r.byKey[k] = e.Extension
		r.byExt[e.Extension] = k
		r.exts = append(r.exts, e.Extension)
	}
	sort.Strings(r.exts)
	return r
}

var defaultRegistry = NewRegistry(DefaultEntries())

// Default returns the shared standard registry.
func Default() *Registry {
	return defaultRegistry
}

// Extension returns the extension registered for action at state.
func (r *Registry) Extension(action model.Action, state model.State) (string, bool) {
	ext, ok := r.byKey[entryKey{action, state}]
	return ext, ok
}

// Lookup returns the (action, state) pair stored under ext.
func (r *Registry) Lookup(ext string) (model.Action, model.State, bool) {
	k, ok := r.byExt[ext]
	return k.action, k.state, ok
}

// Supports reports whether action has a file form at state.
func (r *Registry) Supports(action model.Action, state model.State) bool {
	_, ok := r.byKey[entryKey{action, state}]
	return ok
}

// ValidExtensions returns a sorted copy of every registered extension.
func (r *Registry) ValidExtensions() []string {
	out := make([]string, len(r.exts))
	copy(out, r.exts)
	return out
}

// Entries returns every registry row ordered by extension.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.exts))
	for _, ext := range r.exts {
		k := r.byExt[ext]
		out = append(out, Entry{Action: k.action, State: k.state, Extension: ext})
	}
	return out
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	return len(r.exts)
}
