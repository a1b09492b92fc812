package timeline

import (
	"slices"

	"github.com/strata-project/strata/pkg/model"
)

// View is an immutable, ordered snapshot of instants. Filters return new
// views and never touch storage.
type View struct {
	instants []model.Instant
}

// NewView returns a view over a sorted copy of instants.
func NewView(instants []model.Instant) *View {
	out := slices.Clone(instants)
	model.SortInstants(out)
	return &View{instants: out}
}

// LatestStages keeps one instant per requested time and completion action:
// the furthest stage present. Modern timelines leave every stage file on
// disk, so a completed instant would otherwise also read as pending.
func LatestStages(instants []model.Instant) []model.Instant {
	type stageKey struct {
		requested string
		action    model.Action
	}
	latest := make(map[stageKey]int, len(instants))
	var out []model.Instant
	for _, inst := range instants {
		k := stageKey{inst.RequestedTime, inst.Action.CompletionAction()}
		i, seen := latest[k]
		if !seen {
			latest[k] = len(out)
			out = append(out, inst)
			continue
		}
		if inst.State.After(out[i].State) {
			out[i] = inst
		}
	}
	return out
}

// Instants returns the instants in timeline order.
func (v *View) Instants() []model.Instant {
	return slices.Clone(v.instants)
}

// Len returns the number of instants in the view.
func (v *View) Len() int { return len(v.instants) }

// Empty reports whether the view has no instants.
func (v *View) Empty() bool { return len(v.instants) == 0 }

// Filter keeps the instants matching keep.
func (v *View) Filter(keep func(model.Instant) bool) *View {
	var out []model.Instant
	for _, inst := range v.instants {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	return &View{instants: out}
}

func (v *View) Completed() *View {
	return v.Filter(model.Instant.IsCompleted)
}

// Pending keeps REQUESTED and INFLIGHT instants.
func (v *View) Pending() *View {
	return v.Filter(func(i model.Instant) bool { return !i.IsCompleted() })
}

func (v *View) Requested() *View {
	return v.Filter(model.Instant.IsRequested)
}

func (v *View) Inflight() *View {
	return v.Filter(model.Instant.IsInflight)
}

// ByActions keeps instants whose action is one of actions.
func (v *View) ByActions(actions ...model.Action) *View {
	return v.Filter(func(i model.Instant) bool { return slices.Contains(actions, i.Action) })
}

// ByState keeps instants at state.
func (v *View) ByState(state model.State) *View {
	return v.Filter(func(i model.Instant) bool { return i.State == state })
}

// CommitsTimeline keeps every action that writes data: commits, delta
// commits, replace commits, and the compaction and clustering work that
// completes into them.
func (v *View) CommitsTimeline() *View {
	return v.ByActions(
		model.ActionCommit, model.ActionDeltaCommit, model.ActionReplaceCommit,
		model.ActionCompaction, model.ActionLogCompaction, model.ActionClustering,
	)
}

func (v *View) CleanerTimeline() *View { return v.ByActions(model.ActionClean) }

func (v *View) RollbackTimeline() *View { return v.ByActions(model.ActionRollback) }

func (v *View) RestoreTimeline() *View { return v.ByActions(model.ActionRestore) }

// First returns the earliest instant.
func (v *View) First() (model.Instant, bool) {
	if len(v.instants) == 0 {
		return model.Instant{}, false
	}
	return v.instants[0], true
}

// Last returns the latest instant.
func (v *View) Last() (model.Instant, bool) {
	if len(v.instants) == 0 {
		return model.Instant{}, false
	}
	return v.instants[len(v.instants)-1], true
}

// Contains reports whether any instant has the given requested time.
func (v *View) Contains(requestedTime string) bool {
	return slices.ContainsFunc(v.instants, func(i model.Instant) bool {
		return i.RequestedTime == requestedTime
	})
}

// After keeps instants requested strictly after ts.
func (v *View) After(ts string) *View {
	return v.Filter(func(i model.Instant) bool { return i.RequestedTime > ts })
}

// Find returns the instants for requestedTime, in timeline order.
func (v *View) Find(requestedTime string) []model.Instant {
	return v.Filter(func(i model.Instant) bool { return i.RequestedTime == requestedTime }).instants
}

// Lookup returns the instant with the same action, state and requested time
// as inst, including any completion time it was loaded with.
func (v *View) Lookup(inst model.Instant) (model.Instant, bool) {
	for _, i := range v.instants {
		if i.SameIdentity(inst) {
			return i, true
		}
	}
	return model.Instant{}, false
}

// OrderedByCompletionTime returns the instants ordered by completion time.
// Instants without one sort last in timeline order.
func (v *View) OrderedByCompletionTime() []model.Instant {
	out := slices.Clone(v.instants)
	slices.SortStableFunc(out, model.CompareByCompletion)
	return out
}

// CountByState returns how many instants sit at each state.
func (v *View) CountByState() map[string]int {
	counts := make(map[string]int, 3)
	for _, s := range model.States() {
		counts[string(s)] = 0
	}
	for _, i := range v.instants {
		counts[string(i.State)]++
	}
	return counts
}
