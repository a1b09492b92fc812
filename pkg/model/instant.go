package model

import (
	"fmt"
	"sort"
)

// Action identifies the kind of table operation an instant records.
type Action string

const (
	ActionCommit        Action = "commit"
	ActionDeltaCommit   Action = "deltacommit"
	ActionClean         Action = "clean"
	ActionCompaction    Action = "compaction"
	ActionLogCompaction Action = "logcompaction"
	ActionRollback      Action = "rollback"
	ActionRestore       Action = "restore"
	ActionReplaceCommit Action = "replacecommit"
	ActionClustering    Action = "clustering"
	ActionIndexing      Action = "indexing"
	ActionSavepoint     Action = "savepoint"
	ActionSchemaCommit  Action = "schemacommit"
)

// Actions lists every known action in a stable order.
func Actions() []Action {
	return []Action{
		ActionCommit, ActionDeltaCommit, ActionClean, ActionCompaction,
		ActionLogCompaction, ActionRollback, ActionRestore, ActionReplaceCommit,
		ActionClustering, ActionIndexing, ActionSavepoint, ActionSchemaCommit,
	}
}

// ParseAction maps a wire name to an Action.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions() {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// CompletionAction is the action an instant carries once completed. Compaction
// and log compaction complete as commits, clustering as a replace commit.
func (a Action) CompletionAction() Action {
	switch a {
	case ActionCompaction:
		return ActionCommit
	case ActionLogCompaction:
		return ActionDeltaCommit
	case ActionClustering:
		return ActionReplaceCommit
	default:
		return a
	}
}

// State is an instant's lifecycle stage.
type State string

const (
	StateRequested State = "REQUESTED"
	StateInflight  State = "INFLIGHT"
	StateCompleted State = "COMPLETED"
)

// States lists the lifecycle stages in order.
func States() []State {
	return []State{StateRequested, StateInflight, StateCompleted}
}

// ParseState maps a state name to a State.
func ParseState(s string) (State, bool) {
	for _, st := range States() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// After reports whether s is a later lifecycle stage than o.
func (s State) After(o State) bool { return s.order() > o.order() }

func (s State) order() int {
	switch s {
	case StateRequested:
		return 0
	case StateInflight:
		return 1
	default:
		return 2
	}
}

// Instant is one occurrence of a table operation at one lifecycle stage.
// RequestedTime is its identity across stages.
type Instant struct {
	Action         Action `json:"action"`
	State          State  `json:"state"`
	RequestedTime  string `json:"requested_time"`
	CompletionTime string `json:"completion_time,omitempty"`
}

// NewInstant returns a pending or completed instant without a completion time.
func NewInstant(state State, action Action, requestedTime string) Instant {
	return Instant{Action: action, State: state, RequestedTime: requestedTime}
}

// NewCompletedInstant returns a completed instant carrying its completion time.
func NewCompletedInstant(action Action, requestedTime, completionTime string) Instant {
	return Instant{
		Action:         action,
		State:          StateCompleted,
		RequestedTime:  requestedTime,
		CompletionTime: completionTime,
	}
}

func (i Instant) IsRequested() bool { return i.State == StateRequested }
func (i Instant) IsInflight() bool  { return i.State == StateInflight }
func (i Instant) IsCompleted() bool { return i.State == StateCompleted }

// WithState returns the same instant identity at another stage. The completion
// time is dropped unless the target stage is COMPLETED.
func (i Instant) WithState(state State) Instant {
	out := Instant{Action: i.Action, State: state, RequestedTime: i.RequestedTime}
	if state == StateCompleted {
		out.CompletionTime = i.CompletionTime
	}
	return out
}

// SameIdentity reports whether two instants share action, state and requested
// time, ignoring the completion time.
func (i Instant) SameIdentity(o Instant) bool {
	return i.Action == o.Action && i.State == o.State && i.RequestedTime == o.RequestedTime
}

func (i Instant) String() string {
	if i.CompletionTime != "" {
		return fmt.Sprintf("[%s__%s__%s__%s]", i.RequestedTime, i.Action, i.State, i.CompletionTime)
	}
	if i.IsCompleted() {
		return fmt.Sprintf("[%s__%s__%s]", i.RequestedTime, i.Action, i.State)
	}
	return fmt.Sprintf("[==>%s__%s__%s]", i.RequestedTime, i.Action, i.State)
}

// Compare orders instants by requested time, then completion time, then state,
// then action. It returns -1, 0 or 1.
func Compare(a, b Instant) int {
	if c := compareStrings(a.RequestedTime, b.RequestedTime); c != 0 {
		return c
	}
	if a.CompletionTime != "" && b.CompletionTime != "" {
		if c := compareStrings(a.CompletionTime, b.CompletionTime); c != 0 {
			return c
		}
	}
	if a.State.order() != b.State.order() {
		if a.State.order() < b.State.order() {
			return -1
		}
		return 1
	}
	return compareStrings(string(a.Action), string(b.Action))
}

// CompareByCompletion orders completed instants by completion time; instants
// without one sort after those that have it, then fall back to Compare.
func CompareByCompletion(a, b Instant) int {
	switch {
	case a.CompletionTime != "" && b.CompletionTime == "":
		return -1
	case a.CompletionTime == "" && b.CompletionTime != "":
		return 1
	}
	if c := compareStrings(a.CompletionTime, b.CompletionTime); c != 0 {
		return c
	}
	return Compare(a, b)
}

// SortInstants sorts in place using Compare.
func SortInstants(instants []Instant) {
	sort.SliceStable(instants, func(i, j int) bool {
		return Compare(instants[i], instants[j]) < 0
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
