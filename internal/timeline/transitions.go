package timeline

import (
	"context"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
	"github.com/strata-project/strata/pkg/pathutil"
)

// CreateNewInstant writes the marker for a pending instant. It fails with
// ErrAlreadyExists when the marker is already present.
func (t *ActiveTimeline) CreateNewInstant(ctx context.Context, inst model.Instant) error {
	err := errclass.Checkf(!inst.IsCompleted(), "cannot create completed instant %s directly", inst)
	if err == nil {
		err = t.createMarker(ctx, inst, nil, false)
	}
	return t.done("create", model.EventTypeInstantCreate, inst, nil, err)
}

// CreateCompleteInstant writes a completed instant that has no pending
// stages, minting its completion time.
func (t *ActiveTimeline) CreateCompleteInstant(ctx context.Context, shouldLock bool, inst model.Instant, data []byte) (model.Instant, error) {
	inst.CompletionTime = ""
	err := errclass.Checkf(inst.IsCompleted(), "instant %s is not completed", inst)
	if err == nil {
		_, err = t.files.name(inst)
	}
	if err != nil {
		return model.Instant{}, t.done("create_complete", model.EventTypeInstantComplete, inst, nil, err)
	}
	out, err := t.layout.createComplete(ctx, shouldLock, inst, data)
	if err != nil {
		return model.Instant{}, t.done("create_complete", model.EventTypeInstantComplete, inst, nil, err)
	}
	return out, t.done("create_complete", model.EventTypeInstantComplete, out, completionDetails(out), nil)
}

// CreateRequestedCommitWithReplaceMetadata writes a REQUESTED marker for
// action carrying a replace plan.
func (t *ActiveTimeline) CreateRequestedCommitWithReplaceMetadata(ctx context.Context, requestedTime string, action model.Action, data []byte) (model.Instant, error) {
	inst := model.NewInstant(model.StateRequested, action, requestedTime)
	err := t.createMarker(ctx, inst, data, false)
	return inst, t.done("create", model.EventTypeInstantCreate, inst, nil, err)
}

func (t *ActiveTimeline) createMarker(ctx context.Context, inst model.Instant, data []byte, overwrite bool) error {
	name, err := t.files.name(inst)
	if err != nil {
		return err
	}
	return t.layout.createMarker(ctx, name, data, overwrite)
}

// ---- pending plans ----

func (t *ActiveTimeline) saveRequested(ctx context.Context, inst model.Instant, action model.Action, data []byte, overwrite bool) error {
	err := errclass.Checkf(inst.Action == action, "%s is not a %s instant", inst, action)
	if err == nil {
		err = errclass.Checkf(inst.IsRequested(), "instant %s is not requested", inst)
	}
	if err == nil {
		err = t.createMarker(ctx, inst, data, overwrite)
	}
	return t.done("save_requested", model.EventTypeInstantCreate, inst, map[string]any{"bytes": len(data)}, err)
}

// SaveToCompactionRequested writes a compaction plan. With overwrite an
// existing plan is replaced.
func (t *ActiveTimeline) SaveToCompactionRequested(ctx context.Context, inst model.Instant, plan []byte, overwrite bool) error {
	return t.saveRequested(ctx, inst, model.ActionCompaction, plan, overwrite)
}

// SaveToLogCompactionRequested writes a log compaction plan. With overwrite
// an existing plan is replaced.
func (t *ActiveTimeline) SaveToLogCompactionRequested(ctx context.Context, inst model.Instant, plan []byte, overwrite bool) error {
	return t.saveRequested(ctx, inst, model.ActionLogCompaction, plan, overwrite)
}

func (t *ActiveTimeline) SaveToPendingReplaceCommit(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionReplaceCommit, plan, false)
}

func (t *ActiveTimeline) SaveToPendingClusterCommit(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionClustering, plan, false)
}

func (t *ActiveTimeline) SaveToCleanRequested(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionClean, plan, false)
}

func (t *ActiveTimeline) SaveToRollbackRequested(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionRollback, plan, false)
}

func (t *ActiveTimeline) SaveToRestoreRequested(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionRestore, plan, false)
}

func (t *ActiveTimeline) SaveToPendingIndexAction(ctx context.Context, inst model.Instant, plan []byte) error {
	return t.saveRequested(ctx, inst, model.ActionIndexing, plan, false)
}

// ---- requested -> inflight ----

// TransitionRequestedToInflight moves requested to INFLIGHT. With
// allowRedundant the modern layout tolerates an inflight file that already
// exists.
func (t *ActiveTimeline) TransitionRequestedToInflight(ctx context.Context, requested model.Instant, data []byte, allowRedundant bool) (model.Instant, error) {
	to := requested.WithState(model.StateInflight)
	err := errclass.Checkf(requested.IsRequested(), "instant %s in wrong state", requested)
	if err == nil {
		err = t.transitionPending(ctx, requested, to, data, allowRedundant)
	}
	if err != nil {
		return model.Instant{}, t.done("inflight", model.EventTypeInstantInflight, to, nil, err)
	}
	return to, t.done("inflight", model.EventTypeInstantInflight, to, nil, nil)
}

func (t *ActiveTimeline) transitionPending(ctx context.Context, from, to model.Instant, data []byte, allowRedundant bool) error {
	if err := errclass.Checkf(from.RequestedTime == to.RequestedTime,
		"%s and %s are not consistent when transitioning state", from, to); err != nil {
		return err
	}
	return t.layout.transitionPending(ctx, from, to, data, allowRedundant)
}

func (t *ActiveTimeline) requestedToInflight(ctx context.Context, requested model.Instant, action model.Action, data []byte) (model.Instant, error) {
	if err := errclass.Checkf(requested.Action == action, "%s is not a %s instant", requested, action); err != nil {
		return model.Instant{}, t.done("inflight", model.EventTypeInstantInflight, requested, nil, err)
	}
	return t.TransitionRequestedToInflight(ctx, requested, data, false)
}

func (t *ActiveTimeline) TransitionCompactionRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionCompaction, nil)
}

func (t *ActiveTimeline) TransitionLogCompactionRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionLogCompaction, nil)
}

func (t *ActiveTimeline) TransitionCleanRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionClean, nil)
}

func (t *ActiveTimeline) TransitionRollbackRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionRollback, nil)
}

func (t *ActiveTimeline) TransitionRestoreRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionRestore, nil)
}

func (t *ActiveTimeline) TransitionIndexRequestedToInflight(ctx context.Context, requested model.Instant) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionIndexing, nil)
}

func (t *ActiveTimeline) TransitionReplaceRequestedToInflight(ctx context.Context, requested model.Instant, data []byte) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionReplaceCommit, data)
}

func (t *ActiveTimeline) TransitionClusterRequestedToInflight(ctx context.Context, requested model.Instant, data []byte) (model.Instant, error) {
	return t.requestedToInflight(ctx, requested, model.ActionClustering, data)
}

// ---- inflight -> completed ----

// SaveAsComplete commits an inflight instant with payload data and returns
// the completed instant. Compaction, log compaction and clustering complete
// under their completion action. A non-empty completionTime replaces the
// minted one.
func (t *ActiveTimeline) SaveAsComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte, completionTime string) (model.Instant, error) {
	to := model.NewInstant(model.StateCompleted, inflight.Action.CompletionAction(), inflight.RequestedTime)
	err := errclass.Checkf(inflight.IsInflight(), "could not mark instant %s as complete: not inflight", inflight)
	if err == nil && completionTime != "" {
		err = pathutil.ValidateInstantTime(completionTime)
	}
	if err == nil {
		var out model.Instant
		if out, err = t.complete(ctx, shouldLock, inflight, to, data, completionTime); err == nil {
			return out, t.done("complete", model.EventTypeInstantComplete, out, completionDetails(out), nil)
		}
	}
	return model.Instant{}, t.done("complete", model.EventTypeInstantComplete, to, nil, err)
}

func (t *ActiveTimeline) complete(ctx context.Context, shouldLock bool, from, to model.Instant, data []byte, completionTime string) (model.Instant, error) {
	if err := errclass.Checkf(from.RequestedTime == to.RequestedTime,
		"%s and %s are not consistent when transitioning state", from, to); err != nil {
		return model.Instant{}, err
	}
	// reject pairs without a completed form before touching storage
	if _, err := t.files.name(to); err != nil {
		return model.Instant{}, err
	}
	return t.layout.transitionComplete(ctx, shouldLock, from, to, data, completionTime)
}

func (t *ActiveTimeline) inflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, action model.Action, data []byte) (model.Instant, error) {
	if err := errclass.Checkf(inflight.Action == action, "%s is not a %s instant", inflight, action); err != nil {
		return model.Instant{}, t.done("complete", model.EventTypeInstantComplete, inflight, nil, err)
	}
	return t.SaveAsComplete(ctx, shouldLock, inflight, data, "")
}

// TransitionCompactionInflightToComplete completes a compaction as a commit.
func (t *ActiveTimeline) TransitionCompactionInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionCompaction, data)
}

// TransitionLogCompactionInflightToComplete completes a log compaction as a
// delta commit.
func (t *ActiveTimeline) TransitionLogCompactionInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionLogCompaction, data)
}

func (t *ActiveTimeline) TransitionCleanInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionClean, data)
}

func (t *ActiveTimeline) TransitionRollbackInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionRollback, data)
}

func (t *ActiveTimeline) TransitionRestoreInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionRestore, data)
}

func (t *ActiveTimeline) TransitionReplaceInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionReplaceCommit, data)
}

// TransitionClusterInflightToComplete completes a clustering as a replace
// commit.
func (t *ActiveTimeline) TransitionClusterInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionClustering, data)
}

func (t *ActiveTimeline) TransitionIndexInflightToComplete(ctx context.Context, shouldLock bool, inflight model.Instant, data []byte) (model.Instant, error) {
	return t.inflightToComplete(ctx, shouldLock, inflight, model.ActionIndexing, data)
}

func completionDetails(inst model.Instant) map[string]any {
	if inst.CompletionTime == "" {
		return nil
	}
	return map[string]any{"completion_time": inst.CompletionTime}
}
