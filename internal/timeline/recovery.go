package timeline

import (
	"context"
	"errors"
	"io"

	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/model"
)

// RevertToInflight unwinds a completed instant to the inflight stage it was
// committed from and returns that inflight instant. A commit completed from
// a compaction reverts to the compaction.
func (t *ActiveTimeline) RevertToInflight(ctx context.Context, completed model.Instant) (model.Instant, error) {
	if err := errclass.Checkf(completed.IsCompleted(), "instant %s is not completed", completed); err != nil {
		return model.Instant{}, t.done("revert", model.EventTypeInstantRevert, completed, nil, err)
	}
	inflight, err := t.inflightFor(ctx, completed)
	if err != nil {
		return model.Instant{}, t.done("revert", model.EventTypeInstantRevert, completed, nil, err)
	}
	if err := t.RevertCompleteToInflight(ctx, completed, inflight); err != nil {
		return model.Instant{}, err
	}
	return inflight, nil
}

// inflightFor finds the pending action a completed instant came from.
func (t *ActiveTimeline) inflightFor(ctx context.Context, completed model.Instant) (model.Instant, error) {
	onDisk, err := t.files.list(ctx)
	if err != nil {
		return model.Instant{}, err
	}
	for _, inst := range onDisk {
		if inst.RequestedTime == completed.RequestedTime && !inst.IsCompleted() &&
			inst.Action != completed.Action && inst.Action.CompletionAction() == completed.Action {
			return model.NewInstant(model.StateInflight, inst.Action, inst.RequestedTime), nil
		}
	}
	return model.NewInstant(model.StateInflight, completed.Action, completed.RequestedTime), nil
}

// RevertCompleteToInflight removes the completed stage of an instant while
// keeping its pending stages, so the same requested time can be completed
// again.
func (t *ActiveTimeline) RevertCompleteToInflight(ctx context.Context, completed, inflight model.Instant) error {
	err := errclass.Checkf(completed.IsCompleted(), "instant %s is not completed", completed)
	if err == nil {
		err = errclass.Checkf(inflight.IsInflight(), "instant %s is not inflight", inflight)
	}
	if err == nil {
		err = errclass.Checkf(completed.RequestedTime == inflight.RequestedTime,
			"%s and %s are not consistent when reverting state", completed, inflight)
	}
	if err == nil {
		err = errclass.Checkf(inflight.Action.CompletionAction() == completed.Action,
			"%s does not complete as %s", inflight, completed.Action)
	}
	if err == nil {
		var completedName string
		if completedName, err = t.resolveName(ctx, completed); err == nil {
			err = t.layout.revertCompleteToInflight(ctx, completedName, completed, inflight)
		}
	}
	return t.done("revert", model.EventTypeInstantRevert, inflight,
		map[string]any{"from": string(model.StateCompleted)}, err)
}

// RevertInstantFromInflightToRequested returns an inflight instant to
// REQUESTED.
func (t *ActiveTimeline) RevertInstantFromInflightToRequested(ctx context.Context, inflight model.Instant) (model.Instant, error) {
	requested := inflight.WithState(model.StateRequested)
	err := errclass.Checkf(inflight.IsInflight(), "instant %s is not inflight", inflight)
	if err == nil {
		_, err = t.files.name(requested)
	}
	if err == nil {
		err = t.layout.revertInflightToRequested(ctx, inflight, requested)
	}
	if err != nil {
		return model.Instant{}, t.done("revert", model.EventTypeInstantRevert, inflight, nil, err)
	}
	return requested, t.done("revert", model.EventTypeInstantRevert, requested,
		map[string]any{"from": string(model.StateInflight)}, nil)
}

// RevertLogCompactionInflightToRequested is RevertInstantFromInflightToRequested
// restricted to log compactions.
func (t *ActiveTimeline) RevertLogCompactionInflightToRequested(ctx context.Context, inflight model.Instant) (model.Instant, error) {
	if err := errclass.Checkf(inflight.Action == model.ActionLogCompaction,
		"%s is not a %s instant", inflight, model.ActionLogCompaction); err != nil {
		return model.Instant{}, t.done("revert", model.EventTypeInstantRevert, inflight, nil, err)
	}
	return t.RevertInstantFromInflightToRequested(ctx, inflight)
}

// ---- deletes ----

func (t *ActiveTimeline) DeleteInflight(ctx context.Context, inst model.Instant) error {
	return t.deleteChecked(ctx, inst, errclass.Checkf(inst.IsInflight(), "instant %s is not inflight", inst))
}

func (t *ActiveTimeline) DeletePending(ctx context.Context, inst model.Instant) error {
	return t.deleteChecked(ctx, inst, errclass.Checkf(!inst.IsCompleted(), "instant %s is not pending", inst))
}

func (t *ActiveTimeline) DeleteCompletedRollback(ctx context.Context, inst model.Instant) error {
	err := errclass.Checkf(inst.IsCompleted(), "instant %s is not completed", inst)
	if err == nil {
		err = errclass.Checkf(inst.Action == model.ActionRollback, "%s is not a %s instant", inst, model.ActionRollback)
	}
	return t.deleteChecked(ctx, inst, err)
}

func (t *ActiveTimeline) DeleteCompactionRequested(ctx context.Context, inst model.Instant) error {
	err := errclass.Checkf(inst.IsRequested(), "instant %s is not requested", inst)
	if err == nil {
		err = errclass.Checkf(inst.Action == model.ActionCompaction, "%s is not a %s instant", inst, model.ActionCompaction)
	}
	return t.deleteChecked(ctx, inst, err)
}

// deleteChecked removes the file of inst once its precondition err is nil.
// A missing file is ErrNotFound.
func (t *ActiveTimeline) deleteChecked(ctx context.Context, inst model.Instant, err error) error {
	if err == nil {
		var name string
		if name, err = t.resolveName(ctx, inst); err == nil {
			var ok bool
			if ok, err = t.layout.remove(ctx, inst, name); err == nil && !ok {
				err = errclass.ErrNotFound.WithMessagef("could not delete instant %s: %s does not exist", inst, name)
			}
		}
	}
	return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
}

// DeleteEmptyInstantIfExists purges an instant whose payload is empty. It is
// a no-op when the file is absent and fails with ErrValidation when the
// payload is not empty.
func (t *ActiveTimeline) DeleteEmptyInstantIfExists(ctx context.Context, inst model.Instant) error {
	name, err := t.resolveName(ctx, inst)
	if err != nil {
		return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
	}
	data, err := storage.ReadFile(ctx, t.files.store, t.files.key(name))
	if errors.Is(err, errclass.ErrNotFound) {
		t.log.Warn("instant to remove does not exist", logging.Fields{"instant": inst.String(), "file": name})
		return nil
	}
	if err == nil {
		err = errclass.Checkf(len(data) == 0, "instant %s has a non-empty payload (%d bytes)", inst, len(data))
	}
	if err != nil {
		return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
	}
	return t.DeleteInstantFileIfExists(ctx, inst)
}

// DeleteInstantFileIfExists removes the file of inst, logging a warning
// instead of failing when it is absent.
func (t *ActiveTimeline) DeleteInstantFileIfExists(ctx context.Context, inst model.Instant) error {
	name, err := t.resolveName(ctx, inst)
	if err != nil {
		return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
	}
	ok, err := t.files.exists(ctx, name)
	if err != nil {
		return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
	}
	if !ok {
		t.log.Warn("instant to remove does not exist", logging.Fields{"instant": inst.String(), "file": name})
		return nil
	}
	deleted, err := t.layout.remove(ctx, inst, name)
	if err == nil && !deleted {
		err = errclass.ErrStorageIO.WithMessagef("could not delete instant %s with file %s", inst, name)
	}
	return t.done("delete", model.EventTypeInstantDelete, inst, nil, err)
}

// ---- reads ----

// InstantDetails returns the payload stored for inst.
func (t *ActiveTimeline) InstantDetails(ctx context.Context, inst model.Instant) ([]byte, error) {
	name, err := t.resolveName(ctx, inst)
	if err != nil {
		return nil, err
	}
	return storage.ReadFile(ctx, t.files.store, t.files.key(name))
}

// ContentStream opens the payload stored for inst. The caller closes it.
func (t *ActiveTimeline) ContentStream(ctx context.Context, inst model.Instant) (io.ReadCloser, error) {
	name, err := t.resolveName(ctx, inst)
	if err != nil {
		return nil, err
	}
	return t.files.store.Open(ctx, t.files.key(name))
}

// IsEmpty reports whether the payload stored for inst has no bytes.
func (t *ActiveTimeline) IsEmpty(ctx context.Context, inst model.Instant) (bool, error) {
	data, err := t.InstantDetails(ctx, inst)
	if err != nil {
		return false, err
	}
	return len(data) == 0, nil
}

// CopyInstant copies the file of inst into dstDir of the same store,
// replacing any copy already there.
func (t *ActiveTimeline) CopyInstant(ctx context.Context, inst model.Instant, dstDir string) error {
	name, err := t.resolveName(ctx, inst)
	if err != nil {
		return err
	}
	data, err := storage.ReadFile(ctx, t.files.store, t.files.key(name))
	if err != nil {
		return err
	}
	if err := t.files.store.MkdirAll(ctx, dstDir); err != nil {
		return err
	}
	return t.files.store.Create(ctx, storage.Join(dstDir, name), data, true)
}
