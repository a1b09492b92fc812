package timeline

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/strata-project/strata/internal/timegen"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/fsutil"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/model"
)

// layout performs the physical side of each transition. Callers have already
// validated the instants; every method leaves its single state-changing
// storage action for last.
type layout interface {
	version() model.LayoutVersion
	// createMarker writes a stage file directly.
	createMarker(ctx context.Context, name string, data []byte, overwrite bool) error
	// transitionPending moves a pending instant to its next pending stage.
	transitionPending(ctx context.Context, from, to model.Instant, data []byte, allowRedundant bool) error
	// transitionComplete commits an inflight instant and returns the completed
	// instant as a reload would see it.
	transitionComplete(ctx context.Context, shouldLock bool, from, to model.Instant, data []byte, completionTime string) (model.Instant, error)
	// createComplete writes a completed instant with no prior stage.
	createComplete(ctx context.Context, shouldLock bool, inst model.Instant, data []byte) (model.Instant, error)
	revertCompleteToInflight(ctx context.Context, completedName string, completed, inflight model.Instant) error
	revertInflightToRequested(ctx context.Context, inflight, requested model.Instant) error
	// remove deletes the stage file name of inst and reports whether it was
	// there.
	remove(ctx context.Context, inst model.Instant, name string) (bool, error)
}

func newLayout(v model.LayoutVersion, f *files, gen *timegen.Generator, log *logging.Logger) layout {
	if v == model.LayoutLegacy {
		return &legacyLayout{files: f, gen: gen}
	}
	return &modernLayout{files: f, gen: gen, log: log}
}

// legacyLayout moves a single file through the stages by renaming it.
// Completed file names never carry the completion time.
type legacyLayout struct {
	*files
	gen *timegen.Generator
}

func (l *legacyLayout) version() model.LayoutVersion { return model.LayoutLegacy }

func (l *legacyLayout) createMarker(ctx context.Context, name string, data []byte, overwrite bool) error {
	return l.store.Create(ctx, l.key(name), data, overwrite)
}

func (l *legacyLayout) transitionPending(ctx context.Context, from, to model.Instant, data []byte, _ bool) error {
	fromName, err := l.name(from)
	if err != nil {
		return err
	}
	toName, err := l.name(to)
	if err != nil {
		return err
	}
	return l.rewriteAndRename(ctx, fromName, toName, to, data)
}

// rewriteAndRename moves fromName to toName. New data is staged in a temp
// file and renamed onto toName. The no-replace rename is the commit point and
// only its winner removes the source.
func (l *legacyLayout) rewriteAndRename(ctx context.Context, fromName, toName string, to model.Instant, data []byte) error {
	if err := l.requireSource(ctx, fromName, to); err != nil {
		return err
	}
	if data == nil {
		ok, err := l.store.Rename(ctx, l.key(fromName), l.key(toName))
		if err != nil {
			return err
		}
		if !ok {
			return l.renameFailed(ctx, fromName, toName)
		}
		return nil
	}

	staged := fsutil.TempPrefix + toName + "-" + uuid.NewString()
	if err := l.store.CreateImmutable(ctx, l.key(staged), data); err != nil {
		return err
	}
	ok, err := l.store.Rename(ctx, l.key(staged), l.key(toName))
	if err != nil || !ok {
		_, _ = l.store.Delete(ctx, l.key(staged))
		if err != nil {
			return err
		}
		return l.renameFailed(ctx, fromName, toName)
	}
	removed, err := l.store.Delete(ctx, l.key(fromName))
	if err != nil {
		return err
	}
	if !removed {
		// A rival consumed the source and already moved past toName.
		_, _ = l.store.Delete(ctx, l.key(toName))
		return errclass.ErrAlreadyExists.WithMessagef("%s already transitioned to %s", fromName, to.State)
	}
	return nil
}

func (l *legacyLayout) transitionComplete(ctx context.Context, shouldLock bool, from, to model.Instant, data []byte, _ string) (model.Instant, error) {
	fromName, err := l.name(from)
	if err != nil {
		return model.Instant{}, err
	}
	to.CompletionTime = ""
	toName, err := l.name(to)
	if err != nil {
		return model.Instant{}, err
	}
	if err := l.requireSource(ctx, fromName, to); err != nil {
		return model.Instant{}, err
	}
	// The minted time is not persisted, but holding the generator's lock
	// orders this rename against other completions.
	err = l.gen.ConsumeTime(ctx, shouldLock, func(string) error {
		return l.rewriteAndRename(ctx, fromName, toName, to, data)
	})
	if err != nil {
		return model.Instant{}, err
	}
	return to, nil
}

func (l *legacyLayout) createComplete(ctx context.Context, shouldLock bool, inst model.Instant, data []byte) (model.Instant, error) {
	inst.CompletionTime = ""
	name, err := l.name(inst)
	if err != nil {
		return model.Instant{}, err
	}
	err = l.gen.ConsumeTime(ctx, shouldLock, func(string) error {
		return l.store.Create(ctx, l.key(name), data, false)
	})
	if err != nil {
		return model.Instant{}, err
	}
	return inst, nil
}

func (l *legacyLayout) revertCompleteToInflight(ctx context.Context, completedName string, _, inflight model.Instant) error {
	inflightName, err := l.name(inflight)
	if err != nil {
		return err
	}
	present, err := l.exists(ctx, inflightName)
	if err != nil || present {
		// An inflight file already there means the instant is pending again.
		return err
	}
	ok, err := l.store.Rename(ctx, l.key(completedName), l.key(inflightName))
	if err != nil {
		return err
	}
	if !ok {
		return l.renameFailed(ctx, completedName, inflightName)
	}
	return nil
}

func (l *legacyLayout) revertInflightToRequested(ctx context.Context, inflight, requested model.Instant) error {
	return l.transitionPending(ctx, inflight, requested, nil, false)
}

func (l *legacyLayout) remove(ctx context.Context, _ model.Instant, name string) (bool, error) {
	return l.store.Delete(ctx, l.key(name))
}

// modernLayout never rewrites or renames: each stage is a new write-once
// file, and a completed file embeds its completion time. Each completed file
// is preceded by a claim under ClaimDirName.
type modernLayout struct {
	*files
	gen *timegen.Generator
	log *logging.Logger
}

func (m *modernLayout) version() model.LayoutVersion { return model.LayoutModern }

func (m *modernLayout) createMarker(ctx context.Context, name string, data []byte, overwrite bool) error {
	if overwrite {
		return m.store.Create(ctx, m.key(name), data, true)
	}
	return m.store.CreateImmutable(ctx, m.key(name), data)
}

func (m *modernLayout) transitionPending(ctx context.Context, from, to model.Instant, data []byte, allowRedundant bool) error {
	fromName, err := m.name(from)
	if err != nil {
		return err
	}
	toName, err := m.name(to)
	if err != nil {
		return err
	}
	if err := m.requireSource(ctx, fromName, to); err != nil {
		return err
	}
	return m.createMarker(ctx, toName, data, allowRedundant)
}

func (m *modernLayout) transitionComplete(ctx context.Context, shouldLock bool, from, to model.Instant, data []byte, completionTime string) (model.Instant, error) {
	fromName, err := m.name(from)
	if err != nil {
		return model.Instant{}, err
	}
	if err := m.requireSource(ctx, fromName, to); err != nil {
		return model.Instant{}, err
	}
	return m.commit(ctx, shouldLock, to, data, completionTime)
}

func (m *modernLayout) createComplete(ctx context.Context, shouldLock bool, inst model.Instant, data []byte) (model.Instant, error) {
	return m.commit(ctx, shouldLock, inst, data, "")
}

// commit publishes the completed file. Completed names differ by completion
// time, so the commit point is the immutable create of the claim, keyed by
// requested time and action only. A rival with another completion time loses
// there even when the generator lock is not held.
func (m *modernLayout) commit(ctx context.Context, shouldLock bool, inst model.Instant, data []byte, override string) (model.Instant, error) {
	var out model.Instant
	err := m.gen.ConsumeTime(ctx, shouldLock, func(ts string) error {
		if override != "" {
			ts = override
		}
		if prev, ok, err := m.completedOnDisk(ctx, inst.Action, inst.RequestedTime); err != nil {
			return err
		} else if ok {
			return errclass.ErrAlreadyExists.WithMessagef("%s already completed at %s", inst.RequestedTime, prev.CompletionTime)
		}
		done := inst
		done.CompletionTime = ts
		name, err := m.name(done)
		if err != nil {
			return err
		}
		if err := m.store.CreateImmutable(ctx, m.claimKey(done), []byte(ts)); err != nil {
			if errors.Is(err, errclass.ErrAlreadyExists) {
				return errclass.ErrAlreadyExists.WithMessagef("%s is being completed by another writer", inst.RequestedTime)
			}
			return err
		}
		if err := m.store.CreateImmutable(ctx, m.key(name), data); err != nil {
			if _, derr := m.store.Delete(ctx, m.claimKey(done)); derr != nil {
				m.log.Warn("could not release completion claim", logging.Fields{"instant": done.String(), "error": derr.Error()})
			}
			return err
		}
		out = done
		return nil
	})
	if err != nil {
		return model.Instant{}, err
	}
	return out, nil
}

func (m *modernLayout) revertCompleteToInflight(ctx context.Context, completedName string, completed, inflight model.Instant) error {
	var markers []model.Instant
	if requested := inflight.WithState(model.StateRequested); m.scheme.Registry().Supports(requested.Action, requested.State) {
		markers = append(markers, requested)
	}
	markers = append(markers, inflight)
	for _, marker := range markers {
		name, err := m.name(marker)
		if err != nil {
			return err
		}
		present, err := m.exists(ctx, name)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		if err := m.store.Create(ctx, m.key(name), nil, false); err != nil && !errors.Is(err, errclass.ErrAlreadyExists) {
			return err
		}
	}
	ok, err := m.remove(ctx, completed, completedName)
	if err != nil {
		return err
	}
	if !ok {
		return errclass.ErrNotFound.WithMessagef("instant file %s does not exist", completedName)
	}
	return nil
}

func (m *modernLayout) revertInflightToRequested(ctx context.Context, inflight, _ model.Instant) error {
	name, err := m.name(inflight)
	if err != nil {
		return err
	}
	ok, err := m.store.Delete(ctx, m.key(name))
	if err != nil {
		return err
	}
	if !ok {
		return errclass.ErrNotFound.WithMessagef("instant file %s does not exist", name)
	}
	return nil
}

// remove drops a completed file's claim before the file itself.
func (m *modernLayout) remove(ctx context.Context, inst model.Instant, name string) (bool, error) {
	if inst.IsCompleted() {
		if _, err := m.store.Delete(ctx, m.claimKey(inst)); err != nil {
			return false, err
		}
	}
	return m.store.Delete(ctx, m.key(name))
}
