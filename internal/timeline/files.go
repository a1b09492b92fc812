package timeline

import (
	"context"
	"strings"

	"github.com/strata-project/strata/internal/naming"
	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
)

// ClaimDirName is the timeline subdirectory holding completion claims.
const ClaimDirName = ".claims"

// ClaimName is the claim file name for a completed instant: one per
// requested time and completion action, whatever the completion time.
func ClaimName(inst model.Instant) string {
	return inst.RequestedTime + "." + string(inst.Action)
}

// files resolves instants to keys in the timeline directory. Schema commit
// files live in schemaDir instead.
type files struct {
	store     storage.Store
	dir       string
	schemaDir string
	scheme    *naming.Scheme
}

func (f *files) key(name string) string {
	if strings.Contains(name, string(model.ActionSchemaCommit)) {
		return storage.Join(f.schemaDir, name)
	}
	return storage.Join(f.dir, name)
}

func (f *files) claimKey(inst model.Instant) string {
	return storage.Join(f.dir, ClaimDirName, ClaimName(inst))
}

func (f *files) name(inst model.Instant) (string, error) {
	return f.scheme.FileName(inst)
}

func (f *files) exists(ctx context.Context, name string) (bool, error) {
	return f.store.Exists(ctx, f.key(name))
}

func (f *files) list(ctx context.Context) ([]model.Instant, error) {
	dirs := []string{f.dir}
	if f.schemaDir != f.dir {
		dirs = append(dirs, f.schemaDir)
	}
	var out []model.Instant
	for _, dir := range dirs {
		names, err := f.store.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			// a stage file counts only where key would place it
			if inst, ok := f.scheme.Parse(n); ok && f.key(n) == storage.Join(dir, n) {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

// completedOnDisk returns the completed instant stored for (action,
// requestedTime), if any.
func (f *files) completedOnDisk(ctx context.Context, action model.Action, requestedTime string) (model.Instant, bool, error) {
	instants, err := f.list(ctx)
	if err != nil {
		return model.Instant{}, false, err
	}
	for _, inst := range instants {
		if inst.IsCompleted() && inst.Action == action && inst.RequestedTime == requestedTime {
			return inst, true, nil
		}
	}
	return model.Instant{}, false, nil
}

// missingSource classifies an absent transition source. If the target stage
// is already on disk another writer finished this transition.
func (f *files) missingSource(ctx context.Context, fromName string, to model.Instant) error {
	var (
		present bool
		err     error
	)
	if to.IsCompleted() {
		_, present, err = f.completedOnDisk(ctx, to.Action, to.RequestedTime)
	} else if toName, nerr := f.name(to); nerr == nil {
		present, err = f.exists(ctx, toName)
	}
	if err != nil {
		return err
	}
	if present {
		return errclass.ErrAlreadyExists.WithMessagef("%s already transitioned to %s", fromName, to.State)
	}
	return errclass.ErrNotFound.WithMessagef("instant file %s does not exist", fromName)
}

func (f *files) requireSource(ctx context.Context, fromName string, to model.Instant) error {
	ok, err := f.exists(ctx, fromName)
	if err != nil {
		return err
	}
	if !ok {
		return f.missingSource(ctx, fromName, to)
	}
	return nil
}

// renameFailed explains a rename that reported false.
func (f *files) renameFailed(ctx context.Context, fromName, toName string) error {
	if ok, err := f.exists(ctx, toName); err != nil {
		return err
	} else if ok {
		return errclass.ErrAlreadyExists.WithMessagef("%s already exists", toName)
	}
	if ok, err := f.exists(ctx, fromName); err != nil {
		return err
	} else if !ok {
		return errclass.ErrNotFound.WithMessagef("instant file %s does not exist", fromName)
	}
	return errclass.ErrStorageIO.WithMessagef("could not rename %s to %s", fromName, toName)
}
