// Package timeline implements the active timeline: the file-backed state
// machine that moves every table operation through REQUESTED, INFLIGHT and
// COMPLETED.
//
// All state lives in one storage directory. An ActiveTimeline holds a
// point-in-time View of that directory; Reload is the only way to refresh it.
// Transitions write through to storage and do not update the View.
package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/strata-project/strata/internal/naming"
	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/internal/timegen"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
	"github.com/strata-project/strata/pkg/model"
)

// Options configures an ActiveTimeline.
type Options struct {
	Store storage.Store
	// Dir is the timeline directory key within Store.
	Dir string
	// SchemaDir holds schema commit files. It defaults to Dir/.schema.
	SchemaDir string
	Layout    model.LayoutVersion
	// Registry defaults to naming.Default().
	Registry *naming.Registry
	// TimeGen defaults to an unlocked generator in UTC.
	TimeGen *timegen.Generator
	// Logger defaults to the global logger.
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Events  EventSink
}

// ActiveTimeline is safe for concurrent use by multiple goroutines.
type ActiveTimeline struct {
	files   *files
	layout  layout
	gen     *timegen.Generator
	log     *logging.Logger
	metrics *metrics.Registry
	events  EventSink

	mu     sync.RWMutex
	view   *View
	stages *View
}

// Open builds a timeline over opts.Dir and loads it.
func Open(ctx context.Context, opts Options) (*ActiveTimeline, error) {
	if opts.Store == nil {
		return nil, errclass.ErrValidation.WithMessage("timeline store is required")
	}
	if !opts.Layout.Valid() {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown layout version %d", int(opts.Layout))
	}
	if opts.Registry == nil {
		opts.Registry = naming.Default()
	}
	if opts.TimeGen == nil {
		opts.TimeGen = timegen.New(nil, timegen.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.SchemaDir == "" {
		opts.SchemaDir = storage.Join(opts.Dir, ".schema")
	}

	f := &files{
		store:     opts.Store,
		dir:       opts.Dir,
		schemaDir: opts.SchemaDir,
		scheme:    naming.NewScheme(opts.Registry, opts.Layout),
	}
	t := &ActiveTimeline{
		files:   f,
		layout:  newLayout(opts.Layout, f, opts.TimeGen, opts.Logger),
		gen:     opts.TimeGen,
		log:     opts.Logger.WithFields(logging.Fields{"layout": opts.Layout.String()}),
		metrics: opts.Metrics,
		events:  opts.Events,
		view:    NewView(nil),
		stages:  NewView(nil),
	}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload relists the timeline directory and replaces the View.
func (t *ActiveTimeline) Reload(ctx context.Context) error {
	start := time.Now()
	instants, err := t.files.list(ctx)
	if err != nil {
		return t.fail("reload", model.Instant{}, err)
	}
	v := NewView(LatestStages(instants))
	stages := NewView(instants)

	t.mu.Lock()
	t.view = v
	t.stages = stages
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordReload(time.Since(start), v.CountByState())
	}
	t.log.Debug("timeline reloaded", logging.Fields{"instants": v.Len()})
	return nil
}

// View returns the snapshot taken by the last Reload.
func (t *ActiveTimeline) View() *View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

// Stages returns every stage file found by the last Reload, including the
// earlier stages View folds away.
func (t *ActiveTimeline) Stages() *View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stages
}

// Layout returns the layout version transitions are written with.
func (t *ActiveTimeline) Layout() model.LayoutVersion { return t.layout.version() }

// Dir returns the timeline directory key.
func (t *ActiveTimeline) Dir() string { return t.files.dir }

// Store returns the backing store.
func (t *ActiveTimeline) Store() storage.Store { return t.files.store }

// ValidExtensions returns every extension the timeline recognizes, sorted.
func (t *ActiveTimeline) ValidExtensions() []string {
	return t.files.scheme.Registry().ValidExtensions()
}

// FileName returns the file name inst is stored under.
func (t *ActiveTimeline) FileName(inst model.Instant) (string, error) {
	return t.files.name(inst)
}

// ParseFileName maps a timeline file name back to its instant.
func (t *ActiveTimeline) ParseFileName(name string) (model.Instant, bool) {
	return t.files.scheme.Parse(name)
}

// NewInstantTime mints a fresh requested time.
func (t *ActiveTimeline) NewInstantTime(ctx context.Context, shouldLock bool) (string, error) {
	return t.gen.NewInstantTime(ctx, shouldLock)
}

// resolveName returns the stored file name for inst. A completed instant
// passed without its completion time is looked up in the View, then on disk.
func (t *ActiveTimeline) resolveName(ctx context.Context, inst model.Instant) (string, error) {
	if !inst.IsCompleted() || inst.CompletionTime != "" || !t.files.scheme.EmbedsCompletionTime() {
		return t.files.name(inst)
	}
	if found, ok := t.View().Lookup(inst); ok && found.CompletionTime != "" {
		return t.files.name(found)
	}
	found, ok, err := t.files.completedOnDisk(ctx, inst.Action, inst.RequestedTime)
	if err != nil {
		return "", err
	}
	if ok {
		return t.files.name(found)
	}
	return t.files.name(inst)
}

// done finishes a mutating operation: on success it logs, counts and emits
// the event; on failure it counts the error class.
func (t *ActiveTimeline) done(op string, eventType model.AuditEventType, inst model.Instant, details map[string]any, err error) error {
	if err != nil {
		return t.fail(op, inst, err)
	}
	fields := logging.Fields{"op": op, "instant": inst.String()}
	for k, v := range details {
		fields[k] = v
	}
	t.log.Info("timeline transition", fields)

	if t.metrics != nil {
		t.metrics.RecordTransition(string(inst.Action), string(inst.State), t.layout.version().String())
	}
	if t.events != nil {
		if eerr := t.events.Append(eventType, inst, details); eerr != nil {
			t.log.Warn("record timeline event", logging.Fields{"instant": inst.String(), "error": eerr.Error()})
		}
	}
	return nil
}

func (t *ActiveTimeline) fail(op string, inst model.Instant, err error) error {
	class := errclass.CodeOf(err)
	if class == "" {
		class = "unclassified"
	}
	if t.metrics != nil {
		t.metrics.RecordFailure(op, class)
		if errors.Is(err, errclass.ErrAlreadyExists) {
			t.metrics.RecordConflict(string(inst.Action), string(inst.State))
		}
	}
	fields := logging.Fields{"op": op, "class": class}
	if inst.RequestedTime != "" {
		fields["instant"] = inst.String()
	}
	if errors.Is(err, errclass.ErrAlreadyExists) {
		fields["error"] = err.Error()
		t.log.Warn("timeline transition lost to a concurrent writer", fields)
		return err
	}
	t.log.ErrorErr("timeline operation failed", err, fields)
	return err
}
