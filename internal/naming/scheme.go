package naming

import (
	"strings"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
	"github.com/strata-project/strata/pkg/pathutil"
)

// Scheme formats and parses timeline file names for one layout version.
//
// A name is <requestedTime>[_<completionTime>]<extension>, where the extension
// starts at the first '.'. Only the modern layout writes the completion time,
// and only for completed instants that carry one. Parsing accepts a completion
// suffix under either layout so a legacy reader can still list a modern table.
type Scheme struct {
	registry *Registry
	layout   model.LayoutVersion
}

// NewScheme binds a registry to a layout version.
func NewScheme(registry *Registry, layout model.LayoutVersion) *Scheme {
	return &Scheme{registry: registry, layout: layout}
}

// Registry returns the registry the scheme resolves extensions against.
func (s *Scheme) Registry() *Registry { return s.registry }

// Layout returns the layout version the scheme writes.
func (s *Scheme) Layout() model.LayoutVersion { return s.layout }

// EmbedsCompletionTime reports whether completed file names carry the
// completion time.
func (s *Scheme) EmbedsCompletionTime() bool {
	return s.layout == model.LayoutModern
}

// FileName returns the file name inst is stored under.
func (s *Scheme) FileName(inst model.Instant) (string, error) {
	ext, ok := s.registry.Extension(inst.Action, inst.State)
	if !ok {
		return "", errclass.ErrValidation.WithMessagef("%s has no %s form", inst.Action, inst.State)
	}
	if err := pathutil.ValidateInstantTime(inst.RequestedTime); err != nil {
		return "", err
	}
	if inst.IsCompleted() && inst.CompletionTime != "" && s.EmbedsCompletionTime() {
		if err := pathutil.ValidateInstantTime(inst.CompletionTime); err != nil {
			return "", err
		}
		return inst.RequestedTime + "_" + inst.CompletionTime + ext, nil
	}
	return inst.RequestedTime + ext, nil
}

// Parse is the inverse of FileName. It reports false for names outside the
// registry, non-numeric time parts, temp files and completion suffixes on
// pending stages.
func (s *Scheme) Parse(name string) (model.Instant, bool) {
	idx := strings.IndexByte(name, '.')
	if idx <= 0 {
		return model.Instant{}, false
	}
	timePart, ext := name[:idx], name[idx:]
	action, state, ok := s.registry.Lookup(ext)
	if !ok {
		return model.Instant{}, false
	}

	requested, completion := timePart, ""
	if us := strings.IndexByte(timePart, '_'); us >= 0 {
		requested, completion = timePart[:us], timePart[us+1:]
		if state != model.StateCompleted || !pathutil.IsInstantTime(completion) {
			return model.Instant{}, false
		}
	}
	if !pathutil.IsInstantTime(requested) {
		return model.Instant{}, false
	}
	return model.Instant{
		Action:         action,
		State:          state,
		RequestedTime:  requested,
		CompletionTime: completion,
	}, true
}

// Extension returns the extension of a file name, or "" when it has none.
func Extension(name string) string {
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx:]
}
