package timeline

import "github.com/strata-project/strata/pkg/model"

// EventSink receives a record of every file the timeline writes or removes.
// Sink failures are logged and never undo the transition.
type EventSink interface {
	Append(eventType model.AuditEventType, inst model.Instant, details map[string]any) error
}
