package model

import "time"

// AuditEventType identifies the type of auditable timeline event.
type AuditEventType string

const (
	EventTypeInstantCreate   AuditEventType = "instant_create"
	EventTypeInstantInflight AuditEventType = "instant_inflight"
	EventTypeInstantComplete AuditEventType = "instant_complete"
	EventTypeInstantRevert   AuditEventType = "instant_revert"
	EventTypeInstantDelete   AuditEventType = "instant_delete"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Instant    Instant        `json:"instant"`
	Layout     string         `json:"layout,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
