package model

import "fmt"

// LayoutVersion selects the on-disk transition protocol.
type LayoutVersion int

const (
	// LayoutLegacy performs transitions by renaming the prior stage's file.
	LayoutLegacy LayoutVersion = 0
	// LayoutModern performs transitions by write-once creation of the next
	// stage's file and embeds completion times in completed file names.
	LayoutModern LayoutVersion = 1
)

// CurrentLayoutVersion is used for newly initialized tables.
const CurrentLayoutVersion = LayoutModern

func (v LayoutVersion) String() string {
	switch v {
	case LayoutLegacy:
		return "legacy"
	case LayoutModern:
		return "modern"
	}
	return fmt.Sprintf("layout-%d", int(v))
}

// Valid reports whether v is a layout this build understands.
func (v LayoutVersion) Valid() bool {
	return v == LayoutLegacy || v == LayoutModern
}

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// LockState represents the current state of a lock.
type LockState string

const (
	LockStateHeld    LockState = "held"
	LockStateExpired LockState = "expired"
	LockStateFree    LockState = "free"
)
