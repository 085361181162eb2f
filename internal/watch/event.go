package watch

import (
	"errors"

	"github.com/Mschirtzinger/burnsync/internal/location"
)

// ErrUnmatchedPath is returned by HandleEvent for a path no watch item
// matches. The runtime only forwards matching paths, so seeing it means the
// watched set and the configured patterns disagree.
var ErrUnmatchedPath = errors.New("path does not match any watch pattern")

// EventKind is the normalized file operation.
type EventKind int

const (
	// EventAdd indicates a file appeared.
	EventAdd EventKind = iota
	// EventChange indicates an existing file was modified.
	EventChange
	// EventUnlink indicates a file was removed.
	EventUnlink
)

// String returns the kind as used in log lines: add, change or unlink.
func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// SyncEvent is one normalized change of a watched file.
type SyncEvent struct {
	location.WatchItem

	// File is relative to the project root and slash-separated.
	File string
	// Event is the operation that occurred.
	Event EventKind
	// Initial is true for files reported by the startup scan.
	Initial bool
	// Timestamp is the emission time in Unix milliseconds. Timestamps from
	// one Manager are strictly increasing.
	Timestamp int64
}
