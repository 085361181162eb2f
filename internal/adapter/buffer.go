package adapter

import "github.com/Mschirtzinger/burnsync/internal/watch"

// pendingBuffer holds the latest unprocessed event per file. Overwriting an
// entry keeps the file's original position.
type pendingBuffer struct {
	order []string
	items map[string]watch.SyncEvent
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{items: make(map[string]watch.SyncEvent)}
}

func (b *pendingBuffer) set(e watch.SyncEvent) {
	if _, ok := b.items[e.File]; !ok {
		b.order = append(b.order, e.File)
	}
	b.items[e.File] = e
}

// claim removes the entry for e.File if it still carries e's timestamp and
// reports whether it did. A false result means a newer event superseded e,
// or e was already processed.
func (b *pendingBuffer) claim(e watch.SyncEvent) bool {
	cur, ok := b.items[e.File]
	if !ok || cur.Timestamp != e.Timestamp {
		return false
	}
	delete(b.items, e.File)
	for i, f := range b.order {
		if f == e.File {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

func (b *pendingBuffer) snapshot() []watch.SyncEvent {
	events := make([]watch.SyncEvent, 0, len(b.order))
	for _, f := range b.order {
		events = append(events, b.items[f])
	}
	return events
}

func (b *pendingBuffer) len() int {
	return len(b.order)
}
