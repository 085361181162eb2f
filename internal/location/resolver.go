package location

import "github.com/Mschirtzinger/burnsync/internal/glob"

// Resolver maps local files to destinations using the first watch item whose
// pattern matches the file.
type Resolver struct {
	items []WatchItem
}

// NewResolver creates a Resolver over items. The slice is copied.
func NewResolver(items []WatchItem) *Resolver {
	return &Resolver{items: append([]WatchItem(nil), items...)}
}

// Items returns the watch items in declaration order.
func (r *Resolver) Items() []WatchItem {
	return append([]WatchItem(nil), r.items...)
}

// Patterns returns the pattern of every watch item.
func (r *Resolver) Patterns() []string {
	patterns := make([]string, len(r.items))
	for i, item := range r.items {
		patterns[i] = item.Pattern
	}
	return patterns
}

// Find returns the first watch item matching file.
func (r *Resolver) Find(file string) (WatchItem, bool) {
	for _, item := range r.items {
		if glob.Match(file, item.Pattern) {
			return item, true
		}
	}
	return WatchItem{}, false
}

// Resolve returns the destinations of file, or an empty slice when no watch
// item matches or the matching item leaves it unsynced.
func (r *Resolver) Resolve(file string) []Destination {
	item, ok := r.Find(file)
	if !ok {
		return []Destination{}
	}
	return Resolve(item, file)
}

// ResolveByServer returns the filename file is uploaded as on server.
func (r *Resolver) ResolveByServer(file, server string) (string, bool) {
	for _, d := range r.Resolve(file) {
		if d.Server == server {
			return d.Filename, true
		}
	}
	return "", false
}
