package bus

import (
	"slices"
	"sync"

	"github.com/alphadose/haxmap"
)

type handlerList struct {
	mu      sync.Mutex
	entries []HandlerEntry
}

// Registry maps a message name to its handlers in registration order.
type Registry struct {
	lists *haxmap.Map[string, *handlerList]
}

func NewRegistry() *Registry {
	return &Registry{lists: haxmap.New[string, *handlerList]()}
}

func (r *Registry) list(name string) *handlerList {
	l, _ := r.lists.GetOrCompute(name, func() *handlerList {
		return &handlerList{}
	})
	return l
}

// Register appends entry under its route unless one with the same route, key
// and source is already present. It reports whether the entry was added.
func (r *Registry) Register(entry HandlerEntry) bool {
	l := r.list(entry.Route())
	l.mu.Lock()
	defer l.mu.Unlock()
	id := entry.identity()
	for _, existing := range l.entries {
		if existing.identity() == id {
			return false
		}
	}
	l.entries = append(l.entries, entry)
	return true
}

// Lookup returns a copy of the handlers for a route.
func (r *Registry) Lookup(name string) []HandlerEntry {
	l, ok := r.lists.Get(name)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// RemoveSource drops every entry owned by source and returns how many went.
func (r *Registry) RemoveSource(source string) int {
	if source == "" {
		return 0
	}
	removed := 0
	r.lists.ForEach(func(_ string, l *handlerList) bool {
		l.mu.Lock()
		before := len(l.entries)
		l.entries = slices.DeleteFunc(l.entries, func(e HandlerEntry) bool {
			return e.Source == source
		})
		removed += before - len(l.entries)
		l.mu.Unlock()
		return true
	})
	return removed
}

// Names returns the sorted routes that currently have at least one handler.
func (r *Registry) Names() []string {
	out := make([]string, 0, r.lists.Len())
	r.lists.ForEach(func(name string, l *handlerList) bool {
		l.mu.Lock()
		n := len(l.entries)
		l.mu.Unlock()
		if n > 0 {
			out = append(out, name)
		}
		return true
	})
	slices.Sort(out)
	return out
}

// Coverage counts proxy entries and total entries for a route.
func (r *Registry) Coverage(name string) (proxies, total int) {
	for _, e := range r.Lookup(name) {
		if e.Proxy() {
			proxies++
		}
		total++
	}
	return proxies, total
}
