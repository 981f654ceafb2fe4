package watcher

import (
	"sort"
	"time"
)

// debouncer tracks one quiescence deadline per key. Every Push moves the
// key's deadline to now+window.
type debouncer struct {
	window  time.Duration
	pending map[string]time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, pending: map[string]time.Time{}}
}

func (d *debouncer) Push(key string, now time.Time) {
	d.pending[key] = now.Add(d.window)
}

// Due removes and returns the keys whose deadline has passed, sorted.
func (d *debouncer) Due(now time.Time) []string {
	var out []string
	for k, at := range d.pending {
		if !at.After(now) {
			out = append(out, k)
			delete(d.pending, k)
		}
	}
	sort.Strings(out)
	return out
}

// NextDeadline is the earliest pending deadline.
func (d *debouncer) NextDeadline() (time.Time, bool) {
	var (
		next time.Time
		ok   bool
	)
	for _, at := range d.pending {
		if !ok || at.Before(next) {
			next, ok = at, true
		}
	}
	return next, ok
}

func (d *debouncer) Len() int { return len(d.pending) }
