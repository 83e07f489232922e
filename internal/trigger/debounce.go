// Package trigger is the intake path for domain events: a change on a user
// or an order is debounced per entity, rendered into a hook snapshot, and
// handed to the query engine.
package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// pruneThreshold bounds the debounce map: past this size expired entries
// are swept on the next admission.
const pruneThreshold = 1024

// Debouncer suppresses repeat events for the same entity inside a fixed
// window. The first event of a burst passes; the rest are dropped until
// the window elapses.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// NewDebouncer creates a debouncer with the given suppression window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		seen:   make(map[string]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the debouncer clock. Test hook.
func (d *Debouncer) WithClock(now func() time.Time) *Debouncer {
	d.now = now
	return d
}

// Allow reports whether an event for the entity may pass, and records it
// as the window anchor when it does.
func (d *Debouncer) Allow(category types.Category, source types.Source, sourceID int64) bool {
	if d.window <= 0 {
		return true
	}

	key := fmt.Sprintf("%s|%s|%d", category, source, sourceID)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	if len(d.seen) > pruneThreshold {
		for k, v := range d.seen {
			if now.Sub(v) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now
	return true
}

// Forget drops the window anchor for an entity so its next event passes.
func (d *Debouncer) Forget(category types.Category, source types.Source, sourceID int64) {
	key := fmt.Sprintf("%s|%s|%d", category, source, sourceID)
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}
