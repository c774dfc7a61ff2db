// Package metrics provides in-process counters for validation runs, diff
// runs, and notification activity. There is no external exporter; callers
// read counters directly under an RWMutex.
package metrics

import "sync"

// Counters tracks activity across the schema engine and subscription
// store. The zero value is ready to use.
type Counters struct {
	mu sync.RWMutex

	validationRuns  int64
	validationFails int64
	diffRuns        int64
	changesEmitted  int64

	notificationsFired     int64
	notificationsCancelled int64
}

// RecordValidation records one Schema.Validate call and whether it found
// any errors.
func (c *Counters) RecordValidation(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validationRuns++
	if failed {
		c.validationFails++
	}
}

// RecordDiff records one Schema.Compare call and the number of changes it
// emitted.
func (c *Counters) RecordDiff(changeCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffRuns++
	c.changesEmitted += int64(changeCount)
}

// RecordNotificationFired records one notification resolving on its own
// merits (state reached, or an error state reached).
func (c *Counters) RecordNotificationFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationsFired++
}

// RecordNotificationCancelled records one notification resolved by a bulk
// cancellation (reset or shutdown) rather than by progress.
func (c *Counters) RecordNotificationCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationsCancelled++
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	ValidationRuns         int64
	ValidationFails        int64
	DiffRuns               int64
	ChangesEmitted         int64
	NotificationsFired     int64
	NotificationsCancelled int64
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ValidationRuns:         c.validationRuns,
		ValidationFails:        c.validationFails,
		DiffRuns:               c.diffRuns,
		ChangesEmitted:         c.changesEmitted,
		NotificationsFired:     c.notificationsFired,
		NotificationsCancelled: c.notificationsCancelled,
	}
}
