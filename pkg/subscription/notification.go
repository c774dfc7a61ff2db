package subscription

import (
	"context"
	"fmt"
	"sync"
)

// StatusCode distinguishes the ways a notification can resolve with an
// error, mirroring the Aborted-style status the original promise
// resolves with rather than an exception.
type StatusCode int

const (
	StatusCodeAborted StatusCode = iota
	StatusCodeSubscriptionError
)

// Status is the error outcome of a Notification: either the set entered
// the Error state (carrying its ErrorStr) or was superseded/cancelled
// before reaching the requested state.
type Status struct {
	Code    StatusCode
	Message string
}

func (s Status) Error() string {
	return fmt.Sprintf("subscription: %s", s.Message)
}

// Notification is a one-shot future resolved exactly once by either
// success (the target state was reached or passed) or a Status error
// (the set entered Error, was superseded, or notifications were bulk
// cancelled).
type Notification struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newNotification() *Notification {
	return &Notification{done: make(chan struct{})}
}

// resolve completes the notification. Only the first call has any effect;
// subsequent calls are no-ops, matching "resolved exactly once". Guarded by
// sync.Once rather than a check-then-act select, since reportProgressLocked
// and NotifyAllStateChangeNotifications may race to resolve the same
// notification from two goroutines that both snapshotted it before either
// spliced it out of s.pending.
func (n *Notification) resolve(err error) {
	n.once.Do(func() {
		n.err = err
		close(n.done)
	})
}

// Wait blocks until the notification resolves or ctx is cancelled,
// returning nil on success or the resolving error (a Status) otherwise.
func (n *Notification) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		return n.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the notification resolves, for
// callers that want to select on it alongside other events.
func (n *Notification) Done() <-chan struct{} {
	return n.done
}

// pendingNotification is the Store's bookkeeping record for one
// outstanding Notification: the version/target it's waiting on.
type pendingNotification struct {
	version      int64
	targetState  State
	notification *Notification
}
