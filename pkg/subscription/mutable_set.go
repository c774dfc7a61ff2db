package subscription

import (
	"context"
	"time"

	"github.com/samjaninf/realm-core/internal/backend"
	"github.com/samjaninf/realm-core/pkg/objectid"
	"github.com/samjaninf/realm-core/pkg/xerrors"
)

// MutableSubscriptionSet is a write-transaction-scoped editable draft of a
// SubscriptionSet. It exclusively owns a backend write transaction for its
// lifetime; Commit releases it. Every mutator requires the draft still be
// Uncommitted — using it after Commit is a logic error.
type MutableSubscriptionSet struct {
	baseVersion     int64 // the version this draft was copied from, or 0 for a fresh store
	snapshotVersion int64
	errorStr        string
	subscriptions   []Subscription
	testState       *State // set only by the SetState test hatch

	store     *Store
	tx        *backend.Tx
	committed bool
}

func (m *MutableSubscriptionSet) requireUncommitted() error {
	if m.committed {
		return xerrors.LogicError("cannot mutate a MutableSubscriptionSet after it has been committed")
	}
	return nil
}

// InsertOrAssignByName inserts a new named subscription or, if name
// already exists, updates its query in place (preserving position and
// CreatedAt). Returns the resulting subscription and whether it is new.
func (m *MutableSubscriptionSet) InsertOrAssignByName(name, className, query string) (*Subscription, bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	for i := range m.subscriptions {
		if m.subscriptions[i].hasName(name) {
			m.subscriptions[i].ObjectClassName = className
			m.subscriptions[i].QueryString = query
			m.subscriptions[i].UpdatedAt = now
			return &m.subscriptions[i], false, nil
		}
	}
	sub := Subscription{
		ID:              m.store.idGen.Generate(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Name:            &name,
		ObjectClassName: className,
		QueryString:     query,
	}
	m.subscriptions = append(m.subscriptions, sub)
	return &m.subscriptions[len(m.subscriptions)-1], true, nil
}

// InsertOrAssignByQuery inserts or updates an unnamed subscription keyed
// on (className, query) instead of a name.
func (m *MutableSubscriptionSet) InsertOrAssignByQuery(className, query string) (*Subscription, bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	for i := range m.subscriptions {
		if m.subscriptions[i].matchesQuery(className, query) {
			m.subscriptions[i].UpdatedAt = now
			return &m.subscriptions[i], false, nil
		}
	}
	sub := Subscription{
		ID:              m.store.idGen.Generate(),
		CreatedAt:       now,
		UpdatedAt:       now,
		ObjectClassName: className,
		QueryString:     query,
	}
	m.subscriptions = append(m.subscriptions, sub)
	return &m.subscriptions[len(m.subscriptions)-1], true, nil
}

// Erase removes the subscription at index, returning an error if index is
// out of range.
func (m *MutableSubscriptionSet) Erase(index int) error {
	if err := m.requireUncommitted(); err != nil {
		return err
	}
	if index < 0 || index >= len(m.subscriptions) {
		return xerrors.LogicError("subscription index out of range")
	}
	m.subscriptions = append(m.subscriptions[:index], m.subscriptions[index+1:]...)
	return nil
}

// EraseByName removes the subscription named name, returning whether
// anything was removed.
func (m *MutableSubscriptionSet) EraseByName(name string) (bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return false, err
	}
	for i := range m.subscriptions {
		if m.subscriptions[i].hasName(name) {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// EraseByQuery removes the subscription matching (className, query).
func (m *MutableSubscriptionSet) EraseByQuery(className, query string) (bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return false, err
	}
	for i := range m.subscriptions {
		if m.subscriptions[i].matchesQuery(className, query) {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// EraseByClassName removes every subscription targeting className,
// returning whether anything was removed.
func (m *MutableSubscriptionSet) EraseByClassName(className string) (bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return false, err
	}
	removed := false
	kept := m.subscriptions[:0]
	for _, sub := range m.subscriptions {
		if sub.ObjectClassName == className {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	m.subscriptions = kept
	return removed, nil
}

// EraseByID removes the subscription with the given ID, returning whether
// anything was removed.
func (m *MutableSubscriptionSet) EraseByID(id objectid.ObjectID) (bool, error) {
	if err := m.requireUncommitted(); err != nil {
		return false, err
	}
	for i := range m.subscriptions {
		if m.subscriptions[i].ID == id {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every subscription from the draft.
func (m *MutableSubscriptionSet) Clear() error {
	if err := m.requireUncommitted(); err != nil {
		return err
	}
	m.subscriptions = nil
	return nil
}

// Import replaces the draft's subscriptions with a copy of other's,
// preserving this draft's own version/state metadata.
func (m *MutableSubscriptionSet) Import(other *SubscriptionSet) error {
	if err := m.requireUncommitted(); err != nil {
		return err
	}
	m.subscriptions = append([]Subscription(nil), other.Subscriptions...)
	return nil
}

// SetState is a test-only escape hatch that bypasses the normal state
// machine, setting the error string alongside the target state when
// transitioning to Error. It only affects the in-memory draft; Commit
// still persists whatever state was set here.
func (m *MutableSubscriptionSet) SetState(state State, errorStr string) error {
	if err := m.requireUncommitted(); err != nil {
		return err
	}
	m.testState = &state
	m.errorStr = errorStr
	return nil
}

// Size returns the current number of subscriptions in the draft.
func (m *MutableSubscriptionSet) Size() int { return len(m.subscriptions) }

// Commit persists the draft, assigns the next version number, sets
// SnapshotVersion to the transaction's commit version, transitions
// Uncommitted → Pending (unless SetState overrode it for a test), and
// returns an immutable view of the result. The draft is poisoned
// afterward; further mutation is a logic error.
func (m *MutableSubscriptionSet) Commit(ctx context.Context) (*SubscriptionSet, error) {
	if err := m.requireUncommitted(); err != nil {
		return nil, err
	}
	return m.store.commit(ctx, m)
}

// Discard abandons the draft, rolling back its held write transaction
// without persisting anything. It is a logic error to mutate or Commit the
// draft afterward. Callers that open a draft via MakeMutableCopy and decide
// not to commit it must call Discard; the draft otherwise holds the
// backend's sole writer connection until it is garbage-collected, blocking
// every other write in the meantime.
func (m *MutableSubscriptionSet) Discard() error {
	if err := m.requireUncommitted(); err != nil {
		return err
	}
	m.committed = true
	return m.tx.Rollback()
}
