package subscription

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/samjaninf/realm-core/pkg/objectid"
)

// SubscriptionSet is an immutable, versioned snapshot of a set of
// subscriptions together with its lifecycle state. Values are safe to
// share across goroutines; the Store backing them serializes all
// mutation.
type SubscriptionSet struct {
	Version         int64
	SnapshotVersion int64
	State           State
	ErrorStr        string
	Subscriptions   []Subscription

	store *Store
}

// Size returns the number of member subscriptions.
func (s *SubscriptionSet) Size() int { return len(s.Subscriptions) }

// Find returns the subscription named name, or nil if none exists.
func (s *SubscriptionSet) Find(name string) *Subscription {
	for i := range s.Subscriptions {
		if s.Subscriptions[i].hasName(name) {
			return &s.Subscriptions[i]
		}
	}
	return nil
}

// FindByQuery returns the unnamed-or-named subscription matching the
// given class and query text, or nil if none exists.
func (s *SubscriptionSet) FindByQuery(className, query string) *Subscription {
	for i := range s.Subscriptions {
		if s.Subscriptions[i].matchesQuery(className, query) {
			return &s.Subscriptions[i]
		}
	}
	return nil
}

// FindByID returns the subscription with the given ID, or nil.
func (s *SubscriptionSet) FindByID(id objectid.ObjectID) *Subscription {
	for i := range s.Subscriptions {
		if s.Subscriptions[i].ID == id {
			return &s.Subscriptions[i]
		}
	}
	return nil
}

// MakeMutableCopy opens a write transaction against the backing Store and
// returns an editable draft seeded with this set's subscriptions. The
// draft starts in StateUncommitted regardless of this set's own state.
func (s *SubscriptionSet) MakeMutableCopy(ctx context.Context) (*MutableSubscriptionSet, error) {
	return s.store.makeMutableCopy(ctx, s)
}

// GetStateChangeNotification returns a future resolved once this set's
// version reaches or passes notifyWhen, or with an error Status if it
// enters Error or is superseded first. If the target has already been
// reached, the future is already resolved when this call returns.
func (s *SubscriptionSet) GetStateChangeNotification(ctx context.Context, notifyWhen State) (*Notification, error) {
	return s.store.GetStateChangeNotification(ctx, s.Version, notifyWhen)
}

// ToExtJSON renders the query projection described by the backend
// contract: one key per object class, values the OR-join of that class's
// queries in insertion order, classes emitted in lexicographic order.
func (s *SubscriptionSet) ToExtJSON() (string, error) {
	byClass := make(map[string][]string)
	var classNames []string
	for _, sub := range s.Subscriptions {
		if _, ok := byClass[sub.ObjectClassName]; !ok {
			classNames = append(classNames, sub.ObjectClassName)
		}
		byClass[sub.ObjectClassName] = append(byClass[sub.ObjectClassName], sub.QueryString)
	}
	sort.Strings(classNames)

	// encoding/json does not preserve map key order, so we build the
	// object manually to guarantee the lexicographic class ordering the
	// contract requires.
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range classNames {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, err := json.Marshal(name)
		if err != nil {
			return "", err
		}
		valBytes, err := json.Marshal(strings.Join(byClass[name], " OR "))
		if err != nil {
			return "", err
		}
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return b.String(), nil
}
