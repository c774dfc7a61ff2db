// Package subscription implements the flexible-sync subscription store: a
// persistent, versioned registry of named queries governed by the state
// machine in state.go.
package subscription

import (
	"time"

	"github.com/samjaninf/realm-core/pkg/objectid"
)

// Subscription is an immutable record of one named query. Two
// Subscriptions are equal iff their IDs match.
type Subscription struct {
	ID              objectid.ObjectID
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Name            *string
	ObjectClassName string
	QueryString     string
}

// Equal reports whether s and o refer to the same subscription, by ID.
func (s Subscription) Equal(o Subscription) bool {
	return s.ID == o.ID
}

func (s Subscription) hasName(name string) bool {
	return s.Name != nil && *s.Name == name
}

func (s Subscription) matchesQuery(className, query string) bool {
	return s.ObjectClassName == className && s.QueryString == query
}
