package subscription

import (
	"context"
	"testing"

	"github.com/samjaninf/realm-core/internal/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := backend.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

func TestMutableSubscriptionSet_InsertOrAssignByName_NewThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, err := store.GetLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m, err := latest.MakeMutableCopy(ctx)
	if err != nil {
		t.Fatal(err)
	}

	sub1, isNew, err := m.InsertOrAssignByName("books", "Book", "q1")
	if err != nil || !isNew {
		t.Fatalf("expected new subscription, err=%v isNew=%v", err, isNew)
	}

	sub2, isNew2, err := m.InsertOrAssignByName("books", "Book", "q2")
	if err != nil || isNew2 {
		t.Fatalf("expected update not insert, err=%v isNew=%v", err, isNew2)
	}
	if !sub2.Equal(*sub1) {
		t.Error("expected same subscription identity after update")
	}
	if sub2.QueryString != "q2" {
		t.Errorf("expected updated query string, got %q", sub2.QueryString)
	}
	if sub2.UpdatedAt.Before(sub2.CreatedAt) {
		t.Error("expected UpdatedAt >= CreatedAt")
	}
	if m.Size() != 1 {
		t.Errorf("expected exactly 1 subscription, got %d", m.Size())
	}
}

func TestMutableSubscriptionSet_EraseByClassName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)

	m.InsertOrAssignByName("a", "Dog", "q1")
	m.InsertOrAssignByName("b", "Cat", "q2")
	m.InsertOrAssignByName("c", "Dog", "q3")

	removed, err := m.EraseByClassName("Dog")
	if err != nil || !removed {
		t.Fatalf("expected removal, err=%v removed=%v", err, removed)
	}
	if m.Size() != 1 {
		t.Fatalf("expected 1 remaining subscription, got %d", m.Size())
	}
}

func TestMutableSubscriptionSet_MutateAfterCommitIsLogicError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	m.InsertOrAssignByName("a", "Dog", "q1")

	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if _, _, err := m.InsertOrAssignByName("b", "Cat", "q2"); err == nil {
		t.Error("expected logic error mutating after commit")
	}
}

func TestMutableSubscriptionSet_DiscardReleasesWriterForSubsequentCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)

	abandoned, err := latest.MakeMutableCopy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	abandoned.InsertOrAssignByName("a", "Dog", "q1")
	if err := abandoned.Discard(); err != nil {
		t.Fatalf("discard failed: %v", err)
	}

	if _, _, err := abandoned.InsertOrAssignByName("b", "Cat", "q2"); err == nil {
		t.Error("expected logic error mutating a discarded draft")
	}

	// The backend's writer connection is capped at one; if Discard failed to
	// release it, this commit would block forever.
	latest, _ = store.GetLatest(ctx)
	m, err := latest.MakeMutableCopy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m.InsertOrAssignByName("c", "Bird", "q3")
	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("commit after discard failed: %v", err)
	}
}

func TestMutableSubscriptionSet_ClearRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	m.InsertOrAssignByName("a", "Dog", "q1")
	m.InsertOrAssignByName("b", "Cat", "q2")

	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if m.Size() != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", m.Size())
	}
}
