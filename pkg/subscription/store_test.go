package subscription

import (
	"context"
	"testing"
	"time"
)

// E4: full lifecycle, empty → Pending → Bootstrapping → AwaitingMark →
// Complete, with a notification resolving at Complete.
func TestE4_SubscriptionLifecycle(t *testing.T) {
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
	if _, _, err := m.InsertOrAssignByName("all_books", "Book", "TRUEPREDICATE"); err != nil {
		t.Fatal(err)
	}
	s, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StatePending {
		t.Fatalf("expected Pending, got %s", s.State)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Version)
	}

	notification, err := store.GetStateChangeNotification(ctx, s.Version, StateComplete)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-notification.Done():
		t.Fatal("notification resolved too early")
	default:
	}

	if err := store.BeginBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetByVersion(ctx, s.Version)
	if err != nil || got.State != StateBootstrapping {
		t.Fatalf("expected Bootstrapping, got %v err=%v", got.State, err)
	}

	if err := store.CompleteBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByVersion(ctx, s.Version)
	if got.State != StateAwaitingMark {
		t.Fatalf("expected AwaitingMark, got %v", got.State)
	}

	if err := store.DownloadComplete(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByVersion(ctx, s.Version)
	if got.State != StateComplete {
		t.Fatalf("expected Complete, got %v", got.State)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notification.Wait(waitCtx); err != nil {
		t.Fatalf("expected notification to resolve successfully, got %v", err)
	}
}

// E5: supersession — committing v2 and driving it to Complete supersedes
// pending v1, and a pre-existing notification on v1 resolves with error.
func TestE5_Supersession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	m1, _ := latest.MakeMutableCopy(ctx)
	m1.InsertOrAssignByName("a", "A", "q1")
	v1, err := m1.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	notification, err := store.GetStateChangeNotification(ctx, v1.Version, StateComplete)
	if err != nil {
		t.Fatal(err)
	}

	latest2, _ := store.GetLatest(ctx)
	m2, _ := latest2.MakeMutableCopy(ctx)
	m2.InsertOrAssignByName("b", "B", "q2")
	v2, err := m2.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.BeginBootstrap(ctx, v2.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteBootstrap(ctx, v2.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.DownloadComplete(ctx); err != nil {
		t.Fatal(err)
	}

	v1After, err := store.GetByVersion(ctx, v1.Version)
	if err != nil {
		t.Fatal(err)
	}
	if v1After.State != StateSuperseded {
		t.Fatalf("expected v1 Superseded, got %s", v1After.State)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notification.Wait(waitCtx); err == nil {
		t.Fatal("expected notification to resolve with an error after supersession")
	}
}

// E6: cancel_bootstrap is only effective on the first attempt.
func TestE6_CancelBootstrapFirstAttemptOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	m.InsertOrAssignByName("a", "A", "q1")
	s, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.BeginBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.CancelBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByVersion(ctx, s.Version)
	if got.State != StatePending {
		t.Fatalf("expected Pending after first cancel, got %s", got.State)
	}

	if err := store.BeginBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.CancelBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByVersion(ctx, s.Version)
	if got.State != StateAwaitingMark {
		t.Fatalf("expected cancel after first attempt to be a no-op, got %s", got.State)
	}
}

// TestE6_CancelBootstrapSecondCancelFromBootstrappingIsNoOp covers a
// begin→cancel→begin→cancel sequence where both cancels fire while the set
// is in Bootstrapping, not AwaitingMark. The second begin re-enters
// Bootstrapping from Pending, which must not reset the "first attempt
// already made" bookkeeping.
func TestE6_CancelBootstrapSecondCancelFromBootstrappingIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	m.InsertOrAssignByName("a", "A", "q1")
	s, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.BeginBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	if err := store.CancelBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByVersion(ctx, s.Version)
	if got.State != StatePending {
		t.Fatalf("expected Pending after first cancel, got %s", got.State)
	}

	if err := store.BeginBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByVersion(ctx, s.Version)
	if got.State != StateBootstrapping {
		t.Fatalf("expected Bootstrapping after second begin, got %s", got.State)
	}

	if err := store.CancelBootstrap(ctx, s.Version); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByVersion(ctx, s.Version)
	if got.State != StateBootstrapping {
		t.Fatalf("expected second cancel from Bootstrapping to be a no-op, got %s", got.State)
	}
}

// Property 7: versions assigned by successive commits strictly increase.
func TestProperty_VersionsStrictlyIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		latest, err := store.GetLatest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		m, _ := latest.MakeMutableCopy(ctx)
		s, err := m.Commit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.Version <= last {
			t.Fatalf("expected strictly increasing versions, got %d after %d", s.Version, last)
		}
		last = s.Version
	}
}

// Property 8: active version never exceeds latest.
func TestProperty_ActiveNeverExceedsLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	v, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	store.BeginBootstrap(ctx, v.Version)
	store.CompleteBootstrap(ctx, v.Version)
	store.DownloadComplete(ctx)

	active, err := store.GetActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	latestAfter, err := store.GetLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.Version > latestAfter.Version {
		t.Fatalf("active %d exceeds latest %d", active.Version, latestAfter.Version)
	}
}

// Property 9: at most one version is Complete at any time.
func TestProperty_AtMostOneComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		latest, _ := store.GetLatest(ctx)
		m, _ := latest.MakeMutableCopy(ctx)
		v, err := m.Commit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		store.BeginBootstrap(ctx, v.Version)
		store.CompleteBootstrap(ctx, v.Version)
		store.DownloadComplete(ctx)
	}

	pending, err := store.GetPendingSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	completeCount := 0
	for v := int64(1); v <= 3; v++ {
		set, err := store.GetByVersion(ctx, v)
		if err != nil {
			t.Fatal(err)
		}
		if set.State == StateComplete {
			completeCount++
		}
	}
	if completeCount != 1 {
		t.Fatalf("expected exactly 1 Complete version, got %d", completeCount)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending sets left, got %d", len(pending))
	}
}

// Property 10: a notification resolves exactly once.
func TestProperty_NotificationResolvesExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	v, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	notification, err := store.GetStateChangeNotification(ctx, v.Version, StateComplete)
	if err != nil {
		t.Fatal(err)
	}

	store.BeginBootstrap(ctx, v.Version)
	store.CompleteBootstrap(ctx, v.Version)
	store.DownloadComplete(ctx)
	// Fire extra redundant progress reports; resolution must not panic or
	// change outcome on double-close.
	store.ReportProgress(ctx)
	store.ReportProgress(ctx)

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notification.Wait(waitCtx); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

// Property 11: insert_or_assign(name, q1) then insert_or_assign(name, q2)
// yields a single subscription with query_string == q2.
func TestProperty_InsertOrAssignIdempotentByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)

	m.InsertOrAssignByName("x", "A", "q1")
	sub, _, err := m.InsertOrAssignByName("x", "A", "q2")
	if err != nil {
		t.Fatal(err)
	}
	if m.Size() != 1 {
		t.Fatalf("expected exactly 1 subscription, got %d", m.Size())
	}
	if sub.QueryString != "q2" {
		t.Fatalf("expected q2, got %q", sub.QueryString)
	}
	if sub.UpdatedAt.Before(sub.CreatedAt) {
		t.Fatal("expected UpdatedAt >= CreatedAt")
	}
}

// Property 12: commit() on an empty draft yields version == previous
// latest + 1 and size() == 0.
func TestProperty_EmptyCommitVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, _ := store.GetLatest(ctx)
	prevVersion := latest.Version
	m, _ := latest.MakeMutableCopy(ctx)
	s, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != prevVersion+1 {
		t.Fatalf("expected version %d, got %d", prevVersion+1, s.Version)
	}
	if s.Size() != 0 {
		t.Fatalf("expected empty set, got size %d", s.Size())
	}
}

func TestStore_GetByVersion_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetByVersion(ctx, 999); err == nil {
		t.Fatal("expected ErrKeyNotFound")
	}
}

func TestStore_ToExtJSON_GroupsByClassOrJoinsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	m.InsertOrAssignByQuery("Zebra", "z1")
	m.InsertOrAssignByQuery("Apple", "a1")
	m.InsertOrAssignByQuery("Apple", "a2")
	s, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	json, err := s.ToExtJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"Apple":"a1 OR a2","Zebra":"z1"}`
	if json != want {
		t.Fatalf("got %s, want %s", json, want)
	}
}

func TestStore_Reset_ClearsEverythingAndSupersedesNotifications(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	v, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	notification, err := store.GetStateChangeNotification(ctx, v.Version, StateComplete)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notification.Wait(waitCtx); err == nil {
		t.Fatal("expected notification to resolve with error after reset")
	}

	afterReset, err := store.GetLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if afterReset.Version != 0 {
		t.Fatalf("expected reset to clear all sets, got latest version %d", afterReset.Version)
	}
}

func TestStore_WouldRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	snap, err := store.db.CurrentVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}

	refreshed, err := store.WouldRefresh(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed {
		t.Fatal("expected no refresh needed before any commit")
	}

	latest, _ := store.GetLatest(ctx)
	m, _ := latest.MakeMutableCopy(ctx)
	if _, err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	refreshed, err = store.WouldRefresh(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed {
		t.Fatal("expected refresh needed after a commit")
	}
}
