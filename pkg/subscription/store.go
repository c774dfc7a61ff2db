package subscription

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/samjaninf/realm-core/internal/backend"
	"github.com/samjaninf/realm-core/internal/config"
	"github.com/samjaninf/realm-core/internal/metrics"
	"github.com/samjaninf/realm-core/pkg/objectid"
	"github.com/samjaninf/realm-core/pkg/xerrors"
)

// VersionInfo is an atomic snapshot of the three versions a sync client
// cares about, read under a single transaction so they are mutually
// consistent (latest ≥ active, pending_mark ≥ active).
type VersionInfo struct {
	Latest      int64
	Active      int64
	PendingMark int64
}

// Store owns the persistent representation of every SubscriptionSet,
// assigns versions, coordinates the state machine, and dispatches
// notifications. A Store is shared across goroutines.
type Store struct {
	db    *backend.SQLiteStore
	idGen *objectid.Generator

	mu      sync.Mutex // guards pending and bootstrapAttempted only
	pending []*pendingNotification

	// bootstrapAttempted records, per version, whether cancel_bootstrap has
	// already returned that version from Bootstrapping to Pending once —
	// any later cancel_bootstrap is a no-op. Cleared by Reset.
	bootstrapAttempted map[int64]bool

	logger  *log.Logger
	metrics *metrics.Counters
}

// NewStore creates a Store backed by db. If logger is nil, log.Default()
// is used.
func NewStore(db *backend.SQLiteStore, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		db:                 db,
		idGen:              objectid.NewGenerator(),
		bootstrapAttempted: make(map[int64]bool),
		logger:             logger,
		metrics:            &metrics.Counters{},
	}
}

// NewStoreFromConfig opens the backend database named by cfg and returns a
// Store over it, resolving cfg's defaults first.
func NewStoreFromConfig(cfg *config.Config, logger *log.Logger) (*Store, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := backend.NewSQLiteStore(cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}
	return NewStore(db, logger), nil
}

// Metrics returns the Store's activity counters.
func (s *Store) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// Close releases the backend connections held by the Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowToSet(row backend.SubscriptionSetRow, subs []Subscription, store *Store) *SubscriptionSet {
	return &SubscriptionSet{
		Version:         row.Version,
		SnapshotVersion: row.SnapshotVersion,
		State:           State(row.State),
		ErrorStr:        row.ErrorStr,
		Subscriptions:   subs,
		store:           store,
	}
}

func (s *Store) loadSubscriptions(tx *backend.Tx, ids []objectid.ObjectID) ([]Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	subs := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		row, ok, err := s.db.GetSubscription(tx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("subscription: referenced subscription %s missing from storage", id)
		}
		subs = append(subs, Subscription{
			ID:              row.ID,
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       row.UpdatedAt,
			Name:            row.Name,
			ObjectClassName: row.ObjectClassName,
			QueryString:     row.QueryStr,
		})
	}
	return subs, nil
}

func (s *Store) loadSet(tx *backend.Tx, row backend.SubscriptionSetRow) (*SubscriptionSet, error) {
	subs, err := s.loadSubscriptions(tx, row.SubscriptionIDs)
	if err != nil {
		return nil, err
	}
	return rowToSet(row, subs, s), nil
}

// emptySet constructs the synthetic zero-version set returned by
// GetLatest/GetActive when no sets have ever been committed.
func (s *Store) emptySet(state State) *SubscriptionSet {
	return &SubscriptionSet{Version: 0, SnapshotVersion: -1, State: state, store: s}
}

// GetLatest returns the SubscriptionSet with the highest version, or a
// synthetic empty set at version 0 if none have been committed.
func (s *Store) GetLatest(ctx context.Context) (*SubscriptionSet, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return s.emptySet(StatePending), nil
	}
	return s.loadSet(tx, rows[len(rows)-1])
}

// GetActive returns the SubscriptionSet currently in StateComplete, or a
// synthetic empty set at version 0 if none is.
func (s *Store) GetActive(ctx context.Context) (*SubscriptionSet, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		return nil, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if State(rows[i].State) == StateComplete {
			return s.loadSet(tx, rows[i])
		}
	}
	return s.emptySet(StateComplete), nil
}

// GetVersionInfo returns {latest, active, pending_mark} read under one
// transaction.
func (s *Store) GetVersionInfo(ctx context.Context) (VersionInfo, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return VersionInfo{}, err
	}
	defer tx.Rollback()

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		return VersionInfo{}, err
	}

	var info VersionInfo
	if len(rows) > 0 {
		info.Latest = rows[len(rows)-1].Version
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if State(rows[i].State) == StateComplete {
			info.Active = rows[i].Version
			break
		}
	}
	info.PendingMark = info.Active
	for _, row := range rows {
		if State(row.State) == StateAwaitingMark && row.Version > info.PendingMark {
			info.PendingMark = row.Version
		}
	}
	return info, nil
}

// GetByVersion returns the set at version, or xerrors.ErrKeyNotFound if
// absent.
func (s *Store) GetByVersion(ctx context.Context, version int64) (*SubscriptionSet, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row, ok, err := s.db.GetSubscriptionSet(tx, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.ErrKeyNotFound
	}
	return s.loadSet(tx, row)
}

func isPendingState(state State) bool {
	return state == StatePending || state == StateBootstrapping || state == StateAwaitingMark
}

// GetPendingSubscriptions returns every set in Pending, Bootstrapping, or
// AwaitingMark, oldest first.
func (s *Store) GetPendingSubscriptions(ctx context.Context) ([]*SubscriptionSet, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		return nil, err
	}
	var out []*SubscriptionSet
	for _, row := range rows {
		if !isPendingState(State(row.State)) {
			continue
		}
		set, err := s.loadSet(tx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, nil
}

// GetNextPendingVersion returns the pending set with the smallest version
// strictly greater than last, or (nil, false) if none exists.
func (s *Store) GetNextPendingVersion(ctx context.Context, last int64) (*SubscriptionSet, bool, error) {
	pending, err := s.GetPendingSubscriptions(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, set := range pending {
		if set.Version > last {
			return set, true, nil
		}
	}
	return nil, false, nil
}

// GetTablesForLatest returns the set of distinct object_class_names
// referenced by the latest SubscriptionSet.
func (s *Store) GetTablesForLatest(ctx context.Context) (map[string]bool, error) {
	latest, err := s.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	tables := make(map[string]bool)
	for _, sub := range latest.Subscriptions {
		tables[sub.ObjectClassName] = true
	}
	return tables, nil
}

// DownloadingQueryVersion returns the version of the most advanced set
// currently in Bootstrapping or AwaitingMark — the query version the
// client is actively downloading data for — or 0 if none is.
//
// Supplemented from the pre-distillation implementation, which tracks
// this distinctly from both latest and active.
func (s *Store) DownloadingQueryVersion(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		return 0, err
	}
	var version int64
	for _, row := range rows {
		st := State(row.State)
		if (st == StateBootstrapping || st == StateAwaitingMark) && row.Version > version {
			version = row.Version
		}
	}
	return version, nil
}

// WouldRefresh reports whether the backend has committed any write since
// snapshotVersion, i.e. whether a client holding a read snapshot taken at
// that version would see new data by refreshing.
//
// Supplemented from the pre-distillation implementation.
func (s *Store) WouldRefresh(ctx context.Context, snapshotVersion int64) (bool, error) {
	current, err := s.db.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current > snapshotVersion, nil
}

// makeMutableCopy opens a write transaction and seeds a draft from base's
// subscriptions.
func (s *Store) makeMutableCopy(ctx context.Context, base *SubscriptionSet) (*MutableSubscriptionSet, error) {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &MutableSubscriptionSet{
		baseVersion:   base.Version,
		subscriptions: append([]Subscription(nil), base.Subscriptions...),
		store:         s,
		tx:            tx,
	}, nil
}

// commit persists m, assigns it the next version, and transitions it to
// Pending (or whatever SetState overrode).
func (s *Store) commit(ctx context.Context, m *MutableSubscriptionSet) (*SubscriptionSet, error) {
	defer func() { m.committed = true }()

	rows, err := s.db.ListSubscriptionSets(m.tx)
	if err != nil {
		m.tx.Rollback()
		return nil, err
	}
	newVersion := int64(1)
	for _, r := range rows {
		if r.Version >= newVersion {
			newVersion = r.Version + 1
		}
	}

	snapshotVersion, err := m.tx.BumpVersion()
	if err != nil {
		m.tx.Rollback()
		return nil, err
	}

	ids := make([]objectid.ObjectID, len(m.subscriptions))
	for i, sub := range m.subscriptions {
		ids[i] = sub.ID
		if err := s.db.PutSubscription(m.tx, backend.SubscriptionRow{
			ID:              sub.ID,
			CreatedAt:       sub.CreatedAt,
			UpdatedAt:       sub.UpdatedAt,
			Name:            sub.Name,
			ObjectClassName: sub.ObjectClassName,
			QueryStr:        sub.QueryString,
		}); err != nil {
			m.tx.Rollback()
			return nil, err
		}
	}

	state := StatePending
	if m.testState != nil {
		state = *m.testState
	}

	row := backend.SubscriptionSetRow{
		Version:         newVersion,
		SnapshotVersion: snapshotVersion,
		State:           int(state),
		ErrorStr:        m.errorStr,
		SubscriptionIDs: ids,
	}
	if err := s.db.PutSubscriptionSet(m.tx, row); err != nil {
		m.tx.Rollback()
		return nil, err
	}

	if _, err := m.tx.Commit(); err != nil {
		return nil, err
	}

	result := rowToSet(row, append([]Subscription(nil), m.subscriptions...), s)
	s.reportProgressLocked()
	return result, nil
}

// transition loads the set at version, applies fn to compute its next
// persisted state/error, and writes the result back inside one write
// transaction, reporting notification progress afterward. fn receives the
// current state and returns (nextState, nextErrorStr, error); returning
// the same state is a legal no-op.
func (s *Store) transition(ctx context.Context, version int64, fn func(current State, errorStr string) (State, string, error)) error {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return err
	}

	row, ok, err := s.db.GetSubscriptionSet(tx, version)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !ok {
		tx.Rollback()
		return xerrors.ErrKeyNotFound
	}

	nextState, nextErr, err := fn(State(row.State), row.ErrorStr)
	if err != nil {
		tx.Rollback()
		return err
	}

	row.State = int(nextState)
	row.ErrorStr = nextErr
	if err := s.db.PutSubscriptionSet(tx, row); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Commit(); err != nil {
		return err
	}

	s.reportProgressLocked()
	return nil
}

// BeginBootstrap transitions Pending → Bootstrapping. It is a no-op if
// the set has already moved past Pending (duplicate server messages are
// tolerated).
func (s *Store) BeginBootstrap(ctx context.Context, version int64) error {
	return s.transition(ctx, version, func(current State, errStr string) (State, string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if current != StatePending {
			return current, errStr, nil
		}
		if _, seen := s.bootstrapAttempted[version]; !seen {
			s.bootstrapAttempted[version] = false // first-ever entry into Bootstrapping for this version
		}
		return StateBootstrapping, errStr, nil
	})
}

// CompleteBootstrap transitions Bootstrapping → AwaitingMark. A no-op if
// already past Bootstrapping.
func (s *Store) CompleteBootstrap(ctx context.Context, version int64) error {
	return s.transition(ctx, version, func(current State, errStr string) (State, string, error) {
		if current != StateBootstrapping {
			return current, errStr, nil
		}
		return StateAwaitingMark, errStr, nil
	})
}

// CancelBootstrap returns Bootstrapping → Pending, but only for the first
// bootstrap attempt of this version; later cancellations are no-ops, per
// the lifecycle's cancel_bootstrap semantics.
func (s *Store) CancelBootstrap(ctx context.Context, version int64) error {
	return s.transition(ctx, version, func(current State, errStr string) (State, string, error) {
		if current != StateBootstrapping {
			return current, errStr, nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.bootstrapAttempted[version] {
			return current, errStr, nil // not the first attempt: no-op
		}
		s.bootstrapAttempted[version] = true
		return StatePending, errStr, nil
	})
}

// SetError transitions the set to Error, carrying errStr. It is a logic
// error to call this on a Complete or Superseded version — those are
// terminal except for the implicit Error→Superseded edge.
func (s *Store) SetError(ctx context.Context, version int64, errStr string) error {
	err := s.transition(ctx, version, func(current State, _ string) (State, string, error) {
		if current == StateComplete || current == StateSuperseded {
			return current, "", xerrors.LogicError(fmt.Sprintf("cannot set_error on a %s subscription set", current))
		}
		return StateError, errStr, nil
	})
	if err == nil {
		s.logger.Printf("subscription: set %d entered error state: %s", version, errStr)
	}
	return err
}

// DownloadComplete transitions whichever set is in AwaitingMark to
// Complete, and marks every older Complete/Pending/Bootstrapping/
// AwaitingMark version as Superseded.
func (s *Store) DownloadComplete(ctx context.Context) error {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return err
	}

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	var target *backend.SubscriptionSetRow
	for i := range rows {
		if State(rows[i].State) == StateAwaitingMark {
			target = &rows[i]
			break
		}
	}
	if target == nil {
		tx.Rollback()
		return nil // nothing awaiting a mark: tolerate redundant calls
	}

	target.State = int(StateComplete)
	if err := s.db.PutSubscriptionSet(tx, *target); err != nil {
		tx.Rollback()
		return err
	}

	for _, row := range rows {
		if row.Version >= target.Version {
			continue
		}
		switch State(row.State) {
		case StateComplete, StatePending, StateBootstrapping, StateAwaitingMark:
			row.State = int(StateSuperseded)
			if err := s.db.PutSubscriptionSet(tx, row); err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	if _, err := tx.Commit(); err != nil {
		return err
	}
	s.reportProgressLocked()
	return nil
}

// Reset truncates every SubscriptionSet row, resolves every outstanding
// notification as superseded, and clears bootstrap-attempt bookkeeping.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := s.db.ClearAll(tx); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Printf("subscription: store reset, all subscription sets cleared")

	s.mu.Lock()
	s.bootstrapAttempted = make(map[int64]bool)
	toResolve := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range toResolve {
		p.notification.resolve(Status{Code: StatusCodeAborted, Message: "subscription store was reset"})
		s.metrics.RecordNotificationCancelled()
	}
	return nil
}

// SetActiveAsLatest clones the currently active set as a new latest
// version in Complete state, and marks intermediate pending versions
// Superseded.
func (s *Store) SetActiveAsLatest(ctx context.Context) (*SubscriptionSet, error) {
	active, err := s.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.ListSubscriptionSets(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	newVersion := int64(1)
	for _, r := range rows {
		if r.Version >= newVersion {
			newVersion = r.Version + 1
		}
	}

	snapshotVersion, err := tx.BumpVersion()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	ids := make([]objectid.ObjectID, len(active.Subscriptions))
	for i, sub := range active.Subscriptions {
		ids[i] = sub.ID
	}
	newRow := backend.SubscriptionSetRow{
		Version:         newVersion,
		SnapshotVersion: snapshotVersion,
		State:           int(StateComplete),
		SubscriptionIDs: ids,
	}
	if err := s.db.PutSubscriptionSet(tx, newRow); err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, row := range rows {
		if row.Version <= active.Version {
			continue
		}
		switch State(row.State) {
		case StatePending, StateBootstrapping, StateAwaitingMark:
			row.State = int(StateSuperseded)
			if err := s.db.PutSubscriptionSet(tx, row); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	if _, err := tx.Commit(); err != nil {
		return nil, err
	}
	s.reportProgressLocked()
	return rowToSet(newRow, append([]Subscription(nil), active.Subscriptions...), s), nil
}

// MarkActiveAsComplete transitions the active version directly to
// Complete again (for client-reset recovery flows) and returns its
// version. If there is no active version, this is a no-op returning 0.
func (s *Store) MarkActiveAsComplete(ctx context.Context) (int64, error) {
	active, err := s.GetActive(ctx)
	if err != nil {
		return 0, err
	}
	if active.Version == 0 {
		return 0, nil
	}
	err = s.transition(ctx, active.Version, func(current State, errStr string) (State, string, error) {
		return StateComplete, errStr, nil
	})
	if err != nil {
		return 0, err
	}
	return active.Version, nil
}

// GetStateChangeNotification returns a future resolved once the set at
// version reaches or passes notifyWhen, or with an error Status if it
// enters Error or is superseded first. If the target has already been
// reached, the future is resolved before this call returns.
func (s *Store) GetStateChangeNotification(ctx context.Context, version int64, notifyWhen State) (*Notification, error) {
	set, err := s.GetByVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	notification := newNotification()
	if isTerminalError(set.State) {
		status := Status{Code: StatusCodeSubscriptionError, Message: set.ErrorStr}
		if set.State == StateSuperseded {
			status = Status{Code: StatusCodeAborted, Message: "subscription set was superseded"}
		}
		notification.resolve(status)
		s.metrics.RecordNotificationFired()
		return notification, nil
	}
	if hasReachedOrPassed(set.State, notifyWhen) {
		notification.resolve(nil)
		s.metrics.RecordNotificationFired()
		return notification, nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, &pendingNotification{version: version, targetState: notifyWhen, notification: notification})
	s.mu.Unlock()
	return notification, nil
}

// ReportProgress scans pending notifications and resolves any whose
// version has reached, passed, or erred past its target state. Safe to
// call redundantly; every mutating Store method already calls this.
func (s *Store) ReportProgress(ctx context.Context) {
	s.reportProgressLocked()
}

// reportProgressLocked does the real work behind ReportProgress. It never
// holds s.mu while touching the backend: the snapshot of pending
// notifications is taken under the lock, every backend read happens after
// it's released, and the surviving set is written back under the lock
// again. This avoids the lock inversion the notification-dispatch design
// note warns against.
func (s *Store) reportProgressLocked() {
	s.mu.Lock()
	snapshot := append([]*pendingNotification(nil), s.pending...)
	s.mu.Unlock()

	var toResolve []*pendingNotification
	var toResolveStatus []error
	resolved := make(map[*pendingNotification]bool)
	for _, p := range snapshot {
		row, errStr, ok, err := s.peekState(p.version)
		if err != nil || !ok {
			continue
		}
		state := State(row)
		switch {
		case isTerminalError(state):
			status := Status{Code: StatusCodeSubscriptionError, Message: errStr}
			if state == StateSuperseded {
				status = Status{Code: StatusCodeAborted, Message: "subscription set was superseded"}
			}
			toResolve = append(toResolve, p)
			toResolveStatus = append(toResolveStatus, status)
			resolved[p] = true
		case hasReachedOrPassed(state, p.targetState):
			toResolve = append(toResolve, p)
			toResolveStatus = append(toResolveStatus, nil)
			resolved[p] = true
		}
	}

	s.mu.Lock()
	var stillPending []*pendingNotification
	for _, p := range s.pending {
		if !resolved[p] {
			stillPending = append(stillPending, p)
		}
	}
	s.pending = stillPending
	s.mu.Unlock()

	for i, p := range toResolve {
		p.notification.resolve(toResolveStatus[i])
		s.metrics.RecordNotificationFired()
	}
}

// peekState reads just the state and error string for version, without
// loading subscriptions, using a fresh read transaction. Used by
// reportProgressLocked, which must not hold s.mu while touching the backend.
func (s *Store) peekState(version int64) (int, string, bool, error) {
	ctx := context.Background()
	tx, err := s.db.BeginRead(ctx)
	if err != nil {
		return 0, "", false, err
	}
	defer tx.Rollback()
	row, ok, err := s.db.GetSubscriptionSet(tx, version)
	if err != nil || !ok {
		return 0, "", ok, err
	}
	return row.State, row.ErrorStr, true, nil
}

// NotifyAllStateChangeNotifications resolves every outstanding
// notification with status, without altering any persisted state. Used
// during shutdown.
func (s *Store) NotifyAllStateChangeNotifications(status error) {
	s.mu.Lock()
	toResolve := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range toResolve {
		p.notification.resolve(status)
		s.metrics.RecordNotificationCancelled()
	}
}
