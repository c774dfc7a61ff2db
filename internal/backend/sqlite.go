package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samjaninf/realm-core/pkg/objectid"
	"github.com/samjaninf/realm-core/pkg/xerrors"

	_ "github.com/mattn/go-sqlite3"
)

// SubscriptionRow is the persisted representation of one Subscription.
type SubscriptionRow struct {
	ID              objectid.ObjectID
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Name            *string
	ObjectClassName string
	QueryStr        string
}

// SubscriptionSetRow is the persisted representation of one
// SubscriptionSet revision.
type SubscriptionSetRow struct {
	Version         int64
	SnapshotVersion int64
	State           int
	ErrorStr        string
	SubscriptionIDs []objectid.ObjectID
}

// Tx wraps a single backend transaction. A write Tx must be held for the
// lifetime of the caller's unit of work and finalized with exactly one of
// Commit or Rollback.
type Tx struct {
	tx            *sql.Tx
	store         *SQLiteStore
	write         bool
	versionBumped bool
	bumpedVersion int64
}

// BumpVersion atomically increments the backend's monotonic commit
// version within this transaction and returns the new value. Because the
// increment happens inside the transaction, a subsequent Rollback undoes
// it along with every other write — a rolled-back transaction consumes no
// version. Callers that need the new commit version available to write
// into their own rows (as SubscriptionSetRow.SnapshotVersion is) must call
// this before those writes; callers that don't care can skip it, in which
// case Commit bumps it for them.
func (t *Tx) BumpVersion() (int64, error) {
	if !t.write {
		return 0, xerrors.LogicError("backend: cannot bump version on a read-only transaction")
	}
	var version int64
	row := t.tx.QueryRow(`UPDATE backend_meta SET value = value + 1 WHERE key = 'commit_version' RETURNING value`)
	if err := row.Scan(&version); err != nil {
		return 0, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to bump commit version", err)
	}
	t.versionBumped = true
	t.bumpedVersion = version
	return version, nil
}

// Commit finalizes the transaction, bumping the commit version first if
// BumpVersion was not already called. It returns the resulting commit
// version (0 for a read-only transaction).
func (t *Tx) Commit() (int64, error) {
	if !t.write {
		return 0, t.tx.Commit()
	}

	version := t.bumpedVersion
	if !t.versionBumped {
		v, err := t.BumpVersion()
		if err != nil {
			t.tx.Rollback()
			return 0, err
		}
		version = v
	}
	if err := t.tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to commit transaction", err)
	}
	return version, nil
}

// Rollback aborts the transaction. A rolled-back transaction consumes no
// commit version.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// SQLiteStore implements the subscription store's persistence backend over
// github.com/mattn/go-sqlite3, matching the teacher's SQLiteCatalog: a
// single-writer connection in WAL mode plus a read-only connection pool.
type SQLiteStore struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	path   string
	mu     sync.Mutex // serializes write-transaction acquisition
	logger *log.Logger
}

// NewSQLiteStore opens (and, if necessary, initializes) the backend
// database at path. Pass ":memory:" for an ephemeral, test-only store; its
// reads share the single writer connection, since every connection to
// ":memory:" opens a private database of its own. If logger is nil,
// log.Default() is used.
func NewSQLiteStore(path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB := db
	if path != ":memory:" {
		readDB, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
		if err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to open read database", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(5 * time.Minute)
	}

	store := &SQLiteStore{db: db, readDB: readDB, path: path, logger: logger}
	if err := store.initialize(); err != nil {
		db.Close()
		readDB.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to apply schema", err)
		}
	}
	if _, err := s.db.Exec(
		`INSERT INTO backend_meta (key, value) VALUES ('commit_version', 0) ON CONFLICT(key) DO NOTHING`,
	); err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to seed metadata", err)
	}
	s.logger.Printf("backend: initialized sqlite store at %s", s.path)
	return nil
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	readErr := s.readDB.Close()
	writeErr := s.db.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// BeginWrite opens a write transaction. The caller owns it exclusively
// until Commit or Rollback is called.
func (s *SQLiteStore) BeginWrite(ctx context.Context) (*Tx, error) {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to begin write transaction", err)
	}
	return &Tx{tx: tx, store: s, write: true}, nil
}

// BeginRead opens a read-only transaction against the read connection pool.
func (s *SQLiteStore) BeginRead(ctx context.Context) (*Tx, error) {
	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to begin read transaction", err)
	}
	return &Tx{tx: tx, store: s, write: false}, nil
}

// CurrentVersion returns the current backend commit version without
// starting a write transaction.
func (s *SQLiteStore) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.readDB.QueryRowContext(ctx, `SELECT value FROM backend_meta WHERE key = 'commit_version'`).Scan(&version)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to read commit version", err)
	}
	return version, nil
}

// PutSubscription upserts a subscription row.
func (s *SQLiteStore) PutSubscription(tx *Tx, row SubscriptionRow) error {
	_, err := tx.tx.Exec(
		`INSERT INTO subscriptions (id, created_at, updated_at, name, object_class_name, query_str)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   name = excluded.name,
		   object_class_name = excluded.object_class_name,
		   query_str = excluded.query_str`,
		row.ID.String(), row.CreatedAt.UnixMilli(), row.UpdatedAt.UnixMilli(), row.Name, row.ObjectClassName, row.QueryStr,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to put subscription %s", row.ID), err)
	}
	return nil
}

// GetSubscription fetches a single subscription row by ID.
func (s *SQLiteStore) GetSubscription(tx *Tx, id objectid.ObjectID) (SubscriptionRow, bool, error) {
	row := tx.tx.QueryRow(
		`SELECT id, created_at, updated_at, name, object_class_name, query_str FROM subscriptions WHERE id = ?`,
		id.String(),
	)
	rec, err := scanSubscriptionRow(row)
	if err == sql.ErrNoRows {
		return SubscriptionRow{}, false, nil
	}
	if err != nil {
		return SubscriptionRow{}, false, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to get subscription %s", id), err)
	}
	return rec, true, nil
}

// DeleteSubscription removes a subscription row, if present.
func (s *SQLiteStore) DeleteSubscription(tx *Tx, id objectid.ObjectID) error {
	_, err := tx.tx.Exec(`DELETE FROM subscriptions WHERE id = ?`, id.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to delete subscription %s", id), err)
	}
	return nil
}

// PutSubscriptionSet upserts a subscription_sets row.
func (s *SQLiteStore) PutSubscriptionSet(tx *Tx, row SubscriptionSetRow) error {
	idsJSON, err := marshalIDs(row.SubscriptionIDs)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(
		`INSERT INTO subscription_sets (version, snapshot_version, state, error_str, subscriptions)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET
		   snapshot_version = excluded.snapshot_version,
		   state = excluded.state,
		   error_str = excluded.error_str,
		   subscriptions = excluded.subscriptions`,
		row.Version, row.SnapshotVersion, row.State, row.ErrorStr, idsJSON,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to put subscription set %d", row.Version), err)
	}
	return nil
}

// GetSubscriptionSet fetches a single subscription_sets row by version.
func (s *SQLiteStore) GetSubscriptionSet(tx *Tx, version int64) (SubscriptionSetRow, bool, error) {
	row := tx.tx.QueryRow(
		`SELECT version, snapshot_version, state, error_str, subscriptions FROM subscription_sets WHERE version = ?`,
		version,
	)
	rec, err := scanSubscriptionSetRow(row)
	if err == sql.ErrNoRows {
		return SubscriptionSetRow{}, false, nil
	}
	if err != nil {
		return SubscriptionSetRow{}, false, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to get subscription set %d", version), err)
	}
	return rec, true, nil
}

// ListSubscriptionSets returns every subscription_sets row ordered by
// version ascending.
func (s *SQLiteStore) ListSubscriptionSets(tx *Tx) ([]SubscriptionSetRow, error) {
	rows, err := tx.tx.Query(
		`SELECT version, snapshot_version, state, error_str, subscriptions FROM subscription_sets ORDER BY version ASC`,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to list subscription sets", err)
	}
	defer rows.Close()

	var out []SubscriptionSetRow
	for rows.Next() {
		rec, err := scanSubscriptionSetRowFromRows(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to scan subscription set", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSubscriptionSet removes a subscription_sets row.
func (s *SQLiteStore) DeleteSubscriptionSet(tx *Tx, version int64) error {
	_, err := tx.tx.Exec(`DELETE FROM subscription_sets WHERE version = ?`, version)
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: failed to delete subscription set %d", version), err)
	}
	return nil
}

// ClearAll truncates both metadata tables, used by SubscriptionStore.Reset.
// The commit version is left as it is and keeps counting up from its
// current value.
func (s *SQLiteStore) ClearAll(tx *Tx) error {
	if _, err := tx.tx.Exec(`DELETE FROM subscription_sets`); err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to clear subscription sets", err)
	}
	if _, err := tx.tx.Exec(`DELETE FROM subscriptions`); err != nil {
		return xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to clear subscriptions", err)
	}
	return nil
}

func marshalIDs(ids []objectid.ObjectID) (string, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to marshal subscription ids", err)
	}
	return string(b), nil
}

func unmarshalIDs(s string) ([]objectid.ObjectID, error) {
	var strs []string
	if err := json.Unmarshal([]byte(s), &strs); err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, "backend: failed to unmarshal subscription ids", err)
	}
	ids := make([]objectid.ObjectID, len(strs))
	for i, str := range strs {
		id, err := objectid.Parse(str)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: invalid subscription id %q", str), err)
		}
		ids[i] = id
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriptionRow(r scanner) (SubscriptionRow, error) {
	var rec SubscriptionRow
	var idStr string
	var createdAtMs, updatedAtMs int64
	var name sql.NullString
	if err := r.Scan(&idStr, &createdAtMs, &updatedAtMs, &name, &rec.ObjectClassName, &rec.QueryStr); err != nil {
		return SubscriptionRow{}, err
	}
	id, err := objectid.Parse(idStr)
	if err != nil {
		return SubscriptionRow{}, xerrors.Wrap(xerrors.CategoryBackend, xerrors.CodeBackendFailure, fmt.Sprintf("backend: invalid stored subscription id %q", idStr), err)
	}
	rec.ID = id
	rec.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if name.Valid {
		n := name.String
		rec.Name = &n
	}
	return rec, nil
}

func scanSubscriptionSetRow(r scanner) (SubscriptionSetRow, error) {
	var rec SubscriptionSetRow
	var idsJSON string
	if err := r.Scan(&rec.Version, &rec.SnapshotVersion, &rec.State, &rec.ErrorStr, &idsJSON); err != nil {
		return SubscriptionSetRow{}, err
	}
	ids, err := unmarshalIDs(idsJSON)
	if err != nil {
		return SubscriptionSetRow{}, err
	}
	rec.SubscriptionIDs = ids
	return rec, nil
}

func scanSubscriptionSetRowFromRows(rows *sql.Rows) (SubscriptionSetRow, error) {
	return scanSubscriptionSetRow(rows)
}
