// Package backend implements the storage backend the subscription store
// consumes: transactions with monotonic commit versions, and the two
// metadata tables laid out in the persisted layout, backed by
// github.com/mattn/go-sqlite3 exactly as the teacher's manifest catalog is.
package backend

// CreateSubscriptionsTableSQL creates the subscriptions table: one row per
// Subscription, keyed by its ObjectID.
const CreateSubscriptionsTableSQL = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    name TEXT,
    object_class_name TEXT NOT NULL,
    query_str TEXT NOT NULL
)`

// CreateSubscriptionSetsTableSQL creates the subscription_sets table: one
// row per SubscriptionSet revision. The subscriptions column stores the
// ordered list of member subscription IDs as a JSON array of hex strings,
// standing in for the "list of links" column type described in the backend
// contract (SQLite has no native link-list column type).
const CreateSubscriptionSetsTableSQL = `
CREATE TABLE IF NOT EXISTS subscription_sets (
    version INTEGER PRIMARY KEY,
    snapshot_version INTEGER NOT NULL,
    state INTEGER NOT NULL,
    error_str TEXT NOT NULL DEFAULT '',
    subscriptions TEXT NOT NULL DEFAULT '[]'
)`

// CreateMetaTableSQL creates the single-row metadata table that backs the
// atomic "bump version" primitive required by the backend contract.
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS backend_meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
)`

// CreateIndexesSQL creates supporting indexes for the pending-subscription
// scan (state lookups) that get_pending_subscriptions and
// get_next_pending_version rely on.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_subscription_sets_state ON subscription_sets(state)`,
}

// AllSchemaSQL returns every DDL statement needed to initialize the backend
// database from scratch.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSubscriptionsTableSQL,
		CreateSubscriptionSetsTableSQL,
		CreateMetaTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
