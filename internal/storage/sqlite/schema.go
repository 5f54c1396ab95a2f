package sqlite

const schema = `
-- Key-value entries. Keys are the order-preserving encoded form, so a
-- bytewise index scan is a semantic range scan.
CREATE TABLE IF NOT EXISTS kv_entries (
    key BLOB PRIMARY KEY,
    value BLOB NOT NULL,
    versionstamp TEXT NOT NULL,
    expires_at INTEGER
) WITHOUT ROWID;

-- Partial index so the expiry sweeper never scans immortal rows.
CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at
    ON kv_entries(expires_at) WHERE expires_at IS NOT NULL;

-- Reliable queue. Timestamps are epoch milliseconds.
CREATE TABLE IF NOT EXISTS kv_queue (
    id TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    ready_at INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    backoff_schedule TEXT NOT NULL DEFAULT '[]',
    keys_if_undelivered TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'failed')),
    locked_until INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Dequeue scans: oldest ready pending row first.
CREATE INDEX IF NOT EXISTS idx_kv_queue_dequeue
    ON kv_queue(status, ready_at, created_at);

-- Lease recovery scans.
CREATE INDEX IF NOT EXISTS idx_kv_queue_locked_until
    ON kv_queue(locked_until) WHERE locked_until IS NOT NULL;

-- Dead-letter queue.
CREATE TABLE IF NOT EXISTS kv_dlq (
    id TEXT PRIMARY KEY,
    original_id TEXT NOT NULL,
    value BLOB NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    original_created_at INTEGER NOT NULL,
    failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kv_dlq_failed_at ON kv_dlq(failed_at);

-- Catalog of full-text indexes. One row per prefix; the FTS5 table named
-- by table_name is created alongside.
CREATE TABLE IF NOT EXISTS kv_indexes (
    prefix BLOB PRIMARY KEY,
    fields TEXT NOT NULL,
    tokenizer TEXT NOT NULL DEFAULT 'unicode61',
    table_name TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

-- Durable metrics aggregates, written by the optional metrics flusher.
CREATE TABLE IF NOT EXISTS kv_metrics (
    op TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    total_latency_ms INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`
