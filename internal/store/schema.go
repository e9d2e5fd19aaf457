package store

const schema = `
-- Active batches: remote jobs this process is responsible for driving.
CREATE TABLE IF NOT EXISTS active_batches (
    batch_id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'completed', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_active_batches_created_at ON active_batches(created_at);
CREATE INDEX IF NOT EXISTS idx_active_batches_status ON active_batches(status);

-- Batch membership: which record keys were submitted with which batch.
CREATE TABLE IF NOT EXISTS batch_record_keys (
    batch_id TEXT NOT NULL,
    record_key TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (batch_id, record_key)
);

CREATE INDEX IF NOT EXISTS idx_batch_record_keys_batch_id ON batch_record_keys(batch_id);
CREATE INDEX IF NOT EXISTS idx_batch_record_keys_record_key ON batch_record_keys(record_key);

-- In-flight records: forbids double submission while a batch is active.
CREATE TABLE IF NOT EXISTS inflight_records (
    record_key TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_inflight_records_batch_id ON inflight_records(batch_id);

-- Per-record failure counters; the dead-letter threshold reads these.
CREATE TABLE IF NOT EXISTS failure_counts (
    record_key TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Append-only failure log for offline analysis.
CREATE TABLE IF NOT EXISTS failure_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_key TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    error_kind TEXT,
    error_message TEXT,
    error_trace TEXT,
    raw_response_text TEXT,
    extracted_text TEXT,
    raw_response_blob TEXT,
    model_name TEXT,
    prompt_name TEXT,
    prompt_template TEXT,
    generation_config TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_failure_logs_record_key ON failure_logs(record_key);
CREATE INDEX IF NOT EXISTS idx_failure_logs_batch_id ON failure_logs(batch_id);
CREATE INDEX IF NOT EXISTS idx_failure_logs_created_at ON failure_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_failure_logs_error_kind ON failure_logs(error_kind);
`
