package sqlite

// Schema creation is idempotent: IF NOT EXISTS throughout, never destructive.
// Timestamps are stored as RFC 3339 UTC text so that lexicographic comparison
// in SQL matches chronological order.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS StableEventQueues (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  status              TEXT NOT NULL DEFAULT 'PENDING',
  owner_id            TEXT,
  patient_birth_date  TEXT NOT NULL DEFAULT '',
  patient_id          TEXT NOT NULL DEFAULT '',
  patient_name        TEXT NOT NULL DEFAULT '',
  patient_sex         TEXT NOT NULL DEFAULT '',
  accession_number    TEXT NOT NULL DEFAULT '',
  iuid                TEXT NOT NULL DEFAULT '',
  resource_id         TEXT NOT NULL,
  resource_type       TEXT NOT NULL,
  app_id              TEXT NOT NULL,
  app_type            TEXT NOT NULL,
  delay_sec           INTEGER NOT NULL DEFAULT 0,
  retry               INTEGER NOT NULL DEFAULT 0,
  failed_reason       TEXT NOT NULL DEFAULT '',
  next_scheduled_time TEXT NOT NULL,
  expiration_time     TEXT,
  last_updated_time   TEXT NOT NULL,
  creation_time       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS StableEventQueuesClaimIndex
  ON StableEventQueues (app_type, retry, next_scheduled_time);

CREATE TABLE IF NOT EXISTS TransferJobs (
  id                TEXT PRIMARY KEY,
  owner_id          TEXT NOT NULL DEFAULT '',
  queue_id          INTEGER NOT NULL,
  last_updated_time TEXT NOT NULL,
  creation_time     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS TransferJobsQueueIndex
  ON TransferJobs (queue_id);
`
