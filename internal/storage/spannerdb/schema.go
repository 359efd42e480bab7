package spannerdb

// DDL lists the statements that create the queue schema. Event ids come from
// a bit-reversed sequence so inserts spread across splits; claim ordering
// never uses the id, so the reversal is invisible to callers.
var DDL = []string{
	`CREATE SEQUENCE IF NOT EXISTS StableEventIDSequence OPTIONS (
	  sequence_kind = 'bit_reversed_positive'
	)`,

	`CREATE TABLE IF NOT EXISTS StableEventQueues (
	  id                  INT64 NOT NULL DEFAULT (GET_NEXT_SEQUENCE_VALUE(SEQUENCE StableEventIDSequence)),
	  status              STRING(16) NOT NULL DEFAULT ('PENDING'),
	  owner_id            STRING(128),
	  patient_birth_date  STRING(MAX) NOT NULL DEFAULT (''),
	  patient_id          STRING(MAX) NOT NULL DEFAULT (''),
	  patient_name        STRING(MAX) NOT NULL DEFAULT (''),
	  patient_sex         STRING(MAX) NOT NULL DEFAULT (''),
	  accession_number    STRING(MAX) NOT NULL DEFAULT (''),
	  iuid                STRING(MAX) NOT NULL DEFAULT (''),
	  resource_id         STRING(MAX) NOT NULL,
	  resource_type       STRING(64) NOT NULL,
	  app_id              STRING(128) NOT NULL,
	  app_type            STRING(64) NOT NULL,
	  delay_sec           INT64 NOT NULL DEFAULT (0),
	  retry               INT64 NOT NULL DEFAULT (0),
	  failed_reason       STRING(MAX) NOT NULL DEFAULT (''),
	  next_scheduled_time TIMESTAMP NOT NULL,
	  expiration_time     TIMESTAMP,
	  last_updated_time   TIMESTAMP NOT NULL,
	  creation_time       TIMESTAMP NOT NULL
	) PRIMARY KEY (id)`,

	`CREATE INDEX IF NOT EXISTS StableEventQueuesClaimIndex
	  ON StableEventQueues (app_type, retry, next_scheduled_time)`,

	`CREATE TABLE IF NOT EXISTS TransferJobs (
	  id                STRING(MAX) NOT NULL,
	  owner_id          STRING(MAX) NOT NULL DEFAULT (''),
	  queue_id          INT64 NOT NULL,
	  last_updated_time TIMESTAMP NOT NULL,
	  creation_time     TIMESTAMP NOT NULL
	) PRIMARY KEY (id)`,

	`CREATE INDEX IF NOT EXISTS TransferJobsQueueIndex
	  ON TransferJobs (queue_id)`,
}
