package postgres

import (
	"context"
	"fmt"
)

// schemaSQL is the authoritative persisted schema. The partial unique
// index predicate and the UPSERT conflict predicate in jobs_repo.go are
// a matched pair; change them together.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobguard_jobs (
	id              UUID PRIMARY KEY,
	queue_name      VARCHAR(100) NOT NULL,
	queue_type      VARCHAR(10)  NOT NULL CHECK (queue_type IN ('bull', 'bullmq', 'bee')),
	job_id          VARCHAR(100) NOT NULL,
	job_name        VARCHAR(100),
	data            JSONB        NOT NULL DEFAULT '{}',
	status          VARCHAR(20)  NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'stuck', 'dead')),
	attempts        SMALLINT     NOT NULL DEFAULT 0 CHECK (attempts >= 0),
	max_attempts    SMALLINT     NOT NULL DEFAULT 3 CHECK (max_attempts >= 0),
	error_message   TEXT,
	created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	last_heartbeat  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS jobguard_jobs_active_uniq
	ON jobguard_jobs (queue_name, queue_type, job_id)
	WHERE status NOT IN ('completed', 'failed', 'dead');

CREATE INDEX IF NOT EXISTS jobguard_jobs_stuck_idx
	ON jobguard_jobs (queue_name, status, last_heartbeat, updated_at)
	WHERE status IN ('processing', 'stuck');

CREATE INDEX IF NOT EXISTS jobguard_jobs_cleanup_idx
	ON jobguard_jobs (completed_at)
	WHERE status IN ('completed', 'failed', 'dead');

CREATE INDEX IF NOT EXISTS jobguard_jobs_lookup_idx
	ON jobguard_jobs (queue_name, queue_type, job_id);

CREATE OR REPLACE FUNCTION jobguard_touch_updated_at() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS jobguard_jobs_touch ON jobguard_jobs;
CREATE TRIGGER jobguard_jobs_touch
	BEFORE UPDATE ON jobguard_jobs
	FOR EACH ROW EXECUTE FUNCTION jobguard_touch_updated_at();
`

// Migrate applies the jobguard schema. Idempotent.
func Migrate(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=postgres.migrate: %w", err)
	}
	return nil
}
