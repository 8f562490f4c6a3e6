package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/jobguard/internal/domain"
	"github.com/fairyhunter13/jobguard/internal/observability"
)

// PgxPool is a minimal subset of pgxpool used by the repo for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// HealthChecker rejects operations while the pool is exhausted.
type HealthChecker interface {
	CheckPoolHealth() error
}

// terminalSet is inlined in every WHERE clause that must not touch
// terminal rows. It mirrors the partial unique index predicate.
const terminalSet = `('completed', 'failed', 'dead')`

const recordColumns = `id, queue_name, queue_type, job_id, job_name, data, status,
	attempts, max_attempts, error_message, created_at, updated_at,
	started_at, completed_at, last_heartbeat`

// JobRepo persists and loads mirrored job records from PostgreSQL.
// Every public method runs through the circuit breaker and, when a
// health checker is attached, is rejected during pool exhaustion.
type JobRepo struct {
	Pool    PgxPool
	breaker *observability.CircuitBreaker
	health  HealthChecker
}

// NewJobRepo constructs a JobRepo. breaker and health may be nil in tests.
func NewJobRepo(p PgxPool, breaker *observability.CircuitBreaker, health HealthChecker) *JobRepo {
	return &JobRepo{Pool: p, breaker: breaker, health: health}
}

func (r *JobRepo) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.health != nil {
		if err := r.health.CheckPoolHealth(); err != nil {
			return err
		}
	}
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, fn)
}

// InsertJob upserts a pending record for a submitted job. The conflict
// target is the partial unique index over active rows, so a terminal
// row never blocks a fresh insert (the job id reincarnates as a new
// row). Returns false when the statement matched nothing.
func (r *JobRepo) InsertJob(ctx context.Context, queue string, qt domain.QueueType, jobID, jobName string, data json.RawMessage, attempts, maxAttempts int) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.InsertJob")
	defer span.End()

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var name *string
	if jobName != "" {
		name = &jobName
	}

	q := `INSERT INTO jobguard_jobs (id, queue_name, queue_type, job_id, job_name, data, status, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
		ON CONFLICT (queue_name, queue_type, job_id) WHERE status NOT IN ` + terminalSet + `
		DO UPDATE SET data = EXCLUDED.data, attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts, status = 'pending'
		WHERE jobguard_jobs.status NOT IN ` + terminalSet + `
		RETURNING id`

	created := false
	err := r.run(ctx, func(ctx context.Context) error {
		var id string
		err := r.Pool.QueryRow(ctx, q, uuid.New().String(), queue, qt, jobID, name, data, attempts, maxAttempts).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Upsert predicate matched nothing: treated as already-done.
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("op=job.insert: %w", err)
	}
	return created, nil
}

// UpdateJobStatus moves a non-terminal record to status, stamping
// started_at on entry to processing and completed_at on terminal entry.
func (r *JobRepo) UpdateJobStatus(ctx context.Context, queue string, qt domain.QueueType, jobID string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateJobStatus")
	defer span.End()

	q := `UPDATE jobguard_jobs SET status = $4,
			started_at = CASE WHEN $4 = 'processing' AND started_at IS NULL THEN now() ELSE started_at END,
			last_heartbeat = CASE WHEN $4 = 'processing' THEN now() ELSE last_heartbeat END,
			completed_at = CASE WHEN $4 IN ` + terminalSet + ` THEN now() ELSE completed_at END
		WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
			AND status NOT IN ` + terminalSet

	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.Pool.Exec(ctx, q, queue, qt, jobID, status)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// UpdateJobError atomically increments attempts, records the sanitized
// message and computes failed-vs-dead in SQL so concurrent mutators
// cannot race the attempt bound. LEAST keeps attempts within
// max_attempts when a re-enqueued job fails at the cap.
func (r *JobRepo) UpdateJobError(ctx context.Context, queue string, qt domain.QueueType, jobID, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateJobError")
	defer span.End()

	q := `UPDATE jobguard_jobs SET
			attempts = LEAST(attempts + 1, max_attempts),
			error_message = $4,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'failed' END,
			completed_at = now()
		WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
			AND status NOT IN ` + terminalSet

	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.Pool.Exec(ctx, q, queue, qt, jobID, errMsg)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=job.update_error: %w", err)
	}
	return nil
}

// UpdateHeartbeat bumps last_heartbeat only while the record is
// processing; any other status makes this a silent no-op.
func (r *JobRepo) UpdateHeartbeat(ctx context.Context, queue string, qt domain.QueueType, jobID string) error {
	q := `UPDATE jobguard_jobs SET last_heartbeat = now()
		WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3 AND status = 'processing'`

	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.Pool.Exec(ctx, q, queue, qt, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=job.update_heartbeat: %w", err)
	}
	return nil
}

// GetAndMarkStuckJobs is the core transactional harvest. Within one
// transaction it selects stale processing rows with FOR UPDATE SKIP
// LOCKED (concurrent harvesters never overlap), marks them stuck,
// partitions them by remaining attempts and moves the exhausted set to
// dead. Returns the to-re-enqueue records and the dead ids.
func (r *JobRepo) GetAndMarkStuckJobs(ctx context.Context, queue string, qt domain.QueueType, threshold time.Duration, batchSize int, useHeartbeat bool) ([]domain.JobRecord, []string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetAndMarkStuckJobs")
	defer span.End()

	// The COALESCE fallback lets records that predate heartbeats be
	// evaluated by their last update.
	liveness := `COALESCE(last_heartbeat, updated_at)`
	if !useHeartbeat {
		liveness = `updated_at`
	}
	selectQ := `SELECT ` + recordColumns + ` FROM jobguard_jobs
		WHERE queue_name = $1 AND queue_type = $2 AND status = 'processing'
			AND ` + liveness + ` < $3
		ORDER BY ` + liveness + ` ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`

	var toReenqueue []domain.JobRecord
	var deadIDs []string

	err := r.run(ctx, func(ctx context.Context) error {
		toReenqueue = nil
		deadIDs = nil

		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cutoff := time.Now().UTC().Add(-threshold)
		rows, err := tx.Query(ctx, selectQ, queue, qt, cutoff, batchSize)
		if err != nil {
			return err
		}
		records, err := collectRecords(rows)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return tx.Commit(ctx)
		}

		allIDs := make([]string, 0, len(records))
		for _, rec := range records {
			allIDs = append(allIDs, rec.ID)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobguard_jobs SET status = 'stuck' WHERE id = ANY($1::uuid[])`, allIDs); err != nil {
			return err
		}

		for _, rec := range records {
			rec.Status = domain.JobStuck
			if rec.Attempts < rec.MaxAttempts {
				toReenqueue = append(toReenqueue, rec)
			} else {
				deadIDs = append(deadIDs, rec.ID)
			}
		}
		if len(deadIDs) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE jobguard_jobs SET status = 'dead', completed_at = now() WHERE id = ANY($1::uuid[])`, deadIDs); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.get_and_mark_stuck: %w", err)
	}
	return toReenqueue, deadIDs, nil
}

// BulkUpdateStatus sets status on records by internal id. Empty input
// is a no-op.
func (r *JobRepo) BulkUpdateStatus(ctx context.Context, ids []string, status domain.JobStatus) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE jobguard_jobs SET status = $2,
			completed_at = CASE WHEN $2 IN ` + terminalSet + ` THEN now() ELSE completed_at END
		WHERE id = ANY($1::uuid[])`

	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.Pool.Exec(ctx, q, ids, status)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=job.bulk_update_status: %w", err)
	}
	return nil
}

// BulkMarkDead moves records to dead and stamps completed_at.
func (r *JobRepo) BulkMarkDead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.Pool.Exec(ctx,
			`UPDATE jobguard_jobs SET status = 'dead', completed_at = now() WHERE id = ANY($1::uuid[])`, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=job.bulk_mark_dead: %w", err)
	}
	return nil
}

// DeleteOldJobs removes terminal rows whose completed_at is older than
// the retention cutoff and returns the number deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteOldJobs")
	defer span.End()

	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var deleted int64
	err := r.run(ctx, func(ctx context.Context) error {
		tag, err := r.Pool.Exec(ctx,
			`DELETE FROM jobguard_jobs WHERE status IN `+terminalSet+` AND completed_at < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_old: %w", err)
	}
	return deleted, nil
}

// GetStatistics aggregates per-status counts for the queue.
func (r *JobRepo) GetStatistics(ctx context.Context, queue string, qt domain.QueueType) (domain.QueueStats, error) {
	var stats domain.QueueStats
	err := r.run(ctx, func(ctx context.Context) error {
		stats = domain.QueueStats{}
		rows, err := r.Pool.Query(ctx,
			`SELECT status, count(*) FROM jobguard_jobs WHERE queue_name = $1 AND queue_type = $2 GROUP BY status`,
			queue, qt)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status domain.JobStatus
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			switch status {
			case domain.JobPending:
				stats.Pending = count
			case domain.JobProcessing:
				stats.Processing = count
			case domain.JobCompleted:
				stats.Completed = count
			case domain.JobFailed:
				stats.Failed = count
			case domain.JobStuck:
				stats.Stuck = count
			case domain.JobDead:
				stats.Dead = count
			}
			stats.Total += count
		}
		return rows.Err()
	})
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=job.statistics: %w", err)
	}
	return stats, nil
}

// GetJob loads the most recent record for a business key.
func (r *JobRepo) GetJob(ctx context.Context, queue string, qt domain.QueueType, jobID string) (domain.JobRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM jobguard_jobs
		WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
		ORDER BY created_at DESC LIMIT 1`

	var rec domain.JobRecord
	err := r.run(ctx, func(ctx context.Context) error {
		row := r.Pool.QueryRow(ctx, q, queue, qt, jobID)
		var scanErr error
		rec, scanErr = scanRecord(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return scanErr
	})
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("op=job.get: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.JobRecord, error) {
	var rec domain.JobRecord
	var name, errMsg *string
	err := row.Scan(
		&rec.ID, &rec.QueueName, &rec.QueueType, &rec.JobID, &name, &rec.Data,
		&rec.Status, &rec.Attempts, &rec.MaxAttempts, &errMsg,
		&rec.CreatedAt, &rec.UpdatedAt,
		&rec.StartedAt, &rec.CompletedAt, &rec.LastHeartbeat,
	)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if name != nil {
		rec.JobName = *name
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]domain.JobRecord, error) {
	defer rows.Close()
	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
