package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// --- Jobs ---

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, lease_until,
	created_at, updated_at, last_error`

// EnqueueJob adds a job to the queue. A finished (completed or failed) job
// with the same ID is re-armed with the new payload and a fresh attempt
// budget. It reports false when the ID is already pending or running, so
// enqueueing with a deterministic ID is idempotent while the job is live.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (bool, error) {
	now := s.nowString()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, lease_until, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, 0, ?, ?, '', ?, ?, '')
		ON CONFLICT (id) DO UPDATE SET
			payload_json = excluded.payload_json,
			status = excluded.status,
			attempts = 0,
			max_attempts = excluded.max_attempts,
			run_after = excluded.run_after,
			lease_until = '',
			updated_at = excluded.updated_at,
			last_error = ''
		WHERE jobs.status IN (?, ?)`),
		job.ID, job.Type, job.PayloadJSON, JobPending, maxAttempts, runAfter, now, now,
		JobCompleted, JobFailed,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing job: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextJob leases the next due job of the given types for lease. A
// running job whose lease expired is claimable again, so a worker that died
// mid-job does not lose it.
func (s *Store) ClaimNextJob(ctx context.Context, types []string, lease time.Duration) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.now()
	nowStr := formatTime(now)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE ((status = ? AND run_after <= ?) OR (status = ? AND lease_until <= ?))
		  AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+4)
	args = append(args, JobPending, nowStr, JobRunning, nowStr)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, s.q(query), args...))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := formatTime(now.Add(lease))
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at = ?`),
		JobRunning, leaseUntil, nowStr, j.ID, j.Status, formatTime(j.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.LeaseUntil, _ = parseTime(leaseUntil)
	j.UpdatedAt, _ = parseTime(nowStr)
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, lease_until = '', updated_at = ? WHERE id = ?`),
		JobCompleted, s.nowString(), id,
	))
}

// FailJob records a failed delivery of a job. The job is rescheduled with
// exponential backoff (2^attempts seconds) until max_attempts is reached,
// then it is marked failed and exhausted is true.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (exhausted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, s.q(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempts, &maxAttempts)
	if noRows(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := s.now()
	attempts++
	errMsg = truncateError(errMsg)

	if attempts >= maxAttempts {
		exhausted = true
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, lease_until = '', updated_at = ? WHERE id = ?`),
			JobFailed, attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, lease_until = '', updated_at = ? WHERE id = ?`),
			JobPending, attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return exhausted, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if noRows(err) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func scanJob(sc scanner) (Job, error) {
	var j Job
	var runAfter, leaseUntil, createdAt, updatedAt string
	if err := sc.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &leaseUntil, &createdAt, &updatedAt, &j.LastError); err != nil {
		return Job{}, err
	}
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.LeaseUntil, err = parseTime(leaseUntil); err != nil {
		return Job{}, fmt.Errorf("parsing lease_until for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
