// Package queue persists scan jobs in the wine_queue table and implements the
// claim and terminal transitions the pipeline and sweeper rely on.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/model"
)

var (
	// ErrDuplicateSubmission is returned when a job's idempotency key is already queued.
	ErrDuplicateSubmission = eris.New("queue: duplicate submission")
	// ErrJobNotFound is returned when no job matches the lookup.
	ErrJobNotFound = eris.New("queue: job not found")
	// ErrInvalidTransition is returned when a job is not in a state that permits the update.
	ErrInvalidTransition = eris.New("queue: invalid status transition")
)

const jobColumns = `id, user_id, scan_id, image_url, ocr_text, idempotency_key, status,
	error_message, retry_count, exhausted, processed_data, claimed_at, created_at, processed_at`

// NewJob holds the fields supplied at enqueue time.
type NewJob struct {
	UserID         string
	ScanID         string
	ImageURL       string
	OCRText        *string
	IdempotencyKey *string
}

// Store reads and writes wine_queue rows through a pool or a transaction.
type Store struct {
	q db.Querier
}

// NewStore creates a store over q.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// Enqueue inserts a pending job. A colliding idempotency key yields ErrDuplicateSubmission.
func (s *Store) Enqueue(ctx context.Context, job NewJob) (*model.ScanJob, error) {
	var scanID *string
	if job.ScanID != "" {
		scanID = &job.ScanID
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO wine_queue (user_id, scan_id, image_url, ocr_text, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING `+jobColumns,
		job.UserID, scanID, job.ImageURL, job.OCRText, job.IdempotencyKey,
	)
	out, err := scanJob(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, eris.Wrapf(ErrDuplicateSubmission, "queue: enqueue key %s", deref(job.IdempotencyKey))
		}
		return nil, eris.Wrap(err, "queue: enqueue")
	}
	return out, nil
}

// Claim moves up to limit pending jobs, oldest first, to working in a single
// statement. Rows locked by a concurrent claimer are skipped, so no job is
// returned to two callers.
func (s *Store) Claim(ctx context.Context, limit int) ([]model.ScanJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx, `
		UPDATE wine_queue
		SET status = 'working', claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM wine_queue
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	defer rows.Close()

	var jobs []model.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "queue: scan claimed job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "queue: iterate claimed jobs")
}

// Complete marks a working job completed with its result document. Completing
// an already completed job is a no-op.
func (s *Store) Complete(ctx context.Context, id string, data json.RawMessage) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE wine_queue
		SET status = 'completed', processed_data = $2, error_message = NULL,
			processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'working'`,
		id, []byte(data),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: complete job %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.checkSettled(ctx, id, model.JobStatusCompleted)
}

// Fail marks a working job failed with a human-readable message. Failing an
// already failed job is a no-op.
func (s *Store) Fail(ctx context.Context, id, message string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE wine_queue
		SET status = 'failed', error_message = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'working'`,
		id, message,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: fail job %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.checkSettled(ctx, id, model.JobStatusFailed)
}

// checkSettled runs after a terminal update matched nothing: the job is either
// already in the target state, missing, or somewhere the update may not come from.
func (s *Store) checkSettled(ctx context.Context, id string, want model.JobStatus) error {
	var status model.JobStatus
	err := s.q.QueryRow(ctx, `SELECT status FROM wine_queue WHERE id = $1`, id).Scan(&status)
	if db.IsNoRows(err) {
		return eris.Wrapf(ErrJobNotFound, "queue: job %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "queue: read status of job %s", id)
	}
	if status == want {
		return nil
	}
	return eris.Wrapf(ErrInvalidTransition, "queue: job %s is %s, cannot become %s", id, status, want)
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*model.ScanJob, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM wine_queue WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrJobNotFound, "queue: job %s", id)
	}
	return job, eris.Wrapf(err, "queue: get job %s", id)
}

// FindByIdempotencyKey returns the job submitted under key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*model.ScanJob, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM wine_queue WHERE idempotency_key = $1`, key))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrJobNotFound, "queue: idempotency key %s", key)
	}
	return job, eris.Wrap(err, "queue: find by idempotency key")
}

// Stats counts jobs per status. Statuses with no jobs are reported as zero.
func (s *Store) Stats(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.q.Query(ctx, `SELECT status, count(*) FROM wine_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "queue: stats")
	}
	defer rows.Close()

	stats := map[model.JobStatus]int{
		model.JobStatusPending:   0,
		model.JobStatusWorking:   0,
		model.JobStatusCompleted: 0,
		model.JobStatusFailed:    0,
	}
	for rows.Next() {
		var status model.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "queue: scan stats row")
		}
		stats[status] = int(n)
	}
	return stats, eris.Wrap(rows.Err(), "queue: iterate stats")
}

// SweepCriteria selects jobs the sweeper acts on: working jobs claimed before
// StaleBefore and failed, non-exhausted jobs processed before FailedBefore.
type SweepCriteria struct {
	StaleBefore  time.Time
	FailedBefore time.Time
	MaxRetries   int
	Limit        int
}

const sweepCandidates = `
	SELECT id FROM wine_queue
	WHERE ((status = 'working' AND claimed_at < $1)
		OR (status = 'failed' AND NOT exhausted AND processed_at < $2))`

// RequeueStale returns sweep candidates still under the retry cap to pending,
// incrementing retry_count. It returns the requeued job ids.
func (s *Store) RequeueStale(ctx context.Context, c SweepCriteria) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE wine_queue
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL,
			claimed_at = NULL, processed_at = NULL, updated_at = now()
		WHERE id IN (`+sweepCandidates+`
			AND retry_count < $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		c.StaleBefore, c.FailedBefore, c.MaxRetries, c.Limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: requeue stale")
	}
	return collectIDs(rows, "queue: requeue stale")
}

// FinalizeExhausted permanently fails sweep candidates that reached the retry
// cap, and fails their pending journal entries with the same message. Finalized
// jobs are flagged exhausted so later sweeps never select them again.
func (s *Store) FinalizeExhausted(ctx context.Context, c SweepCriteria) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		WITH finalized AS (
			UPDATE wine_queue
			SET error_message = CASE
					WHEN status = 'working'
						THEN format('processing timed out; gave up after %s retries', retry_count)
					ELSE format('processing failed after %s retries: %s', retry_count,
						coalesce(error_message, 'unknown error'))
				END,
				status = 'failed', exhausted = true, claimed_at = NULL,
				processed_at = now(), updated_at = now()
			WHERE id IN (`+sweepCandidates+`
				AND retry_count >= $3
				ORDER BY created_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, scan_id, error_message
		), journal AS (
			UPDATE wines_added w
			SET status = 'failed', error_message = f.error_message, updated_at = now()
			FROM finalized f
			WHERE w.scan_id = f.scan_id AND w.status = 'pending'
			RETURNING w.id
		)
		SELECT id FROM finalized`,
		c.StaleBefore, c.FailedBefore, c.MaxRetries, c.Limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: finalize exhausted")
	}
	return collectIDs(rows, "queue: finalize exhausted")
}

// DeleteByUser removes every queue row owned by userID.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM wine_queue WHERE user_id = $1`, userID)
	if err != nil {
		return 0, eris.Wrap(err, "queue: delete by user")
	}
	return tag.RowsAffected(), nil
}

func collectIDs(rows pgx.Rows, op string) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, op+": scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), op+": iterate")
}

func scanJob(row pgx.Row) (*model.ScanJob, error) {
	var (
		job  model.ScanJob
		data []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.ScanID, &job.ImageURL, &job.OCRText, &job.IdempotencyKey,
		&job.Status, &job.ErrorMessage, &job.RetryCount, &job.Exhausted, &data,
		&job.ClaimedAt, &job.CreatedAt, &job.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		job.ProcessedData = json.RawMessage(data)
	}
	return &job, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
