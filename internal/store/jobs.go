package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

const jobColumns = `job_id, job_type, status, progress, step, params, result, error_message,
  cancel_requested, created_at, updated_at, started_at, finished_at`

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, job_type, status, progress, params, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		string(job.Status),
		job.Progress,
		nullableJSON(job.Params),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	return scanJob(row)
}

func (s *SQLite) ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Type != "" {
		where = append(where, "job_type = ?")
		args = append(args, f.Type)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNextQueued moves the oldest queued job to running and returns it.
// The status guard makes the claim exclusive across workers.
func (s *SQLite) ClaimNextQueued(ctx context.Context) (model.Job, bool, error) {
	now := s.now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs
         SET status = 'running', started_at = ?, updated_at = ?
         WHERE status = 'queued'
           AND job_id = (SELECT job_id FROM jobs WHERE status = 'queued' ORDER BY created_at, rowid LIMIT 1)
         RETURNING `+jobColumns,
		now, now,
	)
	job, err := scanJob(row)
	if errors.Is(err, model.ErrNotFound) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

// UpdateProgress records progress for an active job. Progress never moves
// backwards. A job that is no longer active yields model.ErrJobNotActive.
func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress float64, step string) error {
	progress = clampProgress(progress)
	var stepArg any
	if step != "" {
		stepArg = step
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET progress = MAX(progress, ?),
             step = COALESCE(?, step),
             updated_at = ?
         WHERE job_id = ? AND status IN ('running', 'cancelling')`,
		progress, stepArg, s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrJobNotActive, id)
	}
	return nil
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// RequestCancel flags a job for cancellation. A queued job is cancelled on
// the spot, with its final log line written in the same transaction; a
// running one moves to cancelling and finishes cooperatively. requested is
// false when the job was already terminal.
func (s *SQLite) RequestCancel(ctx context.Context, id string) (model.Job, bool, error) {
	now := s.now().UnixMilli()
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = 'cancelled', cancel_requested = 1, finished_at = ?, updated_at = ?
             WHERE job_id = ? AND status = 'queued'`,
			now, now, id,
		)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if n > 0 {
			return insertJobLog(ctx, tx, model.JobLogEntry{
				JobID: id, Timestamp: s.now(), Level: model.LogWarn, Message: "Job cancelled before start",
			})
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = 'cancelling', cancel_requested = 1, updated_at = ?
             WHERE job_id = ? AND status = 'running'`,
			now, id,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return model.Job{}, false, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	return job, n > 0, nil
}

// FinishJob moves an active job to a terminal status and appends final, if
// it has a message, in the same transaction. It reports false when the job
// was already terminal, in which case nothing changes.
func (s *SQLite) FinishJob(ctx context.Context, id string, status model.JobStatus, result json.RawMessage, errMsg string, final model.JobLogEntry) (bool, error) {
	var from string
	switch status {
	case model.JobSucceeded:
		from = `('running', 'cancelling')`
	case model.JobFailed, model.JobCancelled:
		from = `('queued', 'running', 'cancelling')`
	default:
		return false, fmt.Errorf("%w: %s is not a terminal status", model.ErrInvalidInput, status)
	}
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	now := s.now().UnixMilli()
	var finished bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?,
                 progress = CASE WHEN ? THEN 100 ELSE progress END,
                 step = CASE WHEN ? THEN 'done' ELSE step END,
                 result = COALESCE(?, result),
                 error_message = COALESCE(?, error_message),
                 finished_at = ?,
                 updated_at = ?
             WHERE job_id = ? AND status IN `+from,
			string(status),
			status == model.JobSucceeded,
			status == model.JobSucceeded,
			nullableJSON(result),
			errArg,
			now, now, id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		finished = true
		if final.Message == "" {
			return nil
		}
		final.JobID = id
		if final.Timestamp.IsZero() {
			final.Timestamp = s.now()
		}
		return insertJobLog(ctx, tx, final)
	})
	if err != nil {
		return false, err
	}
	return finished, nil
}

// RecoverInterrupted settles jobs left active by a previous process:
// running jobs fail, cancelling jobs become cancelled. Queued jobs are left
// for the workers. Only the process that owns the home may call it.
func (s *SQLite) RecoverInterrupted(ctx context.Context) (failed, cancelled []string, err error) {
	now := s.now().UnixMilli()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		failed, err = updateReturningIDs(ctx, tx,
			`UPDATE jobs
             SET status = 'failed', error_message = ?, finished_at = ?, updated_at = ?
             WHERE status = 'running'
             RETURNING job_id`,
			model.ErrJobAborted.Error()+": interrupted by restart", now, now,
		)
		if err != nil {
			return err
		}
		cancelled, err = updateReturningIDs(ctx, tx,
			`UPDATE jobs
             SET status = 'cancelled', finished_at = ?, updated_at = ?
             WHERE status = 'cancelling'
             RETURNING job_id`,
			now, now,
		)
		if err != nil {
			return err
		}
		for _, id := range failed {
			e := model.JobLogEntry{JobID: id, Timestamp: s.now(), Level: model.LogError, Message: "Job interrupted by restart"}
			if err := insertJobLog(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, id := range cancelled {
			e := model.JobLogEntry{JobID: id, Timestamp: s.now(), Level: model.LogWarn, Message: "Job cancelled"}
			if err := insertJobLog(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return failed, cancelled, nil
}

func updateReturningIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(sc scanner) (model.Job, error) {
	var (
		job                   model.Job
		statusStr             string
		step, params, result  sql.NullString
		errorMsg              sql.NullString
		cancelRequested       int
		createdMs, updatedMs  int64
		startedMs, finishedMs sql.NullInt64
	)
	err := sc.Scan(&job.ID, &job.Type, &statusStr, &job.Progress, &step, &params, &result, &errorMsg,
		&cancelRequested, &createdMs, &updatedMs, &startedMs, &finishedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	job.Status = model.JobStatus(statusStr)
	job.Step = step.String
	if params.Valid {
		job.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errorMsg.String
	job.CancelRequested = cancelRequested != 0
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.StartedAt = fromMillis(startedMs)
	job.FinishedAt = fromMillis(finishedMs)
	return job, nil
}

// AppendJobLog stores a log line for an active job and returns it with its
// sequence number. Logs of terminal jobs are closed: appending to one yields
// model.ErrJobNotActive.
func (s *SQLite) AppendJobLog(ctx context.Context, e model.JobLogEntry) (model.JobLogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if e.Level == "" {
		e.Level = model.LogInfo
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, ts, level, message, data)
         SELECT ?, ?, ?, ?, ?
         WHERE EXISTS (
           SELECT 1 FROM jobs WHERE job_id = ? AND status IN ('queued', 'running', 'cancelling')
         )`,
		e.JobID, e.Timestamp.UnixMilli(), string(e.Level), e.Message, nullableJSON(e.Data), e.JobID,
	)
	if err != nil {
		return model.JobLogEntry{}, fmt.Errorf("insert job log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.JobLogEntry{}, err
	}
	if n == 0 {
		return model.JobLogEntry{}, fmt.Errorf("%w: %s", model.ErrJobNotActive, e.JobID)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return model.JobLogEntry{}, err
	}
	e.Timestamp = time.UnixMilli(e.Timestamp.UnixMilli()).UTC()
	return e, nil
}

// insertJobLog writes the closing line of a job inside the transaction that
// made it terminal.
func insertJobLog(ctx context.Context, tx *sql.Tx, e model.JobLogEntry) error {
	if e.Level == "" {
		e.Level = model.LogInfo
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, ts, level, message, data) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.Timestamp.UnixMilli(), string(e.Level), e.Message, nullableJSON(e.Data),
	)
	if err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// ListJobLogs returns entries with seq > afterSeq in order.
func (s *SQLite) ListJobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.JobLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, job_id, ts, level, message, data
       FROM job_logs WHERE job_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		jobID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobLogEntry
	for rows.Next() {
		var (
			e     model.JobLogEntry
			tsMs  int64
			level string
			data  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.JobID, &tsMs, &level, &e.Message, &data); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.Level = model.LogLevel(level)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
