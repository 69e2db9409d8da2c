package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateJob inserts a new job in the pending stage.
func (s *Store) CreateJob(ctx context.Context, id, requesterID, channelID, prompt string) (*JobRecord, error) {
	now := time.Now().UTC()
	_, err := s.execWithRetry(ctx, `
		INSERT INTO jobs (id, requester_id, channel_id, prompt, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, requesterID, channelID, prompt, string(StagePending), formatTime(now), formatTime(now))
	if isSQLiteConstraint(err) {
		return nil, fmt.Errorf("job %s: %w", id, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

const jobColumns = `id, requester_id, channel_id, prompt, stage,
	script_text, audio_path, audio_duration,
	final_video_path, final_video_size_mb, final_video_duration,
	failure_kind, failure_stage, failure_segment,
	attempts, created_at, updated_at, completed_at`

func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*JobRecord, error) {
	var (
		job                  JobRecord
		stage                string
		created, updated     string
		completed            sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.RequesterID, &job.ChannelID, &job.Prompt, &stage,
		&job.ScriptText, &job.AudioPath, &job.AudioDuration,
		&job.FinalVideoPath, &job.FinalVideoSizeMB, &job.FinalVideoDuration,
		&job.FailureKind, &job.FailureStage, &job.FailureSegment,
		&job.Attempts, &created, &updated, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Stage = Stage(stage)
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	if completed.Valid {
		t := parseTime(completed.String)
		job.CompletedAt = &t
	}
	return &job, nil
}

// SetStage moves a job to the given stage. Jobs already in a terminal
// stage are immutable; the update affects zero rows and ErrTerminal is
// returned, which also guards against two racing pipeline executions.
func (s *Store) SetStage(ctx context.Context, id string, stage Stage) error {
	completedAt := sql.NullString{}
	if stage.IsTerminal() {
		completedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
	}
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET stage = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		string(stage), completedAt, formatTime(time.Now().UTC()),
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return s.checkJobMutated(ctx, id, res)
}

func (s *Store) SaveScript(ctx context.Context, id, script string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET script_text = ?, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		script, formatTime(time.Now().UTC()),
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return fmt.Errorf("save script: %w", err)
	}
	return s.checkJobMutated(ctx, id, res)
}

func (s *Store) SaveAudio(ctx context.Context, id, path string, duration float64) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET audio_path = ?, audio_duration = ?, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		path, duration, formatTime(time.Now().UTC()),
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return fmt.Errorf("save audio: %w", err)
	}
	return s.checkJobMutated(ctx, id, res)
}

func (s *Store) SaveFinalVideo(ctx context.Context, id, path string, sizeMB, duration float64) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET final_video_path = ?, final_video_size_mb = ?, final_video_duration = ?, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		path, sizeMB, duration, formatTime(time.Now().UTC()),
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return fmt.Errorf("save final video: %w", err)
	}
	return s.checkJobMutated(ctx, id, res)
}

// SetFailure records the classified failure and moves the job to failed
// in one atomic write.
func (s *Store) SetFailure(ctx context.Context, id, kind, stage string, segment int) error {
	now := formatTime(time.Now().UTC())
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET stage = ?, failure_kind = ?, failure_stage = ?, failure_segment = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		string(StageFailed), kind, stage, segment, now, now,
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return fmt.Errorf("set failure: %w", err)
	}
	return s.checkJobMutated(ctx, id, res)
}

// IncrementAttempts bumps the outer retry counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?, ?)`,
		formatTime(time.Now().UTC()),
		id, string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	if err := s.checkJobMutated(ctx, id, res); err != nil {
		return 0, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	return job.Attempts, nil
}

// ClearArtifacts wipes artifact pointers and deletes all segment and
// approval records for the job. Used on cancellation and rejection.
func (s *Store) ClearArtifacts(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM approvals WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("delete approvals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET script_text = '', audio_path = '', audio_duration = 0,
			final_video_path = '', final_video_size_mb = 0, final_video_duration = 0,
			updated_at = ?
		WHERE id = ?`, formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("clear job artifacts: %w", err)
	}
	return tx.Commit()
}

// ListActiveJobs returns jobs not yet in a terminal stage, oldest first.
// Used to resume interrupted pipelines on startup.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE stage NOT IN (?, ?, ?)
		ORDER BY created_at`,
		string(StageCompleted), string(StageCancelled), string(StageFailed))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*JobRecord, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// checkJobMutated distinguishes "job missing" from "job terminal" when an
// update matched no rows.
func (s *Store) checkJobMutated(ctx context.Context, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}
