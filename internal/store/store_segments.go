package store

import (
	"context"
	"fmt"
	"time"
)

// CreateSegments inserts the full contiguous segment set for a job in one
// transaction. Replaces any existing rows so a retried split stays
// idempotent.
func (s *Store) CreateSegments(ctx context.Context, jobID string, segments []SegmentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin segments tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}

	now := formatTime(time.Now().UTC())
	for _, seg := range segments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segments (job_id, idx, text, start_time, end_time, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			jobID, seg.Index, seg.Text, seg.StartTime, seg.EndTime, string(SegmentPending), now); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}
	return tx.Commit()
}

// ListSegments returns a job's segments ordered by index.
func (s *Store) ListSegments(ctx context.Context, jobID string) ([]SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, idx, text, start_time, end_time,
			image_prompt, image_path, image_task_id,
			animation_prompt, video_path, video_task_id,
			status, updated_at
		FROM segments WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []SegmentRecord
	for rows.Next() {
		var (
			seg     SegmentRecord
			status  string
			updated string
		)
		if err := rows.Scan(
			&seg.JobID, &seg.Index, &seg.Text, &seg.StartTime, &seg.EndTime,
			&seg.ImagePrompt, &seg.ImagePath, &seg.ImageTaskID,
			&seg.AnimationPrompt, &seg.VideoPath, &seg.VideoTaskID,
			&status, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Status = SegmentStatus(status)
		seg.UpdatedAt = parseTime(updated)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SetSegmentImagePrompt persists a generated image prompt.
func (s *Store) SetSegmentImagePrompt(ctx context.Context, jobID string, index int, prompt string) error {
	return s.updateSegment(ctx, jobID, index, `
		UPDATE segments SET image_prompt = ?, status = ?, updated_at = ?
		WHERE job_id = ? AND idx = ?`,
		prompt, string(SegmentImagePromptReady), formatTime(time.Now().UTC()), jobID, index)
}

// SetSegmentImage records a completed image artifact and the external
// task that produced it.
func (s *Store) SetSegmentImage(ctx context.Context, jobID string, index int, path, taskID string) error {
	return s.updateSegment(ctx, jobID, index, `
		UPDATE segments SET image_path = ?, image_task_id = ?, status = ?, updated_at = ?
		WHERE job_id = ? AND idx = ?`,
		path, taskID, string(SegmentImageReady), formatTime(time.Now().UTC()), jobID, index)
}

// SetSegmentAnimationPrompt persists a generated animation prompt.
func (s *Store) SetSegmentAnimationPrompt(ctx context.Context, jobID string, index int, prompt string) error {
	return s.updateSegment(ctx, jobID, index, `
		UPDATE segments SET animation_prompt = ?, status = ?, updated_at = ?
		WHERE job_id = ? AND idx = ?`,
		prompt, string(SegmentAnimationPromptReady), formatTime(time.Now().UTC()), jobID, index)
}

// SetSegmentVideo records a completed animation artifact.
func (s *Store) SetSegmentVideo(ctx context.Context, jobID string, index int, path, taskID string) error {
	return s.updateSegment(ctx, jobID, index, `
		UPDATE segments SET video_path = ?, video_task_id = ?, status = ?, updated_at = ?
		WHERE job_id = ? AND idx = ?`,
		path, taskID, string(SegmentVideoReady), formatTime(time.Now().UTC()), jobID, index)
}

// SetSegmentFailed marks a segment whose generation budget is exhausted.
func (s *Store) SetSegmentFailed(ctx context.Context, jobID string, index int) error {
	return s.updateSegment(ctx, jobID, index, `
		UPDATE segments SET status = ?, updated_at = ?
		WHERE job_id = ? AND idx = ?`,
		string(SegmentFailed), formatTime(time.Now().UTC()), jobID, index)
}

func (s *Store) updateSegment(ctx context.Context, jobID string, index int, query string, args ...any) error {
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update segment %d: %w", index, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("segment %s/%d: %w", jobID, index, ErrNotFound)
	}
	return nil
}

// CountSegments summarizes per-status progress for a job.
func (s *Store) CountSegments(ctx context.Context, jobID string) (SegmentCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(1) FROM segments WHERE job_id = ? GROUP BY status", jobID)
	if err != nil {
		return SegmentCounts{}, fmt.Errorf("count segments: %w", err)
	}
	defer rows.Close()

	var counts SegmentCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return SegmentCounts{}, fmt.Errorf("scan count: %w", err)
		}
		counts.Total += n
		switch SegmentStatus(status) {
		case SegmentImageReady, SegmentAnimationPromptReady:
			counts.ImageReady += n
		case SegmentVideoReady:
			counts.ImageReady += n
			counts.VideoReady += n
		case SegmentFailed:
			counts.Failed += n
		}
	}
	return counts, rows.Err()
}
