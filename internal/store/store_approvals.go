package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OpenApproval creates the pending approval record for a checkpoint. The
// insert is a no-op if the record already exists, so re-entering an
// approval stage after a crash neither resets the window nor discards a
// decision that already arrived.
func (s *Store) OpenApproval(ctx context.Context, jobID string, stage ApprovalStage, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.execWithRetry(ctx, `
		INSERT INTO approvals (job_id, stage, decision, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, stage) DO NOTHING`,
		jobID, string(stage), string(DecisionPending), formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("open approval: %w", err)
	}
	return nil
}

// GetApproval fetches the approval record for a (job, stage) pair.
func (s *Store) GetApproval(ctx context.Context, jobID string, stage ApprovalStage) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, stage, decision, consumed, created_at, expires_at
		FROM approvals WHERE job_id = ? AND stage = ?`, jobID, string(stage))

	var (
		rec              ApprovalRecord
		stageStr         string
		decision         string
		consumed         int
		created, expires string
	)
	err := row.Scan(&rec.JobID, &stageStr, &decision, &consumed, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	rec.Stage = ApprovalStage(stageStr)
	rec.Decision = Decision(decision)
	rec.Consumed = consumed != 0
	rec.CreatedAt = parseTime(created)
	rec.ExpiresAt = parseTime(expires)
	return &rec, nil
}

// RecordDecision writes a terminal decision. The write only lands while
// the stored decision is still pending and unconsumed, which makes
// duplicate acknowledgments and post-consumption overrides no-ops. The
// returned bool reports whether this call changed the record.
func (s *Store) RecordDecision(ctx context.Context, jobID string, stage ApprovalStage, decision Decision) (bool, error) {
	if decision != DecisionApproved && decision != DecisionCancelled {
		return false, fmt.Errorf("decision %q is not terminal", decision)
	}
	res, err := s.execWithRetry(ctx, `
		UPDATE approvals SET decision = ?
		WHERE job_id = ? AND stage = ? AND decision = ? AND consumed = 0`,
		string(decision), jobID, string(stage), string(DecisionPending))
	if err != nil {
		return false, fmt.Errorf("record decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a duplicate from a decision for a window that was
	// never opened.
	if _, err := s.GetApproval(ctx, jobID, stage); err != nil {
		return false, err
	}
	return false, nil
}

// ConsumeApproval marks a terminal decision as acted upon by the waiting
// pipeline, freezing it against later overrides.
func (s *Store) ConsumeApproval(ctx context.Context, jobID string, stage ApprovalStage) error {
	_, err := s.execWithRetry(ctx,
		"UPDATE approvals SET consumed = 1 WHERE job_id = ? AND stage = ?",
		jobID, string(stage))
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	return nil
}

// PruneExpiredApprovals removes records past their TTL. Expiry is
// enforced lazily on read; this exists purely for storage hygiene.
func (s *Store) PruneExpiredApprovals(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		"DELETE FROM approvals WHERE expires_at < ? AND consumed = 0 AND decision = ?",
		formatTime(time.Now().UTC()), string(DecisionPending))
	if err != nil {
		return 0, fmt.Errorf("prune approvals: %w", err)
	}
	return res.RowsAffected()
}
