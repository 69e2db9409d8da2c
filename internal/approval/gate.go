// Package approval implements the human checkpoint between pipeline
// stages. Decisions travel through the store, never through process
// memory, so a waiter and a decision-recorder survive restarts of either
// side. Timeouts are implicit rejections: a checkpoint that nobody
// answers cancels the job, it never approves it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"reelsmith/internal/store"
)

const (
	defaultTimeout  = 10 * time.Minute
	defaultInterval = 2 * time.Second
	defaultTTL      = 15 * time.Minute
)

// ErrStaleDecision is returned when a decision arrives for a checkpoint
// the orchestrator has not opened.
var ErrStaleDecision = errors.New("no open approval window for stage")

type Gate struct {
	store    *store.Store
	timeout  time.Duration
	interval time.Duration
	ttl      time.Duration
}

type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	TTL      time.Duration
}

func NewGate(s *store.Store, opts Options) *Gate {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.TTL == 0 {
		opts.TTL = defaultTTL
	}
	return &Gate{
		store:    s,
		timeout:  opts.Timeout,
		interval: opts.Interval,
		ttl:      opts.TTL,
	}
}

// Open creates the approval window for a checkpoint. Idempotent: an
// existing window, decided or not, is left untouched.
func (g *Gate) Open(ctx context.Context, jobID string, stage store.ApprovalStage) error {
	return g.store.OpenApproval(ctx, jobID, stage, g.ttl)
}

// AwaitDecision blocks until a terminal decision is recorded for the
// checkpoint, the window expires, or timeout elapses. A zero timeout
// uses the gate default. Timeout and expiry both return cancelled.
// The returned decision is marked consumed, freezing it against later
// overrides.
func (g *Gate) AwaitDecision(ctx context.Context, jobID string, stage store.ApprovalStage, timeout time.Duration) (store.Decision, error) {
	if timeout == 0 {
		timeout = g.timeout
	}
	deadline := time.Now().Add(timeout)

	slog.Info("Waiting for approval", "job_id", jobID, "stage", stage, "timeout", timeout)

	for {
		decision, done, err := g.check(ctx, jobID, stage)
		if err != nil {
			return "", err
		}
		if done {
			return g.consume(ctx, jobID, stage, decision)
		}

		if time.Now().After(deadline) {
			slog.Warn("Approval timed out", "job_id", jobID, "stage", stage)
			return g.consume(ctx, jobID, stage, store.DecisionCancelled)
		}

		select {
		case <-time.After(jitter(g.interval)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// check reads the window once and applies lazy expiry.
func (g *Gate) check(ctx context.Context, jobID string, stage store.ApprovalStage) (store.Decision, bool, error) {
	rec, err := g.store.GetApproval(ctx, jobID, stage)
	if errors.Is(err, store.ErrNotFound) {
		// A hygiene sweep may remove an expired window under the waiter.
		return store.DecisionCancelled, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read approval: %w", err)
	}

	if time.Now().After(rec.ExpiresAt) && rec.Decision == store.DecisionPending {
		slog.Warn("Approval window expired", "job_id", jobID, "stage", stage)
		return store.DecisionCancelled, true, nil
	}
	if rec.Decision != store.DecisionPending {
		return rec.Decision, true, nil
	}
	return "", false, nil
}

func (g *Gate) consume(ctx context.Context, jobID string, stage store.ApprovalStage, decision store.Decision) (store.Decision, error) {
	if err := g.store.ConsumeApproval(ctx, jobID, stage); err != nil {
		return "", err
	}
	slog.Info("Approval decision consumed", "job_id", jobID, "stage", stage, "decision", decision)
	return decision, nil
}

// RecordDecision validates and writes a decision from the outside world.
// Unknown jobs return store.ErrNotFound; a stage without an open window
// returns ErrStaleDecision; writes after the window expired are stale
// too. Duplicates are silent no-ops.
func (g *Gate) RecordDecision(ctx context.Context, jobID string, stage store.ApprovalStage, decision store.Decision) error {
	if _, err := g.store.GetJob(ctx, jobID); err != nil {
		return err
	}

	rec, err := g.store.GetApproval(ctx, jobID, stage)
	if errors.Is(err, store.ErrNotFound) {
		return ErrStaleDecision
	}
	if err != nil {
		return err
	}
	if time.Now().After(rec.ExpiresAt) && rec.Decision == store.DecisionPending {
		return ErrStaleDecision
	}

	applied, err := g.store.RecordDecision(ctx, jobID, stage, decision)
	if err != nil {
		return err
	}
	if !applied {
		slog.Debug("Duplicate decision ignored", "job_id", jobID, "stage", stage, "decision", decision)
	}
	return nil
}

// jitter spreads poll intervals so many waiting jobs do not hit the
// store in lockstep.
func jitter(interval time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(interval) * factor)
}
