// Package mediatask drives asynchronous third-party generation tasks
// through a submit/poll/fetch protocol. The Runner retries the whole
// cycle on failure, so a task that dies upstream costs one more
// submission, never a stuck pipeline.
package mediatask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reelsmith/internal/faults"
)

// Status is the lifecycle of one external task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the task will make no further progress.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// TaskKind selects which generation endpoint a request targets.
type TaskKind string

const (
	KindImage     TaskKind = "image"
	KindAnimation TaskKind = "animation"
)

// TaskRequest describes one unit of external work.
type TaskRequest struct {
	Kind   TaskKind
	Prompt string
	// ImagePath is the source frame for animation requests.
	ImagePath string
}

// Client is one external generation service. Implementations must be
// safe for concurrent use: pool workers share a single client.
type Client interface {
	Submit(ctx context.Context, req TaskRequest) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (Status, error)
	Fetch(ctx context.Context, taskID string) ([]byte, error)
}

var (
	// ErrTaskTimeout means the task did not reach a terminal status
	// within the polling window.
	ErrTaskTimeout = errors.New("external task timed out")
	// ErrTaskFailed means the upstream reported explicit failure.
	ErrTaskFailed = errors.New("external task failed upstream")
)

// Runner drives a Client through bounded polling with whole-cycle
// retries. It holds no mutable state, so one Runner serves any number of
// concurrent workers.
type Runner struct {
	client       Client
	pollInterval time.Duration
	timeout      time.Duration
	maxRetries   int
	backoff      time.Duration
}

type RunnerOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// MaxRetries bounds re-runs of the full cycle after the initial
	// attempt: the cycle runs at most MaxRetries+1 times.
	MaxRetries int
	Backoff    time.Duration
}

func NewRunner(client Client, opts RunnerOptions) *Runner {
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.Backoff == 0 {
		opts.Backoff = 5 * time.Second
	}
	return &Runner{
		client:       client,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		maxRetries:   opts.MaxRetries,
		backoff:      opts.Backoff,
	}
}

// Result carries the artifact plus the upstream task id that produced
// it, for diagnostics and billing reconciliation.
type Result struct {
	TaskID   string
	Artifact []byte
}

// SubmitAndWait runs the full submit→poll→fetch cycle: one initial
// attempt plus up to maxRetries re-runs, with linear backoff between
// them. The returned error is classified transient and distinguishes
// timeout from explicit upstream failure through errors.Is.
func (r *Runner) SubmitAndWait(ctx context.Context, req TaskRequest) (*Result, error) {
	var lastErr error
	attempts := r.maxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			// Linear backoff: attempt n waits (n-1) * backoff.
			wait := time.Duration(attempt-1) * r.backoff
			slog.Info("Retrying external task", "kind", req.Kind, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := r.runOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		slog.Warn("External task attempt failed", "kind", req.Kind, "attempt", attempt, "error", err)
	}

	return nil, faults.New(faults.KindTransient,
		fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

func (r *Runner) runOnce(ctx context.Context, req TaskRequest) (*Result, error) {
	taskID, err := r.client.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if err := r.waitTerminal(ctx, taskID); err != nil {
		return nil, err
	}

	artifact, err := r.client.Fetch(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", taskID, err)
	}
	return &Result{TaskID: taskID, Artifact: artifact}, nil
}

func (r *Runner) waitTerminal(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(r.timeout)

	for {
		status, err := r.client.Poll(ctx, taskID)
		if err != nil {
			return fmt.Errorf("poll %s: %w", taskID, err)
		}

		switch status {
		case StatusSucceeded:
			return nil
		case StatusFailed:
			return fmt.Errorf("task %s: %w", taskID, ErrTaskFailed)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("task %s after %v: %w", taskID, r.timeout, ErrTaskTimeout)
		}

		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
