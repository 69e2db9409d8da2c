package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"reelsmith/internal/approval"
	"reelsmith/internal/store"
)

// Service is the application surface: it owns job submission, decision
// recording and status queries, and runs one pipeline execution per
// active job.
type Service struct {
	store        *store.Store
	gate         *approval.Gate
	orchestrator *Orchestrator

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewService(st *store.Store, gate *approval.Gate, orchestrator *Orchestrator) *Service {
	return &Service{
		store:        st,
		gate:         gate,
		orchestrator: orchestrator,
		running:      make(map[string]struct{}),
	}
}

// Submit persists a new job and starts its pipeline in the background.
// Returns as soon as the job is durable.
func (s *Service) Submit(ctx context.Context, id, requesterID, channelID, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, err := s.store.CreateJob(ctx, id, requesterID, channelID, prompt); err != nil {
		return err
	}
	s.spawn(id)
	return nil
}

// RecordDecision validates and records a human approval decision.
func (s *Service) RecordDecision(ctx context.Context, jobID string, stage store.ApprovalStage, decision store.Decision) error {
	return s.gate.RecordDecision(ctx, jobID, stage, decision)
}

// ResumeActive restarts the pipeline for every job that was mid-flight
// when the process last stopped.
func (s *Service) ResumeActive(ctx context.Context) error {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		slog.Info("Resuming job", "job_id", job.ID, "stage", job.Stage)
		s.spawn(job.ID)
	}
	return nil
}

// spawn runs the orchestrator for a job unless one is already running.
func (s *Service) spawn(jobID string) {
	s.mu.Lock()
	if _, ok := s.running[jobID]; ok {
		s.mu.Unlock()
		return
	}
	s.running[jobID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
		}()

		if err := s.orchestrator.Execute(context.Background(), jobID); err != nil {
			slog.Error("Pipeline execution ended with error", "job_id", jobID, "error", err)
		}
	}()
}

// Wait blocks until all running pipelines finish. For shutdown and
// tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Status is the externally visible snapshot of one job.
type Status struct {
	JobID    string              `json:"job_id"`
	Stage    store.Stage         `json:"stage"`
	Segments store.SegmentCounts `json:"segments"`

	FinalVideoPath     string  `json:"final_video_path,omitempty"`
	FinalVideoSizeMB   float64 `json:"final_video_size_mb,omitempty"`
	FinalVideoDuration float64 `json:"final_video_duration,omitempty"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureStage   string `json:"failure_stage,omitempty"`
	FailureSegment *int   `json:"failure_segment,omitempty"`
}

// Status reports the current stage, per-segment completion counts and,
// for terminal jobs, the outcome details.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountSegments(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		JobID:    job.ID,
		Stage:    job.Stage,
		Segments: counts,
	}
	if job.Stage == store.StageCompleted {
		status.FinalVideoPath = job.FinalVideoPath
		status.FinalVideoSizeMB = job.FinalVideoSizeMB
		status.FinalVideoDuration = job.FinalVideoDuration
	}
	if job.Stage == store.StageFailed {
		status.FailureKind = job.FailureKind
		status.FailureStage = job.FailureStage
		if job.FailureSegment >= 0 {
			seg := job.FailureSegment
			status.FailureSegment = &seg
		}
	}
	return status, nil
}
