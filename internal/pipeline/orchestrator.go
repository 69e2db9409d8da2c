// Package pipeline drives a job through its stage state machine. The
// store is the single source of truth: every transition is persisted
// before the next stage runs, so an interrupted pipeline resumes where
// it stopped instead of re-billing completed external work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"reelsmith/internal/artifacts"
	"reelsmith/internal/faults"
	"reelsmith/internal/script"
	"reelsmith/internal/store"
)

// Orchestrator owns all JobRecord mutations. One Execute call per job
// runs at a time; the store's terminal guard rejects a second writer.
type Orchestrator struct {
	store     *store.Store
	gate      Gate
	generator ScriptGenerator
	pool      SegmentRunner
	tts       SpeechProvider
	assembler Assembler
	workspace *artifacts.Workspace
	mirror    Mirror
	notifier  Notifier

	segmentCount    int
	segmentDuration int
	targetDuration  int
	maxVideoSizeMB  int
	maxRetries      int
}

type OrchestratorOptions struct {
	Store     *store.Store
	Gate      Gate
	Generator ScriptGenerator
	Pool      SegmentRunner
	TTS       SpeechProvider
	Assembler Assembler
	Workspace *artifacts.Workspace
	// Mirror is optional; nil disables the cloud copy.
	Mirror   Mirror
	Notifier Notifier

	SegmentCount    int
	SegmentDuration int
	TargetDuration  int
	MaxVideoSizeMB  int
	MaxRetries      int
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.SegmentCount <= 0 {
		opts.SegmentCount = 48
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 5
	}
	if opts.TargetDuration <= 0 {
		opts.TargetDuration = opts.SegmentCount * opts.SegmentDuration
	}
	if opts.MaxVideoSizeMB <= 0 {
		opts.MaxVideoSizeMB = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	return &Orchestrator{
		store:           opts.Store,
		gate:            opts.Gate,
		generator:       opts.Generator,
		pool:            opts.Pool,
		tts:             opts.TTS,
		assembler:       opts.Assembler,
		workspace:       opts.Workspace,
		mirror:          opts.Mirror,
		notifier:        opts.Notifier,
		segmentCount:    opts.SegmentCount,
		segmentDuration: opts.SegmentDuration,
		targetDuration:  opts.TargetDuration,
		maxVideoSizeMB:  opts.MaxVideoSizeMB,
		maxRetries:      opts.MaxRetries,
	}
}

// transition pairs a stage's work with its successor. Approval stages
// carry the checkpoint tag they wait on.
type transition struct {
	run      func(o *Orchestrator, ctx context.Context, job *store.JobRecord) error
	next     store.Stage
	approval store.ApprovalStage
}

var transitions map[store.Stage]transition

// Assigned in init to break the initialization cycle between the map
// literal and the approval handlers that consult it.
func init() {
	transitions = map[store.Stage]transition{
		store.StagePending: {
			next: store.StageScriptGenerating,
		},
		store.StageScriptGenerating: {
			run:  (*Orchestrator).runScript,
			next: store.StageScriptApproval,
		},
		store.StageScriptApproval: {
			run:      (*Orchestrator).runApproval,
			next:     store.StageImagesGenerating,
			approval: store.ApprovalScript,
		},
		store.StageImagesGenerating: {
			run:  (*Orchestrator).runImages,
			next: store.StageImagesApproval,
		},
		store.StageImagesApproval: {
			run:      (*Orchestrator).runApproval,
			next:     store.StageVideosAnimating,
			approval: store.ApprovalImages,
		},
		store.StageVideosAnimating: {
			run:  (*Orchestrator).runVideos,
			next: store.StageVideosApproval,
		},
		store.StageVideosApproval: {
			run:      (*Orchestrator).runApproval,
			next:     store.StageAudioGenerating,
			approval: store.ApprovalVideos,
		},
		store.StageAudioGenerating: {
			run:  (*Orchestrator).runAudio,
			next: store.StageAssembling,
		},
		store.StageAssembling: {
			run:  (*Orchestrator).runAssembly,
			next: store.StageCompleted,
		},
	}
}

// approvalFor returns the checkpoint tag for an approval stage.
func approvalFor(stage store.Stage) store.ApprovalStage {
	return transitions[stage].approval
}

// Execute runs the pipeline for a job until it reaches a terminal
// stage. Transient and validation failures re-enter the state machine
// up to the outer retry budget; resumability checks inside each stage
// keep re-entry from repeating finished work.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	for {
		err := o.advance(ctx, jobID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Interrupted, not failed; the job resumes on next startup.
			return err
		}
		if faults.IsCancellation(err) {
			return o.cancel(ctx, jobID, err)
		}

		switch faults.KindOf(err) {
		case faults.KindTransient, faults.KindValidation:
			attempts, aerr := o.store.IncrementAttempts(ctx, jobID)
			if aerr == nil && attempts < o.maxRetries {
				slog.Warn("Pipeline attempt failed, retrying",
					"job_id", jobID, "attempt", attempts, "error", err)
				continue
			}
		}
		return o.fail(ctx, jobID, err)
	}
}

// advance walks stages forward until terminal or error.
func (o *Orchestrator) advance(ctx context.Context, jobID string) error {
	for {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return faults.New(faults.KindFatal, err)
		}
		if job.Stage.IsTerminal() {
			return nil
		}

		tr, ok := transitions[job.Stage]
		if !ok {
			return faults.Newf(faults.KindFatal, "no transition from stage %q", job.Stage)
		}

		if tr.run != nil {
			if err := tr.run(o, ctx, job); err != nil {
				return stageError(err, job.Stage)
			}
		}

		if tr.next == store.StageCompleted {
			if err := o.complete(ctx, jobID); err != nil {
				return err
			}
			return nil
		}
		if err := o.store.SetStage(ctx, jobID, tr.next); err != nil {
			return faults.New(faults.KindFatal, err)
		}
		slog.Info("Stage transition", "job_id", jobID, "from", job.Stage, "to", tr.next)
	}
}

func (o *Orchestrator) runScript(ctx context.Context, job *store.JobRecord) error {
	if job.ScriptText != "" {
		slog.Info("Script already generated, skipping", "job_id", job.ID)
		return nil
	}

	text, err := o.generator.GenerateScript(ctx, job.Prompt, o.targetDuration)
	if err != nil {
		return err
	}
	if err := o.store.SaveScript(ctx, job.ID, text); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	o.notifier.JobEvent(ctx, job.ID, EventScriptReady)
	return nil
}

// runApproval opens the checkpoint window if needed and blocks on the
// human decision. Cancellation distinguishes explicit rejection from a
// window that nobody answered.
func (o *Orchestrator) runApproval(ctx context.Context, job *store.JobRecord) error {
	stage := approvalFor(job.Stage)

	if err := o.gate.Open(ctx, job.ID, stage); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	o.notifier.JobEvent(ctx, job.ID, EventAwaitingApproval)

	decision, err := o.gate.AwaitDecision(ctx, job.ID, stage, 0)
	if err != nil {
		return err
	}
	if decision == store.DecisionApproved {
		return nil
	}

	rec, recErr := o.store.GetApproval(ctx, job.ID, stage)
	if recErr == nil && rec.Decision == store.DecisionCancelled {
		return faults.Newf(faults.KindApprovalRejected, "checkpoint %s rejected", stage)
	}
	return faults.Newf(faults.KindApprovalTimeout, "checkpoint %s timed out", stage)
}

func (o *Orchestrator) runImages(ctx context.Context, job *store.JobRecord) error {
	dirs, err := o.workspace.JobDirs(job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}

	if err := o.ensureSegments(ctx, job); err != nil {
		return err
	}
	if err := o.ensureImagePrompts(ctx, job.ID); err != nil {
		return err
	}
	return o.pool.GenerateImages(ctx, job.ID, dirs.Images)
}

func (o *Orchestrator) runVideos(ctx context.Context, job *store.JobRecord) error {
	dirs, err := o.workspace.JobDirs(job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}

	if err := o.ensureAnimationPrompts(ctx, job.ID); err != nil {
		return err
	}
	return o.pool.AnimateImages(ctx, job.ID, dirs.Videos)
}

// ensureSegments splits the script into the fixed segment grid unless
// segments already exist from a previous attempt.
func (o *Orchestrator) ensureSegments(ctx context.Context, job *store.JobRecord) error {
	existing, err := o.store.ListSegments(ctx, job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}
	if len(existing) == o.segmentCount {
		return nil
	}
	if job.ScriptText == "" {
		return faults.Newf(faults.KindFatal, "job %s reached %s without a script", job.ID, job.Stage)
	}

	segments := script.Split(job.ScriptText, o.segmentCount, o.segmentDuration)
	if len(segments) != o.segmentCount {
		return faults.Newf(faults.KindValidation,
			"split produced %d segments, want %d", len(segments), o.segmentCount)
	}
	if err := o.store.CreateSegments(ctx, job.ID, segments); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	return nil
}

func (o *Orchestrator) ensureImagePrompts(ctx context.Context, jobID string) error {
	segments, err := o.store.ListSegments(ctx, jobID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}
	for _, seg := range segments {
		if seg.ImagePrompt != "" {
			continue
		}
		prompt, err := o.generator.ImagePrompt(ctx, seg.Text)
		if err != nil {
			return annotateSegment(err, seg.Index)
		}
		if err := o.store.SetSegmentImagePrompt(ctx, jobID, seg.Index, prompt); err != nil {
			return faults.New(faults.KindFatal, err)
		}
	}
	return nil
}

func (o *Orchestrator) ensureAnimationPrompts(ctx context.Context, jobID string) error {
	segments, err := o.store.ListSegments(ctx, jobID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}
	for _, seg := range segments {
		if seg.AnimationPrompt != "" {
			continue
		}
		prompt, err := o.generator.AnimationPrompt(ctx, seg.Text)
		if err != nil {
			return annotateSegment(err, seg.Index)
		}
		if err := o.store.SetSegmentAnimationPrompt(ctx, jobID, seg.Index, prompt); err != nil {
			return faults.New(faults.KindFatal, err)
		}
	}
	return nil
}

func (o *Orchestrator) runAudio(ctx context.Context, job *store.JobRecord) error {
	if job.AudioPath != "" {
		slog.Info("Narration already generated, skipping", "job_id", job.ID)
		return nil
	}

	dirs, err := o.workspace.JobDirs(job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}

	result, err := o.tts.Synthesize(ctx, job.ScriptText)
	if err != nil {
		return faults.New(faults.KindTransient, err)
	}
	if err := os.WriteFile(dirs.AudioPath(), result.Audio, 0o644); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	if err := o.store.SaveAudio(ctx, job.ID, dirs.AudioPath(), result.Duration); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	return nil
}

func (o *Orchestrator) runAssembly(ctx context.Context, job *store.JobRecord) error {
	if job.FinalVideoPath != "" {
		slog.Info("Final video already assembled, skipping", "job_id", job.ID)
		return nil
	}

	dirs, err := o.workspace.JobDirs(job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}

	segments, err := o.store.ListSegments(ctx, job.ID)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}
	clips := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.VideoPath == "" {
			return faults.Newf(faults.KindFatal,
				"segment %d has no clip at assembly", seg.Index).AtSegment(seg.Index)
		}
		clips = append(clips, seg.VideoPath)
	}

	if err := o.assembler.Concatenate(ctx, clips, dirs.SilentPath()); err != nil {
		return err
	}
	if err := o.assembler.MuxAudio(ctx, dirs.SilentPath(), job.AudioPath, dirs.FinalPath()); err != nil {
		return err
	}

	finalPath := dirs.FinalPath()
	sizeMB, err := o.assembler.FileSizeMB(finalPath)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}
	if sizeMB > float64(o.maxVideoSizeMB) {
		slog.Info("Final video over size cap, compressing",
			"job_id", job.ID, "size_mb", sizeMB, "cap_mb", o.maxVideoSizeMB)
		if err := o.assembler.Compress(ctx, finalPath, dirs.CompressedPath(), o.maxVideoSizeMB); err != nil {
			return err
		}
		finalPath = dirs.CompressedPath()
		if sizeMB, err = o.assembler.FileSizeMB(finalPath); err != nil {
			return faults.New(faults.KindFatal, err)
		}
		if sizeMB > float64(o.maxVideoSizeMB) {
			return faults.Newf(faults.KindResourceExhausted,
				"compressed video still %.1fMB over %dMB cap", sizeMB, o.maxVideoSizeMB)
		}
	}

	duration, err := o.assembler.VideoDuration(ctx, finalPath)
	if err != nil {
		return faults.New(faults.KindFatal, err)
	}

	if o.mirror != nil {
		url, err := o.mirror.Upload(ctx, job.ID, finalPath)
		if err != nil {
			// The local artifact is authoritative; the mirror is best effort.
			slog.Error("Mirror upload failed", "job_id", job.ID, "error", err)
		} else {
			slog.Info("Final video mirrored", "job_id", job.ID, "url", url)
		}
	}

	if err := o.store.SaveFinalVideo(ctx, job.ID, finalPath, sizeMB, duration); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, jobID string) error {
	if err := o.store.SetStage(ctx, jobID, store.StageCompleted); err != nil {
		return faults.New(faults.KindFatal, err)
	}
	o.notifier.JobEvent(ctx, jobID, EventCompleted)
	slog.Info("Job completed", "job_id", jobID)
	return nil
}

// cancel moves the job to cancelled and removes everything it produced:
// segment and approval records, artifact pointers, the work tree and
// any mirrored copies.
func (o *Orchestrator) cancel(ctx context.Context, jobID string, cause error) error {
	slog.Info("Cancelling job", "job_id", jobID, "cause", cause)

	if err := o.store.SetStage(ctx, jobID, store.StageCancelled); err != nil && !errors.Is(err, store.ErrTerminal) {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if err := o.store.ClearArtifacts(ctx, jobID); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	if err := o.workspace.Cleanup(jobID); err != nil {
		slog.Error("Workspace cleanup failed", "job_id", jobID, "error", err)
	}
	if o.mirror != nil {
		if err := o.mirror.DeleteJobObjects(ctx, jobID); err != nil {
			slog.Error("Mirror cleanup failed", "job_id", jobID, "error", err)
		}
	}
	o.notifier.JobEvent(ctx, jobID, EventCancelled)
	return nil
}

// fail records the classification and failing position, then moves the
// job to failed. Segment records and artifacts are retained for
// diagnostics.
func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	kind := faults.KindOf(cause)
	stage, segment := failurePosition(cause)
	slog.Error("Job failed", "job_id", jobID, "kind", kind, "stage", stage,
		"segment", segment, "error", cause)

	if err := o.store.SetFailure(ctx, jobID, string(kind), stage, segment); err != nil && !errors.Is(err, store.ErrTerminal) {
		return fmt.Errorf("mark failed: %w", err)
	}
	o.notifier.JobEvent(ctx, jobID, EventFailed)
	return cause
}

func stageError(err error, stage store.Stage) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.AtStage(string(stage))
	}
	return faults.New(faults.KindFatal, err).AtStage(string(stage))
}

func annotateSegment(err error, index int) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.AtSegment(index)
	}
	return faults.New(faults.KindFatal, err).AtSegment(index)
}

func failurePosition(err error) (string, int) {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.Stage, fe.Segment
	}
	return "", -1
}
