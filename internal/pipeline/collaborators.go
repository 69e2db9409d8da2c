package pipeline

import (
	"context"
	"log/slog"
	"time"

	"reelsmith/internal/speech"
	"reelsmith/internal/store"
)

// Gate is the approval checkpoint surface the orchestrator drives.
// Satisfied by *approval.Gate.
type Gate interface {
	Open(ctx context.Context, jobID string, stage store.ApprovalStage) error
	AwaitDecision(ctx context.Context, jobID string, stage store.ApprovalStage, timeout time.Duration) (store.Decision, error)
}

// ScriptGenerator produces the narration script and per-segment
// generation prompts. Satisfied by *script.Generator.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, topic string, durationSeconds int) (string, error)
	ImagePrompt(ctx context.Context, segmentText string) (string, error)
	AnimationPrompt(ctx context.Context, segmentText string) (string, error)
}

// SegmentRunner fans segment generation out over external tasks.
// Satisfied by *segmentpool.Pool.
type SegmentRunner interface {
	GenerateImages(ctx context.Context, jobID, imagesDir string) error
	AnimateImages(ctx context.Context, jobID, videosDir string) error
}

// SpeechProvider matches speech.Provider.
type SpeechProvider interface {
	Synthesize(ctx context.Context, text string) (*speech.Result, error)
}

// Assembler is the media muxing surface. Satisfied by
// *assembly.Assembler.
type Assembler interface {
	Concatenate(ctx context.Context, clipPaths []string, outputPath string) error
	MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error
	Compress(ctx context.Context, inputPath, outputPath string, maxSizeMB int) error
	VideoDuration(ctx context.Context, path string) (float64, error)
	FileSizeMB(path string) (float64, error)
}

// Mirror is the optional cloud copy of finished videos. Satisfied by
// *artifacts.GCSMirror.
type Mirror interface {
	Upload(ctx context.Context, jobID, localPath string) (string, error)
	DeleteJobObjects(ctx context.Context, jobID string) error
}

// Notifier receives job lifecycle events for delivery to the requester.
// The pipeline never blocks on it.
type Notifier interface {
	JobEvent(ctx context.Context, jobID, event string)
}

const (
	EventScriptReady      = "script_ready"
	EventAwaitingApproval = "awaiting_approval"
	EventCompleted        = "completed"
	EventCancelled        = "cancelled"
	EventFailed           = "failed"
)

// LogNotifier is the default Notifier; it only logs.
type LogNotifier struct{}

func (LogNotifier) JobEvent(_ context.Context, jobID, event string) {
	slog.Info("Job event", "job_id", jobID, "event", event)
}
