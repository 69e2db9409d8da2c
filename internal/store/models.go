package store

import "time"

// Stage is the orchestrator-owned lifecycle position of a job.
type Stage string

const (
	StagePending           Stage = "pending"
	StageScriptGenerating  Stage = "script_generating"
	StageScriptApproval    Stage = "script_approval_wait"
	StageImagesGenerating  Stage = "images_generating"
	StageImagesApproval    Stage = "images_approval_wait"
	StageVideosAnimating   Stage = "videos_animating"
	StageVideosApproval    Stage = "videos_approval_wait"
	StageAudioGenerating   Stage = "audio_generating"
	StageAssembling        Stage = "assembling"
	StageCompleted         Stage = "completed"
	StageCancelled         Stage = "cancelled"
	StageFailed            Stage = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageCancelled || s == StageFailed
}

// SegmentStatus tracks how far an individual segment has progressed.
type SegmentStatus string

const (
	SegmentPending              SegmentStatus = "pending"
	SegmentImagePromptReady     SegmentStatus = "image_prompt_ready"
	SegmentImageReady           SegmentStatus = "image_ready"
	SegmentAnimationPromptReady SegmentStatus = "animation_prompt_ready"
	SegmentVideoReady           SegmentStatus = "video_ready"
	SegmentFailed               SegmentStatus = "failed"
)

// ApprovalStage tags which checkpoint an approval record belongs to.
type ApprovalStage string

const (
	ApprovalScript ApprovalStage = "script"
	ApprovalImages ApprovalStage = "images"
	ApprovalVideos ApprovalStage = "videos"
)

// Decision is the recorded human verdict for an approval checkpoint.
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionApproved  Decision = "approved"
	DecisionCancelled Decision = "cancelled"
)

// JobRecord is owned exclusively by the orchestrator; only it mutates
// the stage and artifact pointers.
type JobRecord struct {
	ID          string
	RequesterID string
	ChannelID   string
	Prompt      string
	Stage       Stage

	ScriptText    string
	AudioPath     string
	AudioDuration float64

	FinalVideoPath     string
	FinalVideoSizeMB   float64
	FinalVideoDuration float64

	FailureKind    string
	FailureStage   string
	FailureSegment int

	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// SegmentRecord holds one indexed unit of content plus every intermediate
// artifact its generation produced, so a restarted pipeline can pick up
// where it left off without re-billing external calls.
type SegmentRecord struct {
	JobID     string
	Index     int
	Text      string
	StartTime float64
	EndTime   float64

	ImagePrompt     string
	ImagePath       string
	ImageTaskID     string
	AnimationPrompt string
	VideoPath       string
	VideoTaskID     string

	Status    SegmentStatus
	UpdatedAt time.Time
}

// ApprovalRecord is unique per (job, stage). Reads past ExpiresAt are
// treated as cancelled regardless of the stored decision.
type ApprovalRecord struct {
	JobID     string
	Stage     ApprovalStage
	Decision  Decision
	Consumed  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SegmentCounts summarizes per-status segment progress for status queries.
type SegmentCounts struct {
	Total      int `json:"total"`
	ImageReady int `json:"image_ready"`
	VideoReady int `json:"video_ready"`
	Failed     int `json:"failed"`
}
