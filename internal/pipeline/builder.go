package pipeline

import (
	"context"
	"fmt"

	"reelsmith/internal/approval"
	"reelsmith/internal/artifacts"
	"reelsmith/internal/assembly"
	"reelsmith/internal/mediatask"
	"reelsmith/internal/script"
	"reelsmith/internal/segmentpool"
	"reelsmith/internal/speech"
	"reelsmith/internal/store"
	"reelsmith/pkg/config"
	"reelsmith/pkg/prompts"
)

// BuildResult carries the wired service plus the handles a caller must
// close on shutdown.
type BuildResult struct {
	Service *Service
	Store   *store.Store
	Mirror  *artifacts.GCSMirror
}

func (b *BuildResult) Close() error {
	if b.Mirror != nil {
		_ = b.Mirror.Close()
	}
	return b.Store.Close()
}

// BuildService wires every collaborator from config.
func BuildService(ctx context.Context, cfg *config.Config, notifier Notifier) (*BuildResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	p, err := prompts.Load()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var llm script.LLM
	if cfg.GroqAPIKey != "" {
		llm, err = script.NewGroqLLM(cfg.GroqAPIKey, cfg.Groq.Model)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	generator := script.NewGenerator(llm, p, cfg.Groq.PromptRetries)

	runway := mediatask.NewRunwayClient(mediatask.RunwayConfig{
		APIKey:          cfg.RunwayAPIKey,
		BaseURL:         cfg.Runway.BaseURL,
		Model:           cfg.Runway.Model,
		ImageWidth:      cfg.Runway.ImageWidth,
		ImageHeight:     cfg.Runway.ImageHeight,
		DurationSeconds: cfg.Pipeline.SegmentDurationSeconds,
	})
	runner := mediatask.NewRunner(runway, mediatask.RunnerOptions{
		PollInterval: cfg.TaskPollInterval(),
		Timeout:      cfg.TaskTimeout(),
		MaxRetries:   cfg.Runway.MaxRetries,
	})
	pool := segmentpool.New(st, runner, segmentpool.Options{
		Concurrency:   cfg.Pool.Concurrency,
		ProgressEvery: cfg.Pool.ProgressEvery,
	})

	tts := speech.NewElevenLabsClient(cfg.TTSAPIKey, speech.ElevenLabsOptions{
		BaseURL: cfg.TTS.BaseURL,
		VoiceID: cfg.TTS.VoiceID,
		Model:   cfg.TTS.Model,
	})

	workspace, err := artifacts.NewWorkspace(cfg.Storage.WorkDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var mirror *artifacts.GCSMirror
	if cfg.GCS.Enabled {
		if cfg.GCSBucket == "" {
			_ = st.Close()
			return nil, fmt.Errorf("gcs mirror enabled but GCS_BUCKET is not set")
		}
		mirror, err = artifacts.NewGCSMirror(ctx, cfg.GCSBucket, cfg.GCS.VideoDir)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	gate := approval.NewGate(st, approval.Options{
		Timeout:  cfg.ApprovalTimeout(),
		Interval: cfg.ApprovalInterval(),
		TTL:      cfg.ApprovalTTL(),
	})

	opts := OrchestratorOptions{
		Store:           st,
		Gate:            gate,
		Generator:       generator,
		Pool:            pool,
		TTS:             tts,
		Assembler:       assembly.New(assembly.Options{}),
		Workspace:       workspace,
		Notifier:        notifier,
		SegmentCount:    cfg.SegmentCount(),
		SegmentDuration: cfg.Pipeline.SegmentDurationSeconds,
		TargetDuration:  cfg.Pipeline.TargetDurationSeconds,
		MaxVideoSizeMB:  cfg.Pipeline.MaxVideoSizeMB,
		MaxRetries:      cfg.Pipeline.MaxRetries,
	}
	if mirror != nil {
		opts.Mirror = mirror
	}

	return &BuildResult{
		Service: NewService(st, gate, NewOrchestrator(opts)),
		Store:   st,
		Mirror:  mirror,
	}, nil
}
