package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath       = "config.yaml"
	defaultDataDir          = "./data"
	defaultWorkDir          = "./work"
	defaultListenAddr       = ":8080"
	defaultGroqModel        = "llama-3.3-70b-versatile"
	defaultRunwayBaseURL    = "https://api.runwayml.com/v1"
	defaultRunwayModel      = "gen3"
	defaultTTSBaseURL       = "https://api.elevenlabs.io/v1"
	defaultTTSVoice         = "JBFqnCBsd6RMkjVDRZzb"
	defaultTTSModel         = "eleven_flash_v2_5"
	defaultApprovalTimeout  = 600
	defaultApprovalInterval = 2
	defaultApprovalTTL      = 900
	defaultTaskTimeout      = 300
	defaultTaskPollInterval = 5
	defaultTaskRetries      = 2
	defaultPoolConcurrency  = 3
	defaultProgressEvery    = 5
	defaultPipelineRetries  = 3
	defaultTargetDuration   = 240
	defaultSegmentDuration  = 5
	defaultMaxVideoSizeMB   = 50
	defaultPromptRetries    = 3
	defaultImageWidth       = 1920
	defaultImageHeight      = 1080
	defaultGCSFinalVideoDir = "videos"
)

type Config struct {
	GroqAPIKey   string
	RunwayAPIKey string
	TTSAPIKey    string
	GCSBucket    string

	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Groq     GroqConfig     `yaml:"groq"`
	Runway   RunwayConfig   `yaml:"runway"`
	TTS      TTSConfig      `yaml:"tts"`
	Approval ApprovalConfig `yaml:"approval"`
	Pool     PoolConfig     `yaml:"pool"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	GCS      GCSConfig      `yaml:"gcs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // sqlite database location
	WorkDir string `yaml:"work_dir"` // per-job artifact directories
}

type GroqConfig struct {
	Model         string `yaml:"model"`
	PromptRetries int    `yaml:"prompt_retries"`
}

type RunwayConfig struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	ImageWidth   int    `yaml:"image_width"`
	ImageHeight  int    `yaml:"image_height"`
	PollInterval int    `yaml:"poll_interval_seconds"`
	TaskTimeout  int    `yaml:"task_timeout_seconds"`
	MaxRetries   int    `yaml:"max_retries"`
}

type TTSConfig struct {
	BaseURL string `yaml:"base_url"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
}

type ApprovalConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	IntervalSeconds int `yaml:"interval_seconds"`
	TTLSeconds      int `yaml:"ttl_seconds"`
}

type PoolConfig struct {
	Concurrency   int `yaml:"concurrency"`
	ProgressEvery int `yaml:"progress_every"`
}

type PipelineConfig struct {
	TargetDurationSeconds  int `yaml:"target_duration_seconds"`
	SegmentDurationSeconds int `yaml:"segment_duration_seconds"`
	MaxVideoSizeMB         int `yaml:"max_video_size_mb"`
	MaxRetries             int `yaml:"max_retries"`
}

type GCSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	VideoDir string `yaml:"video_dir"`
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GroqAPIKey:   os.Getenv("GROQ_API_KEY"),
		RunwayAPIKey: os.Getenv("RUNWAY_API_KEY"),
		TTSAPIKey:    os.Getenv("ELEVENLABS_API_KEY"),
		GCSBucket:    os.Getenv("GCS_BUCKET"),
	}

	loadYAMLConfig(cfg)
	applyDefaults(cfg)

	return cfg
}

// Validate checks the keys the pipeline cannot run without. The GCS
// bucket is only required when the mirror is enabled.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"GROQ_API_KEY", c.GroqAPIKey},
		{"RUNWAY_API_KEY", c.RunwayAPIKey},
		{"ELEVENLABS_API_KEY", c.TTSAPIKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required environment variable: %s", r.name)
		}
	}
	if c.GCS.Enabled && c.GCSBucket == "" {
		return fmt.Errorf("gcs mirror enabled but GCS_BUCKET is not set")
	}
	return nil
}

// SegmentCount derives the number of segments from the target and
// per-segment durations.
func (c *Config) SegmentCount() int {
	return c.Pipeline.TargetDurationSeconds / c.Pipeline.SegmentDurationSeconds
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

func (c *Config) ApprovalInterval() time.Duration {
	return time.Duration(c.Approval.IntervalSeconds) * time.Second
}

func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approval.TTLSeconds) * time.Second
}

func (c *Config) TaskPollInterval() time.Duration {
	return time.Duration(c.Runway.PollInterval) * time.Second
}

func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Runway.TaskTimeout) * time.Second
}

func loadYAMLConfig(cfg *Config) {
	data, err := os.ReadFile(defaultConfigPath)
	if err != nil {
		slog.Debug("No config.yaml found, using defaults")
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Error("Failed to parse config.yaml", "error", err)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir
	}
	if cfg.Storage.WorkDir == "" {
		cfg.Storage.WorkDir = defaultWorkDir
	}
	applyGroqDefaults(cfg)
	applyRunwayDefaults(cfg)
	applyTTSDefaults(cfg)
	applyApprovalDefaults(cfg)
	applyPoolDefaults(cfg)
	applyPipelineDefaults(cfg)
	if cfg.GCS.VideoDir == "" {
		cfg.GCS.VideoDir = defaultGCSFinalVideoDir
	}
}

func applyGroqDefaults(cfg *Config) {
	if cfg.Groq.Model == "" {
		cfg.Groq.Model = defaultGroqModel
	}
	if cfg.Groq.PromptRetries == 0 {
		cfg.Groq.PromptRetries = defaultPromptRetries
	}
}

func applyRunwayDefaults(cfg *Config) {
	if cfg.Runway.BaseURL == "" {
		cfg.Runway.BaseURL = defaultRunwayBaseURL
	}
	if cfg.Runway.Model == "" {
		cfg.Runway.Model = defaultRunwayModel
	}
	if cfg.Runway.ImageWidth == 0 {
		cfg.Runway.ImageWidth = defaultImageWidth
	}
	if cfg.Runway.ImageHeight == 0 {
		cfg.Runway.ImageHeight = defaultImageHeight
	}
	if cfg.Runway.PollInterval == 0 {
		cfg.Runway.PollInterval = defaultTaskPollInterval
	}
	if cfg.Runway.TaskTimeout == 0 {
		cfg.Runway.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Runway.MaxRetries == 0 {
		cfg.Runway.MaxRetries = defaultTaskRetries
	}
}

func applyTTSDefaults(cfg *Config) {
	if cfg.TTS.BaseURL == "" {
		cfg.TTS.BaseURL = defaultTTSBaseURL
	}
	if cfg.TTS.VoiceID == "" {
		cfg.TTS.VoiceID = defaultTTSVoice
	}
	if cfg.TTS.Model == "" {
		cfg.TTS.Model = defaultTTSModel
	}
}

func applyApprovalDefaults(cfg *Config) {
	if cfg.Approval.TimeoutSeconds == 0 {
		cfg.Approval.TimeoutSeconds = defaultApprovalTimeout
	}
	if cfg.Approval.IntervalSeconds == 0 {
		cfg.Approval.IntervalSeconds = defaultApprovalInterval
	}
	if cfg.Approval.TTLSeconds == 0 {
		cfg.Approval.TTLSeconds = defaultApprovalTTL
	}
}

func applyPoolDefaults(cfg *Config) {
	if cfg.Pool.Concurrency == 0 {
		cfg.Pool.Concurrency = defaultPoolConcurrency
	}
	if cfg.Pool.ProgressEvery == 0 {
		cfg.Pool.ProgressEvery = defaultProgressEvery
	}
}

func applyPipelineDefaults(cfg *Config) {
	if cfg.Pipeline.TargetDurationSeconds == 0 {
		cfg.Pipeline.TargetDurationSeconds = defaultTargetDuration
	}
	if cfg.Pipeline.SegmentDurationSeconds == 0 {
		cfg.Pipeline.SegmentDurationSeconds = defaultSegmentDuration
	}
	if cfg.Pipeline.MaxVideoSizeMB == 0 {
		cfg.Pipeline.MaxVideoSizeMB = defaultMaxVideoSizeMB
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = defaultPipelineRetries
	}
}
