package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"reelsmith/pkg/httputil"
)

const synthesizeTimeout = 120 * time.Second

type elevenlabsRequest struct {
	Text          string                `json:"text"`
	ModelID       string                `json:"model_id"`
	VoiceSettings elevenlabsVoiceConfig `json:"voice_settings"`
}

type elevenlabsVoiceConfig struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenlabsTimestampResponse struct {
	AudioBase64 string              `json:"audio_base64"`
	Alignment   elevenlabsAlignment `json:"alignment"`
}

type elevenlabsAlignment struct {
	Characters        []string  `json:"characters"`
	CharacterEndTimes []float64 `json:"character_end_times_seconds"`
}

type elevenlabsErrorResponse struct {
	Detail struct {
		Message string `json:"message"`
	} `json:"detail"`
}

// ElevenLabsClient implements Provider using the ElevenLabs API.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	model      string
	stability  float64
	similarity float64
	httpClient *httputil.RetryClient
}

type ElevenLabsOptions struct {
	BaseURL    string
	VoiceID    string
	Model      string
	Stability  float64
	Similarity float64
	HTTPClient *http.Client
}

func NewElevenLabsClient(apiKey string, opts ElevenLabsOptions) *ElevenLabsClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.elevenlabs.io/v1"
	}
	if opts.Stability == 0 {
		opts.Stability = 0.5
	}
	if opts.Similarity == 0 {
		opts.Similarity = 0.75
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: synthesizeTimeout}
	}

	return &ElevenLabsClient{
		apiKey:     apiKey,
		baseURL:    opts.BaseURL,
		voiceID:    opts.VoiceID,
		model:      opts.Model,
		stability:  opts.Stability,
		similarity: opts.Similarity,
		httpClient: httputil.NewRetryClient(httpClient, httputil.DefaultRetryConfig()),
	}
}

// Synthesize generates narration with timestamps; the last character end
// time doubles as the audio duration.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) (*Result, error) {
	reqBody := elevenlabsRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: elevenlabsVoiceConfig{
			Stability:       c.stability,
			SimilarityBoost: c.similarity,
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/with-timestamps", c.baseURL, c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp elevenlabsErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Detail.Message != "" {
			return nil, fmt.Errorf("elevenlabs: %s", errResp.Detail.Message)
		}
		return nil, fmt.Errorf("elevenlabs: %s", resp.Status)
	}

	var tsResp elevenlabsTimestampResponse
	if err := json.Unmarshal(body, &tsResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(tsResp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs: empty audio response")
	}

	return &Result{
		Audio:    audio,
		Duration: lastEndTime(tsResp.Alignment),
	}, nil
}

func lastEndTime(a elevenlabsAlignment) float64 {
	if len(a.CharacterEndTimes) == 0 {
		return 0
	}
	return a.CharacterEndTimes[len(a.CharacterEndTimes)-1]
}
