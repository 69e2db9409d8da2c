package mediatask

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"reelsmith/pkg/httputil"
)

const submitTimeout = 30 * time.Second

// RunwayClient implements Client against the Runway generation API. One
// instance is shared by all pool workers; it carries no mutable state.
type RunwayClient struct {
	apiKey      string
	baseURL     string
	model       string
	imageWidth  int
	imageHeight int
	durationSec int
	httpClient  *httputil.RetryClient
}

type RunwayConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	ImageWidth  int
	ImageHeight int
	// DurationSeconds is the clip length requested for animations.
	DurationSeconds int
	HTTPClient      *http.Client
}

func NewRunwayClient(cfg RunwayConfig) *RunwayClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.runwayml.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gen3"
	}
	if cfg.ImageWidth == 0 {
		cfg.ImageWidth = 1920
	}
	if cfg.ImageHeight == 0 {
		cfg.ImageHeight = 1080
	}
	if cfg.DurationSeconds == 0 {
		cfg.DurationSeconds = 5
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: submitTimeout}
	}

	return &RunwayClient{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		imageWidth:  cfg.ImageWidth,
		imageHeight: cfg.ImageHeight,
		durationSec: cfg.DurationSeconds,
		httpClient:  httputil.NewRetryClient(httpClient, httputil.DefaultRetryConfig()),
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type taskResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

func (c *RunwayClient) Submit(ctx context.Context, req TaskRequest) (string, error) {
	var (
		endpoint string
		payload  map[string]any
	)

	switch req.Kind {
	case KindImage:
		endpoint = c.baseURL + "/images/generate"
		payload = map[string]any{
			"prompt": req.Prompt,
			"model":  c.model,
			"width":  c.imageWidth,
			"height": c.imageHeight,
		}
	case KindAnimation:
		image, err := encodeImage(req.ImagePath)
		if err != nil {
			return "", err
		}
		endpoint = c.baseURL + "/images/animate"
		payload = map[string]any{
			"image":    image,
			"prompt":   req.Prompt,
			"duration": c.durationSec,
			"model":    c.model,
		}
	default:
		return "", fmt.Errorf("unknown task kind: %q", req.Kind)
	}

	var resp submitResponse
	if err := c.postJSON(ctx, endpoint, payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("submit returned no task id")
	}
	return resp.ID, nil
}

func (c *RunwayClient) Poll(ctx context.Context, taskID string) (Status, error) {
	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	switch task.Status {
	case "PENDING", "QUEUED":
		return StatusQueued, nil
	case "RUNNING":
		return StatusRunning, nil
	case "SUCCEEDED":
		return StatusSucceeded, nil
	case "FAILED", "CANCELLED":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown task status %q", task.Status)
	}
}

func (c *RunwayClient) Fetch(ctx context.Context, taskID string) ([]byte, error) {
	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(task.Output) == 0 {
		return nil, fmt.Errorf("task %s has no output", taskID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Output[0], nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download result: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *RunwayClient) getTask(ctx context.Context, taskID string) (*taskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get task: status %d: %s", resp.StatusCode, body)
	}

	var task taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func (c *RunwayClient) postJSON(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", endpoint, resp.StatusCode, respBody)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RunwayClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
