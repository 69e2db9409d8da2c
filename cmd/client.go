package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"reelsmith/internal/store"
)

// apiClient talks to a running serve instance.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: serverURL,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type jobStatus struct {
	JobID    string `json:"job_id"`
	Stage    string `json:"stage"`
	Segments struct {
		Total      int `json:"total"`
		ImageReady int `json:"image_ready"`
		VideoReady int `json:"video_ready"`
		Failed     int `json:"failed"`
	} `json:"segments"`

	FinalVideoPath     string  `json:"final_video_path"`
	FinalVideoSizeMB   float64 `json:"final_video_size_mb"`
	FinalVideoDuration float64 `json:"final_video_duration"`

	FailureKind    string `json:"failure_kind"`
	FailureStage   string `json:"failure_stage"`
	FailureSegment *int   `json:"failure_segment"`
}

func (c *apiClient) submit(ctx context.Context, requesterID, channelID, prompt string) (string, error) {
	body := map[string]string{
		"requester_id": requesterID,
		"channel_id":   channelID,
		"prompt":       prompt,
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *apiClient) status(ctx context.Context, jobID string) (*jobStatus, error) {
	var status jobStatus
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) decide(ctx context.Context, jobID string, stage store.ApprovalStage, decision store.Decision) error {
	body := map[string]string{
		"stage":    string(stage),
		"decision": string(decision),
	}
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/decisions", body, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
