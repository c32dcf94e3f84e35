// Package server talks to the trusted compute server that runs inference
// jobs against granted permissions.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// JobStatus is the trusted server's view of an inference job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job has finished, either way.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Client is the trusted-server HTTP client.
type Client struct {
	baseURL string
	chainID int64
	httpc   *http.Client
}

func NewClient(baseURL string, chainID int64) *Client {
	return &Client{baseURL: baseURL, chainID: chainID, httpc: &http.Client{}}
}

// StartInference posts a permission ID and returns the server-assigned
// operation ID for the job.
func (c *Client) StartInference(ctx context.Context, permissionID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"permissionId": permissionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference request failed: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid inference response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("inference response missing id")
	}
	return out.ID, nil
}

// PollOperation queries job status. Result is only meaningful once the
// status is terminal.
func (c *Client) PollOperation(ctx context.Context, operationID string) (JobStatus, string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"operationId": operationID,
		"chainId":     c.chainID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/operations/status", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("status poll failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status poll failed: status %d", resp.StatusCode)
	}
	var out struct {
		Status JobStatus `json:"status"`
		Result string    `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("invalid status response: %w", err)
	}
	return out.Status, out.Result, nil
}
