// Package taskclient is the internal HTTP client for the task API. Consumers
// that need to create tasks (the recurrence spawner) go through it so every
// spawned task takes the same validated write path as a user request.
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskpilot/platform/internal/app/taskapi"
)

type Client struct {
	BaseURL      string
	ServiceToken string
	HTTP         *http.Client
}

func New(baseURL, serviceToken string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ServiceToken: serviceToken,
		HTTP:         &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateTask creates a task on behalf of userID via the service-token path.
func (c *Client) CreateTask(ctx context.Context, userID string, req taskapi.CreateTaskRequest) (taskapi.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return taskapi.Task{}, fmt.Errorf("marshal create task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return taskapi.Task{}, fmt.Errorf("build create task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", c.ServiceToken)
	httpReq.Header.Set("X-User-ID", userID)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return taskapi.Task{}, fmt.Errorf("create task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return taskapi.Task{}, fmt.Errorf("create task: status %d: %s", resp.StatusCode, msg)
	}

	var task taskapi.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return taskapi.Task{}, fmt.Errorf("decode create task response: %w", err)
	}
	return task, nil
}
