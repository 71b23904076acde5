package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"standgroup/pkg/api"
)

// StandClient handles calls to the stand manager web service.
type StandClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewStandClient creates a new client with the given base URL.
func NewStandClient(baseURL string) *StandClient {
	return &StandClient{
		BaseURL: baseURL,
		// Start and stop wait for tomcat on the stand, which can take up
		// to a minute.
		HTTPClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// APIError represents an error response from the manager.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ListStands sends GET /api/stands and returns the stand list.
func (c *StandClient) ListStands() ([]api.Stand, error) {
	body, err := c.get("/api/stands")
	if err != nil {
		return nil, err
	}

	var result api.StandsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Stands, nil
}

// StandAction sends GET /s/{name}/{action} for start and stop.
func (c *StandClient) StandAction(name, action string) (string, error) {
	body, err := c.get(fmt.Sprintf("/s/%s/%s", url.PathEscape(name), action))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Logs sends GET /s/{name}/log and returns the rendered log page body.
func (c *StandClient) Logs(name, tail string) (string, error) {
	path := fmt.Sprintf("/s/%s/log", url.PathEscape(name))
	if tail != "" {
		path += "?tail=" + url.QueryEscape(tail)
	}
	body, err := c.get(path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// MassAction sends GET /{action} for backup_all, update_all and
// backup_and_update.
func (c *StandClient) MassAction(action string) (string, error) {
	body, err := c.get("/" + action)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// QueuesStatus sends GET /queues_status and returns the pending tasks per
// database server.
func (c *StandClient) QueuesStatus() (api.QueuesStatus, error) {
	body, err := c.get("/queues_status")
	if err != nil {
		return nil, err
	}

	var result api.QueuesStatus
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

func (c *StandClient) get(path string) ([]byte, error) {
	httpReq, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return respBody, nil
}
