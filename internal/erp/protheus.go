package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erpgate/erpgate-api/pkg/config"
)

// Client talks to the Protheus REST gateway that persists approved records.
type Client struct {
	baseURL    string
	apiKey     string
	tenantID   string
	httpClient *http.Client
}

// NewClient returns a configured Protheus client.
func NewClient(cfg config.ProtheusConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		tenantID:   cfg.TenantID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type recordResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateRecord inserts a new record into the given ERP table and returns the
// external record id.
func (c *Client) CreateRecord(ctx context.Context, table string, payload json.RawMessage) (string, error) {
	url := fmt.Sprintf("%s/tables/%s/records", c.baseURL, table)
	return c.send(ctx, http.MethodPost, url, payload)
}

// UpdateRecord alters an existing ERP record and returns its external id.
func (c *Client) UpdateRecord(ctx context.Context, table, externalID string, payload json.RawMessage) (string, error) {
	url := fmt.Sprintf("%s/tables/%s/records/%s", c.baseURL, table, externalID)
	return c.send(ctx, http.MethodPut, url, payload)
}

func (c *Client) send(ctx context.Context, method, url string, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"data": payload})
	if err != nil {
		return "", fmt.Errorf("marshal record payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("TenantId", c.tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("erp returned status %d: %s", resp.StatusCode, string(raw))
	}

	var record recordResponse
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if !record.Success {
		return "", fmt.Errorf("erp rejected record: %s", record.Message)
	}
	if record.ID == "" {
		return "", fmt.Errorf("erp response missing record id")
	}
	return record.ID, nil
}
