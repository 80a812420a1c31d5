// Package client provides a Go SDK for the Cloud Code HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

// Client calls the Cloud Code HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4820"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4820").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// ListItems returns work items, newest first (limit 0 = server default).
func (c *Client) ListItems(ctx context.Context, limit int) ([]models.WorkItem, error) {
	path := "/items"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.WorkItem
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SubmitItem submits a work item and returns the accepted item with its
// assigned id and defaults filled in.
func (c *Client) SubmitItem(ctx context.Context, item models.WorkItem) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodPost, "/items", item, &out)
	return &out, err
}

// GetItem returns a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// GetReport returns the live task report for an item (404 when the worker has
// not reported yet).
func (c *Client) GetReport(ctx context.Context, id string) (*models.TaskReport, error) {
	var out models.TaskReport
	err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(id)+"/report", nil, &out)
	return &out, err
}

// CancelItem cancels a work item and returns its updated state.
func (c *Client) CancelItem(ctx context.Context, id string) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodPost, "/items/"+url.PathEscape(id)+"/cancel", nil, &out)
	return &out, err
}

// UnblockItem releases an item held for human review back into the queue.
func (c *Client) UnblockItem(ctx context.Context, id string) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodPost, "/items/"+url.PathEscape(id)+"/unblock", nil, &out)
	return &out, err
}

// ListStations returns all workstations.
func (c *Client) ListStations(ctx context.Context) ([]models.Workstation, error) {
	var out []models.Workstation
	err := c.doJSON(ctx, http.MethodGet, "/stations", nil, &out)
	return out, err
}

// GetStation returns a workstation by id.
func (c *Client) GetStation(ctx context.Context, id string) (*models.Workstation, error) {
	var out models.Workstation
	err := c.doJSON(ctx, http.MethodGet, "/stations/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// ListCredentials returns credential requests waiting for human review.
func (c *Client) ListCredentials(ctx context.Context) ([]models.CredentialRequest, error) {
	var out []models.CredentialRequest
	err := c.doJSON(ctx, http.MethodGet, "/credentials", nil, &out)
	return out, err
}

// ApproveCredential approves a pending credential request.
func (c *Client) ApproveCredential(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/credentials/"+url.PathEscape(id)+"/approve", nil, nil)
}

// DenyCredential denies a pending credential request.
func (c *Client) DenyCredential(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/credentials/"+url.PathEscape(id)+"/deny", nil, nil)
}
