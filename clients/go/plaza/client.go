// Package plaza provides a client for the Plaza presence and chat service.
package plaza

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Client is a Plaza HTTP API client.
type Client struct {
	BaseURL    string
	AdminToken string
	HTTPClient *http.Client
}

// NewClient creates a new Plaza client. The admin token is read from
// PLAZA_ADMIN_TOKEN when set.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		AdminToken: os.Getenv("PLAZA_ADMIN_TOKEN"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plaza error %d: %s", e.Status, e.Message)
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, admin bool, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// Presence is one connected identity.
type Presence struct {
	ID            string `json:"id"`
	Position      int    `json:"position"`
	Hair          int    `json:"hair"`
	Dress         int    `json:"dress"`
	ChatThrottled bool   `json:"chatThrottled"`
	ChatCount     int    `json:"chatCount"`
}

// ChatMessage is a short-lived chat record.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

// UsersResponse is the response from listing users.
type UsersResponse struct {
	Users []Presence `json:"users"`
	Count int        `json:"count"`
}

// Users lists the current roster.
func (c *Client) Users(ctx context.Context) (*UsersResponse, error) {
	var resp UsersResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/users", nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// User gets one presence record.
func (c *Client) User(ctx context.Context, id string) (*Presence, error) {
	var resp Presence
	if err := c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MessagesResponse is the response from listing chat records.
type MessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// Messages lists live chat records, newest first.
func (c *Client) Messages(ctx context.Context, limit int) (*MessagesResponse, error) {
	path := "/api/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp MessagesResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage chats as an identity that is currently present.
func (c *Client) PostMessage(ctx context.Context, id, message string) (*ChatMessage, error) {
	body := map[string]string{"id": id, "message": message}
	var resp ChatMessage
	if err := c.doRequest(ctx, http.MethodPost, "/api/messages", body, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset clears all presence and chat state (admin).
func (c *Client) Reset(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/api/reset", nil, true, nil)
}

// ClearUsers removes every presence record (admin).
func (c *Client) ClearUsers(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/users", nil, true, nil)
}

// DeleteUser removes one presence record (admin).
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(id), nil, true, nil)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Backend     string                 `json:"backend"`
	Connections int                    `json:"connections"`
	Checks      map[string]interface{} `json:"checks"`
	Timestamp   string                 `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503 and surfaces as
// an *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
