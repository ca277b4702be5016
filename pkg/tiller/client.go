// Package tiller provides a Go client for the tiller daemon's operational
// HTTP API.
package tiller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tiller/internal/daemon"
	"tiller/internal/domain"
)

// Client talks to a tiller daemon's API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

// ArmRequest creates an armed position watched by a detector.
type ArmRequest struct {
	Symbol   string            `json:"symbol"`
	Side     string            `json:"side"`
	Detector string            `json:"detector"`
	Params   map[string]string `json:"params,omitempty"`
}

// SignalRequest injects a manual entry signal.
type SignalRequest struct {
	EntryPrice string `json:"entry_price"`
	StopPrice  string `json:"stop_price"`
}

// Arm creates an armed position.
func (c *Client) Arm(ctx context.Context, req ArmRequest) (*domain.Position, error) {
	var pos domain.Position
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions", req, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Disarm removes an armed position.
func (c *Client) Disarm(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/positions/"+id.String(), nil, nil)
}

// Positions lists every position, most recently updated first.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Position retrieves one position.
func (c *Client) Position(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var pos domain.Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions/"+id.String(), nil, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Events retrieves a position's event log, oldest first.
func (c *Client) Events(ctx context.Context, id uuid.UUID) ([]domain.Event, error) {
	var events []domain.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions/"+id.String()+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Panic force-closes one active position at market.
func (c *Client) Panic(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var pos domain.Position
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions/"+id.String()+"/panic", nil, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// PanicAll force-closes every active position and returns how many were
// closed.
func (c *Client) PanicAll(ctx context.Context) (int, error) {
	var out struct {
		Closed int `json:"closed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/panic", nil, &out); err != nil {
		return 0, err
	}
	return out.Closed, nil
}

// ClearError acknowledges a recoverable error and re-arms the position.
func (c *Client) ClearError(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var pos domain.Position
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions/"+id.String()+"/clear", nil, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// InjectSignal feeds a manual entry signal to an armed position.
func (c *Client) InjectSignal(ctx context.Context, id uuid.UUID, req SignalRequest) (*domain.Position, error) {
	var pos domain.Position
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions/"+id.String()+"/signal", req, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Status retrieves the daemon's health snapshot.
func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	var st daemon.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do issues one request and decodes the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
