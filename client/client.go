package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/autogrid/admission"
	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler"
)

const defaultTimeout = 30 * time.Second

var ErrNotFound = errors.New("not found")

// apiError carries the error body returned by the control plane.
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	RequestID string `json:"request_id"`
	Details   string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *apiError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type gridStatus struct {
	Runs        []registry.RunRequest  `json:"runs"`
	Nodes       []registry.DynamicNode `json:"nodes"`
	Pending     []registry.PendingNode `json:"pending"`
	Endpoints   int                    `json:"endpoints"`
	Queued      []fleet.QueuedRequest  `json:"queued"`
	QueuedSince map[string]time.Time   `json:"queuedSince"`
	Tasks       []scheduler.TaskStatus `json:"tasks"`
}

type gridCapacity struct {
	Profile    capability.Profile `json:"profile"`
	FreeSlots  int                `json:"freeSlots"`
	InProgress int                `json:"inProgress"`
}

type serverHealth struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type gridClient struct {
	remote string
	http   *http.Client
}

func newGridClient(remote string, timeout time.Duration) *gridClient {
	if !strings.Contains(remote, "://") {
		remote = "http://" + remote
	}
	return &gridClient{
		remote: strings.TrimSuffix(remote, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *gridClient) Admit(ctx context.Context, request admission.Request) (admission.Decision, error) {
	var decision admission.Decision
	err := c.do(ctx, http.MethodPost, "/grid/runs", request, &decision)
	return decision, err
}

func (c *gridClient) Release(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/grid/runs/"+url.PathEscape(runID), nil, nil)
}

func (c *gridClient) Status(ctx context.Context) (gridStatus, error) {
	var status gridStatus
	err := c.do(ctx, http.MethodGet, "/grid/status", nil, &status)
	return status, err
}

func (c *gridClient) Capacity(ctx context.Context, profile capability.Profile) (gridCapacity, error) {
	query := url.Values{}
	query.Set("browser", profile.Browser)
	if profile.Version != "" {
		query.Set("version", profile.Version)
	}
	if profile.Platform != "" {
		query.Set("platform", profile.Platform)
	}

	var capacity gridCapacity
	err := c.do(ctx, http.MethodGet, "/grid/capacity?"+query.Encode(), nil, &capacity)
	return capacity, err
}

func (c *gridClient) Health(ctx context.Context) (serverHealth, error) {
	var health serverHealth
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &health)
	return health, err
}

func (c *gridClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.remote+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.remote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
