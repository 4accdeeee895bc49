// Package appclient is the HTTP client for the daemon API, used by
// the operator CLI.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"skyfleet/internal/api"
)

// RequestError carries the daemon's error envelope for failed calls.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("request failed with http %d", e.StatusCode)
}

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.get(ctx, "/v1/health", &out)
	return out, err
}

func (c *Client) Vehicles(ctx context.Context) (api.VehiclesEnvelope, error) {
	var out api.VehiclesEnvelope
	err := c.get(ctx, "/v1/vehicles", &out)
	return out, err
}

func (c *Client) Vehicle(ctx context.Context, slot string) (api.VehicleEnvelope, error) {
	var out api.VehicleEnvelope
	err := c.get(ctx, "/v1/vehicles/"+url.PathEscape(slot), &out)
	return out, err
}

func (c *Client) Telemetry(ctx context.Context, slot string, limit int) (api.TelemetryEnvelope, error) {
	path := "/v1/vehicles/" + url.PathEscape(slot) + "/telemetry"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.TelemetryEnvelope
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *Client) Detections(ctx context.Context) (api.DetectionsEnvelope, error) {
	var out api.DetectionsEnvelope
	err := c.get(ctx, "/v1/detections", &out)
	return out, err
}

func (c *Client) CreateDetection(ctx context.Context, req api.CreateDetectionRequest) (api.DetectionEnvelope, error) {
	var out api.DetectionEnvelope
	err := c.post(ctx, "/v1/detections", req, &out)
	return out, err
}

func (c *Client) ApproveDetection(ctx context.Context, id int64) (api.ApproveEnvelope, error) {
	var out api.ApproveEnvelope
	err := c.post(ctx, fmt.Sprintf("/v1/detections/%d/approve", id), nil, &out)
	return out, err
}

func (c *Client) Missions(ctx context.Context, slot string) (api.MissionsEnvelope, error) {
	path := "/v1/missions"
	if slot != "" {
		path += "?slot=" + url.QueryEscape(slot)
	}
	var out api.MissionsEnvelope
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *Client) Mission(ctx context.Context, id int64) (api.MissionEnvelope, error) {
	var out api.MissionEnvelope
	err := c.get(ctx, fmt.Sprintf("/v1/missions/%d", id), &out)
	return out, err
}

func (c *Client) MissionLogs(ctx context.Context, id int64) (api.MissionLogsEnvelope, error) {
	var out api.MissionLogsEnvelope
	err := c.get(ctx, fmt.Sprintf("/v1/missions/%d/logs", id), &out)
	return out, err
}

func (c *Client) ResubmitMission(ctx context.Context, id int64) (api.MissionEnvelope, error) {
	var out api.MissionEnvelope
	err := c.post(ctx, fmt.Sprintf("/v1/missions/%d/resubmit", id), nil, &out)
	return out, err
}

func (c *Client) MissionFetch(ctx context.Context, slot string) (api.MissionFetchEnvelope, error) {
	var out api.MissionFetchEnvelope
	err := c.post(ctx, "/v1/vehicles/"+url.PathEscape(slot)+"/mission-fetch", nil, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		var envelope api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			reqErr.Code = envelope.Error.Code
			reqErr.Message = envelope.Error.Message
		}
		return reqErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
