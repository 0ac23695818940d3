// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent provides the HTTP client for the chat completion boundary.
//
// The boundary is an OpenAI-compatible endpoint: chat completions are
// requested with a JSON body carrying the conversation messages and the
// response is a server-sent-event stream of incremental deltas. Failures
// arrive as a JSON body {"error": "..."} with a non-2xx status.
//
// One provider quirk is handled here: a model identifier that is really a
// workflow reference (prefix configurable, "wf_" by default) may be
// rejected upstream with 400 or 404. In that case the request is retried
// exactly once against a configured fallback model before the error is
// surfaced.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/morganforge/agentchat/internal/config"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the timeout for non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// maxErrorBodySize caps how much of an error response body is read.
	maxErrorBodySize = 64 * 1024
)

var (
	// sharedHTTPClient is used for non-streaming requests.
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests. No client
	// timeout: a stream lives until it completes or its context is
	// cancelled.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

// APIError represents a non-2xx response from the boundary.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("agent error (HTTP %d)", e.Status)
}

// =============================================================================
// TYPES
// =============================================================================

// ChatMessage is one message of the outbound conversation context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON body sent to the chat completions endpoint.
type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// sessionRequest is the JSON body of the session credential endpoint.
type sessionRequest struct {
	Workflow struct {
		ID string `json:"id"`
	} `json:"workflow"`
	User string `json:"user"`
}

// sessionResponse is the JSON response of the session credential endpoint.
type sessionResponse struct {
	ClientSecret string `json:"client_secret"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat boundary.
type Client struct {
	baseURL string
	apiKey  string
	cfg     config.AgentConfig

	// httpClient overrides the shared streaming client, for tests.
	httpClient *http.Client
}

// NewClient creates a boundary client from configuration.
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		cfg:     cfg,
	}
}

// WithHTTPClient overrides the HTTP client used for requests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) streamingClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return sharedStreamingClient
}

func (c *Client) plainClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return sharedHTTPClient
}

// setHeaders sets the common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat opens a streaming chat completion and returns the raw SSE
// body. The caller owns the body and must close it. The configured model is
// used; if the model is a workflow reference rejected upstream with 400 or
// 404, the request is retried once with the fallback model.
func (c *Client) StreamChat(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	body, err := c.openStream(ctx, c.cfg.Model, messages)
	if err == nil {
		return body, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) &&
		c.cfg.IsWorkflowModel(c.cfg.Model) &&
		(apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusNotFound) {
		log.Printf("AGENT: workflow model %q rejected (HTTP %d), retrying with %q",
			c.cfg.Model, apiErr.Status, c.cfg.WorkflowFallbackModel)
		return c.openStream(ctx, c.cfg.WorkflowFallbackModel, messages)
	}

	return nil, err
}

// openStream performs a single streaming request attempt.
func (c *Client) openStream(ctx context.Context, model string, messages []ChatMessage) (io.ReadCloser, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamingClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return resp.Body, nil
}

// =============================================================================
// SESSION CREDENTIALS
// =============================================================================

// MintSession requests an ephemeral client secret for the given device or
// user identifier. The core streaming path does not use this; it exists
// for the hosted-widget integration and its shape must stay stable.
func (c *Client) MintSession(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		deviceID = "anonymous-user"
	}

	reqBody := sessionRequest{User: deviceID}
	reqBody.Workflow.ID = c.cfg.Model

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chatkit/sessions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.plainClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if sr.ClientSecret == "" {
		return "", &APIError{Status: resp.StatusCode, Message: "missing client_secret in response"}
	}
	return sr.ClientSecret, nil
}

// =============================================================================
// ERROR DECODING
// =============================================================================

// decodeError turns a non-2xx response into an APIError. The boundary
// reports failures as {"error": "..."}; upstream providers nest the
// message one level deeper. Anything unparseable falls back to raw text.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &flat); err == nil && flat.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: flat.Error}
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && nested.Error.Message != "" {
		return &APIError{Status: resp.StatusCode, Message: nested.Error.Message}
	}

	return &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
}
