// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package ollama provides the client for the local Ollama model server.

# Problem Statement

RoadVLM runs its vision-language model through a locally hosted Ollama
instance. Before a scene can be analyzed we need to:

 1. Verify the vision model is available locally
 2. Pull it with progress feedback when it is not
 3. Send chat requests that attach base64-encoded camera frames
 4. Surface connection and registry failures with actionable messages

# Solution

Client wraps the four Ollama endpoints the system uses:

	/api/tags  → ListModels / HasModel   (cached for 30s)
	/api/pull  → PullModel               (streaming progress callback)
	/api/chat  → Chat                    (vision requests with images)
	/api/version → Version               (doctor diagnostics)

# Error Handling

Every failure is a *ModelError carrying a machine-readable type, the model
involved, and remediation text. Callers branch on the type:

	var me *ollama.ModelError
	if errors.As(err, &me) && me.Type == ollama.ErrConnectionFailed {
	    fmt.Println("Ollama is not running")
	}

# Configuration

The client respects OLLAMA_HOST when the configured base URL is empty.
*/
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is used when neither config nor OLLAMA_HOST provide one.
const DefaultBaseURL = "http://localhost:11434"

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// ErrorType categorizes client failures for programmatic handling.
type ErrorType int

const (
	// ErrModelNotFound indicates the model does not exist locally or in the registry.
	ErrModelNotFound ErrorType = iota

	// ErrPullFailed indicates the model download failed.
	ErrPullFailed

	// ErrConnectionFailed indicates the Ollama server is not reachable.
	ErrConnectionFailed

	// ErrInvalidResponse indicates Ollama returned unexpected data.
	ErrInvalidResponse

	// ErrContextCancelled indicates the operation was cancelled or timed out.
	ErrContextCancelled
)

// String returns the error type as a string for logging.
func (t ErrorType) String() string {
	switch t {
	case ErrModelNotFound:
		return "MODEL_NOT_FOUND"
	case ErrPullFailed:
		return "PULL_FAILED"
	case ErrConnectionFailed:
		return "CONNECTION_FAILED"
	case ErrInvalidResponse:
		return "INVALID_RESPONSE"
	case ErrContextCancelled:
		return "CONTEXT_CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ModelError provides structured error information for client operations.
type ModelError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType

	// Model is the name of the model involved, if any.
	Model string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *ModelError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// connectionError builds the ModelError for a failed request, preferring
// the cancellation type when the context expired.
func connectionError(ctx context.Context, model string, baseURL string, err error) *ModelError {
	if ctx.Err() != nil {
		return &ModelError{
			Type:        ErrContextCancelled,
			Model:       model,
			Message:     "Request cancelled",
			Detail:      ctx.Err().Error(),
			Remediation: "Try again or increase the request timeout",
		}
	}
	return &ModelError{
		Type:        ErrConnectionFailed,
		Model:       model,
		Message:     "Cannot connect to Ollama",
		Detail:      err.Error(),
		Remediation: fmt.Sprintf("Ensure Ollama is running at %s (ollama serve)", baseURL),
	}
}

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// Model describes a model available in Ollama.
type Model struct {
	// Name is the model identifier (e.g., "llama3.2-vision").
	Name string

	// Size is the model file size in bytes.
	Size int64

	// ModifiedAt is when the model was last modified.
	ModifiedAt time.Time

	// Digest is the model's content hash.
	Digest string

	// Family is the model family (e.g., "mllama").
	Family string

	// ParameterSize is the human-readable parameter count (e.g., "11B").
	ParameterSize string

	// QuantizationLevel is the quantization type (e.g., "Q4_K_M").
	QuantizationLevel string
}

// Message is one turn of an Ollama chat conversation. Images are
// base64-encoded attachments for vision models.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest configures a single /api/chat call.
type ChatRequest struct {
	// Model overrides the client's default model when non-empty.
	Model string

	// Messages is the conversation so far, usually a single user turn.
	Messages []Message

	// Format forces structured output when set to "json".
	Format string

	// Options are sampler parameters (temperature, seed, top_p, num_predict).
	Options map[string]any
}

// PullProgressCallback receives progress updates during model pulls.
// total is 0 while the download size is unknown.
type PullProgressCallback func(status string, completed, total int64)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ModelServer defines the contract the rest of RoadVLM has with Ollama.
// The interface exists so the analysis and provisioning layers can be
// tested against mocks.
//
// Implementations must be safe for concurrent use.
type ModelServer interface {
	// ListModels returns all models currently available. Results are
	// cached briefly; use RefreshModelCache to force an update.
	ListModels(ctx context.Context) ([]Model, error)

	// RefreshModelCache forces a refresh of the cached model list.
	RefreshModelCache(ctx context.Context) error

	// HasModel checks if a model is available locally. Handles the
	// with/without :latest tag variations.
	HasModel(ctx context.Context, name string) (bool, error)

	// PullModel downloads a model, reporting progress via callback.
	PullModel(ctx context.Context, name string, progress PullProgressCallback) error

	// Chat sends a chat request and returns the assistant message content.
	Chat(ctx context.Context, req ChatRequest) (string, error)

	// Version returns the Ollama server version string.
	Version(ctx context.Context) (string, error)

	// BaseURL returns the server URL the client is bound to.
	BaseURL() string
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client implements ModelServer against the Ollama HTTP API.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client

	cacheMu    sync.RWMutex
	modelCache []Model
	cacheTime  time.Time
	cacheTTL   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the request timeout. Vision calls and model pulls
// can run for minutes, so the default is 5 minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithDefaultModel sets the model used when a ChatRequest leaves Model empty.
func WithDefaultModel(name string) Option {
	return func(c *Client) { c.defaultModel = name }
}

// New creates a Client bound to baseURL. An empty baseURL falls back to
// OLLAMA_HOST, then to DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		cacheTTL:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL the client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// -----------------------------------------------------------------------------
// Model Listing
// -----------------------------------------------------------------------------

type tagsResponse struct {
	Models []modelInfo `json:"models"`
}

// modelInfo is a model entry from /api/tags. The Details struct may be
// partially populated depending on the Ollama version; missing fields
// stay at zero values.
type modelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
	Details    struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// ListModels returns all models currently available in Ollama. Results
// are cached for the client's cache TTL.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	c.cacheMu.RLock()
	if time.Since(c.cacheTime) < c.cacheTTL && c.modelCache != nil {
		models := c.modelCache
		c.cacheMu.RUnlock()
		return models, nil
	}
	c.cacheMu.RUnlock()

	return c.fetchModels(ctx)
}

// RefreshModelCache forces a refresh of the cached model list. Use after
// pulling new models.
func (c *Client) RefreshModelCache(ctx context.Context) error {
	c.cacheMu.Lock()
	c.modelCache = nil
	c.cacheTime = time.Time{}
	c.cacheMu.Unlock()

	_, err := c.fetchModels(ctx)
	return err
}

func (c *Client) fetchModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ModelError{
			Type:        ErrConnectionFailed,
			Message:     "Failed to create request",
			Detail:      err.Error(),
			Remediation: "Check that Ollama is running: ollama serve",
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connectionError(ctx, "", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &ModelError{
			Type:        ErrInvalidResponse,
			Message:     fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
			Detail:      string(body),
			Remediation: "Check Ollama logs for errors",
		}
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &ModelError{
			Type:        ErrInvalidResponse,
			Message:     "Failed to parse Ollama response",
			Detail:      err.Error(),
			Remediation: "This may indicate an Ollama version mismatch",
		}
	}

	models := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, Model{
			Name:              m.Name,
			Size:              m.Size,
			ModifiedAt:        m.ModifiedAt,
			Digest:            m.Digest,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
		})
	}

	c.cacheMu.Lock()
	c.modelCache = models
	c.cacheTime = time.Now()
	c.cacheMu.Unlock()

	slog.Debug("fetched model list from Ollama", "count", len(models))
	return models, nil
}

// HasModel checks if a model is available locally. Both "model" and
// "model:latest" match.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}

	search := normalizeModelName(name)
	for _, m := range models {
		if normalizeModelName(m.Name) == search {
			return true, nil
		}
	}
	return false, nil
}

// normalizeModelName lowercases and strips the :latest tag for comparison.
func normalizeModelName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ":latest")
}

// -----------------------------------------------------------------------------
// Model Pulling
// -----------------------------------------------------------------------------

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// pullProgress is a single progress update from /api/pull streaming.
type pullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model from the registry using Ollama's streaming
// API, reporting progress via the callback (which may be nil).
func (c *Client) PullModel(ctx context.Context, name string, progress PullProgressCallback) error {
	reqBytes, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return &ModelError{
			Type:        ErrPullFailed,
			Model:       name,
			Message:     "Failed to encode pull request",
			Detail:      err.Error(),
			Remediation: "This is an internal error - please report it",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(reqBytes))
	if err != nil {
		return &ModelError{
			Type:        ErrConnectionFailed,
			Model:       name,
			Message:     "Failed to create request",
			Detail:      err.Error(),
			Remediation: "Check that Ollama is running: ollama serve",
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connectionError(ctx, name, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &ModelError{
			Type:        ErrPullFailed,
			Model:       name,
			Message:     fmt.Sprintf("Pull failed with status %d", resp.StatusCode),
			Detail:      string(body),
			Remediation: "Check if the model name is correct and the registry is accessible",
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	// Progress lines can be large
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return &ModelError{
				Type:        ErrContextCancelled,
				Model:       name,
				Message:     "Pull cancelled",
				Detail:      ctx.Err().Error(),
				Remediation: "Try again to resume the download",
			}
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var prog pullProgress
		if err := json.Unmarshal(line, &prog); err != nil {
			slog.Debug("failed to parse pull progress line", "line", string(line), "error", err)
			continue
		}

		if prog.Error != "" {
			return &ModelError{
				Type:        ErrPullFailed,
				Model:       name,
				Message:     "Pull failed",
				Detail:      prog.Error,
				Remediation: "Check network connection and try again",
			}
		}

		if progress != nil {
			progress(prog.Status, prog.Completed, prog.Total)
		}
	}

	if err := scanner.Err(); err != nil {
		return &ModelError{
			Type:        ErrPullFailed,
			Model:       name,
			Message:     "Error reading pull response",
			Detail:      err.Error(),
			Remediation: "Check network connection and try again",
		}
	}

	// Invalidate the list cache so the new model shows up
	c.cacheMu.Lock()
	c.modelCache = nil
	c.cacheTime = time.Time{}
	c.cacheMu.Unlock()

	slog.Info("model pulled", "model", name)
	return nil
}

// -----------------------------------------------------------------------------
// Chat (Vision)
// -----------------------------------------------------------------------------

type chatRequestBody struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponseBody struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`
}

// Chat sends a chat request and returns the assistant message content.
// Vision requests attach base64-encoded images to the user message. The
// call is non-streaming: scene analysis needs the complete response
// before parsing.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Message:     "No model specified for chat request",
			Remediation: "Set runtime.vision_model in the config or pass --model",
		}
	}

	body := chatRequestBody{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Format:   req.Format,
		Options:  req.Options,
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Model:       model,
			Message:     "Failed to encode chat request",
			Detail:      err.Error(),
			Remediation: "This is an internal error - please report it",
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBytes))
	if err != nil {
		return "", &ModelError{
			Type:        ErrConnectionFailed,
			Model:       model,
			Message:     "Failed to create request",
			Detail:      err.Error(),
			Remediation: "Check that Ollama is running: ollama serve",
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("sending chat request", "model", model, "images", countImages(req.Messages))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", connectionError(ctx, model, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &ModelError{
			Type:        ErrModelNotFound,
			Model:       model,
			Message:     fmt.Sprintf("Model %q not found", model),
			Remediation: fmt.Sprintf("Pull the model first: roadvlm models pull %s", model),
		}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Model:       model,
			Message:     fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
			Detail:      string(respBody),
			Remediation: "Check Ollama logs for errors",
		}
	}

	var chatResp chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Model:       model,
			Message:     "Failed to parse chat response",
			Detail:      err.Error(),
			Remediation: "This may indicate an Ollama version mismatch",
		}
	}
	if chatResp.Error != "" {
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Model:       model,
			Message:     "Chat request failed",
			Detail:      chatResp.Error,
			Remediation: "Check that the model supports vision input",
		}
	}

	return chatResp.Message.Content, nil
}

func countImages(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Images)
	}
	return n
}

// -----------------------------------------------------------------------------
// Version
// -----------------------------------------------------------------------------

type versionResponse struct {
	Version string `json:"version"`
}

// Version returns the Ollama server version string, used by doctor
// diagnostics and as a liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return "", &ModelError{
			Type:    ErrConnectionFailed,
			Message: "Failed to create request",
			Detail:  err.Error(),
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", connectionError(ctx, "", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ModelError{
			Type:        ErrInvalidResponse,
			Message:     fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
			Remediation: "Check Ollama logs for errors",
		}
	}

	var ver versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ver); err != nil {
		return "", &ModelError{
			Type:    ErrInvalidResponse,
			Message: "Failed to parse version response",
			Detail:  err.Error(),
		}
	}
	return ver.Version, nil
}

var _ ModelServer = (*Client)(nil)

// IsNotRunning reports whether err indicates the Ollama server is not
// reachable at all, as opposed to a model-level failure.
func IsNotRunning(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Type == ErrConnectionFailed
}
