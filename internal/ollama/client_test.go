// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package ollama contains unit tests for client.go.

# Testing Strategy

These tests use httptest to create mock Ollama API servers:
  - Mock /api/tags for model listing and caching behavior
  - Mock /api/pull for streaming pulls with progress callbacks
  - Mock /api/chat for vision requests
  - Mock /api/version for the doctor probe

All tests run fast and in isolation; no real Ollama is needed.
*/
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func tagsHandler(hits *int32, names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		models := make([]map[string]any, 0, len(names))
		for _, n := range names {
			models = append(models, map[string]any{
				"name":   n,
				"size":   int64(1024),
				"digest": "sha256:abc",
				"details": map[string]any{
					"family":             "mllama",
					"parameter_size":     "11B",
					"quantization_level": "Q4_K_M",
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	}
}

// -----------------------------------------------------------------------------
// Error Type Tests
// -----------------------------------------------------------------------------

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrModelNotFound, "MODEL_NOT_FOUND"},
		{ErrPullFailed, "PULL_FAILED"},
		{ErrConnectionFailed, "CONNECTION_FAILED"},
		{ErrInvalidResponse, "INVALID_RESPONSE"},
		{ErrContextCancelled, "CONTEXT_CANCELLED"},
		{ErrorType(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.errorType.String(); got != tt.expected {
				t.Errorf("ErrorType.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestModelError_FullError(t *testing.T) {
	err := &ModelError{
		Type:        ErrPullFailed,
		Model:       "llama3.2-vision",
		Message:     "Pull failed",
		Detail:      "connection reset",
		Remediation: "Check network and try again",
	}

	full := err.FullError()
	for _, want := range []string{"Pull failed", "llama3.2-vision", "connection reset", "Check network"} {
		if !strings.Contains(full, want) {
			t.Errorf("FullError() missing %q:\n%s", want, full)
		}
	}
}

// -----------------------------------------------------------------------------
// Constructor Tests
// -----------------------------------------------------------------------------

func TestNew_NormalizesURL(t *testing.T) {
	c := New("http://localhost:11434/")
	if c.BaseURL() != "http://localhost:11434" {
		t.Errorf("BaseURL() = %q, want trailing slash stripped", c.BaseURL())
	}
}

func TestNew_FallsBackToEnv(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://example.test:9999")
	c := New("")
	if c.BaseURL() != "http://example.test:9999" {
		t.Errorf("BaseURL() = %q, want OLLAMA_HOST value", c.BaseURL())
	}
}

func TestNew_DefaultURL(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	c := New("")
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), DefaultBaseURL)
	}
}

// -----------------------------------------------------------------------------
// ListModels / HasModel Tests
// -----------------------------------------------------------------------------

func TestListModels_ParsesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(tagsHandler(&hits, "llama3.2-vision:latest"))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	models, err := c.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3.2-vision:latest" {
		t.Fatalf("ListModels() = %+v", models)
	}
	if models[0].Family != "mllama" || models[0].ParameterSize != "11B" {
		t.Errorf("model details not parsed: %+v", models[0])
	}

	// Second call inside the TTL must be served from cache.
	if _, err := c.ListModels(ctx); err != nil {
		t.Fatalf("second ListModels() error = %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hit %d times, want 1 (cache miss only)", got)
	}

	// Refresh must bypass the cache.
	if err := c.RefreshModelCache(ctx); err != nil {
		t.Fatalf("RefreshModelCache() error = %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("server hit %d times after refresh, want 2", got)
	}
}

func TestHasModel_NormalizesNames(t *testing.T) {
	srv := httptest.NewServer(tagsHandler(nil, "llama3.2-vision:latest"))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	tests := []struct {
		name string
		want bool
	}{
		{"llama3.2-vision", true},
		{"llama3.2-vision:latest", true},
		{"LLAMA3.2-VISION", true},
		{"gpt-oss", false},
	}

	for _, tt := range tests {
		got, err := c.HasModel(ctx, tt.name)
		if err != nil {
			t.Fatalf("HasModel(%q) error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestListModels_ConnectionRefused(t *testing.T) {
	// Port 1 should refuse connections.
	c := New("http://127.0.0.1:1")
	_, err := c.ListModels(context.Background())
	if err == nil {
		t.Fatal("ListModels() expected error")
	}
	me, ok := err.(*ModelError)
	if !ok {
		t.Fatalf("error type = %T, want *ModelError", err)
	}
	if me.Type != ErrConnectionFailed {
		t.Errorf("error type = %v, want CONNECTION_FAILED", me.Type)
	}
	if !IsNotRunning(err) {
		t.Error("IsNotRunning() = false for connection failure")
	}
}

func TestListModels_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ListModels(context.Background())
	me, ok := err.(*ModelError)
	if !ok || me.Type != ErrInvalidResponse {
		t.Fatalf("error = %v, want INVALID_RESPONSE ModelError", err)
	}
}

// -----------------------------------------------------------------------------
// PullModel Tests
// -----------------------------------------------------------------------------

func TestPullModel_StreamsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req pullRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "llama3.2-vision" {
			t.Errorf("pull name = %q", req.Name)
		}
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"status":"pulling manifest"}`,
			`{"status":"downloading","completed":512,"total":1024}`,
			`{"status":"success"}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	var updates []string
	var lastCompleted, lastTotal int64
	err := c.PullModel(context.Background(), "llama3.2-vision", func(status string, completed, total int64) {
		updates = append(updates, status)
		if total > 0 {
			lastCompleted, lastTotal = completed, total
		}
	})
	if err != nil {
		t.Fatalf("PullModel() error = %v", err)
	}
	if len(updates) != 3 {
		t.Errorf("got %d progress updates, want 3: %v", len(updates), updates)
	}
	if lastCompleted != 512 || lastTotal != 1024 {
		t.Errorf("progress = %d/%d, want 512/1024", lastCompleted, lastTotal)
	}
}

func TestPullModel_ErrorInStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"error":"model not found in registry"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PullModel(context.Background(), "no-such-model", nil)
	me, ok := err.(*ModelError)
	if !ok || me.Type != ErrPullFailed {
		t.Fatalf("error = %v, want PULL_FAILED ModelError", err)
	}
	if !strings.Contains(me.Detail, "not found in registry") {
		t.Errorf("Detail = %q, want registry error", me.Detail)
	}
}

// -----------------------------------------------------------------------------
// Chat Tests
// -----------------------------------------------------------------------------

func TestChat_SendsImagesAndOptions(t *testing.T) {
	var got chatRequestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"Action":"STOP"}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithDefaultModel("llama3.2-vision"))
	content, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "analyze", Images: []string{"aW1hZ2U="}}},
		Format:   "json",
		Options:  map[string]any{"temperature": 0.5, "seed": 42},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if content != `{"Action":"STOP"}` {
		t.Errorf("Chat() content = %q", content)
	}
	if got.Model != "llama3.2-vision" {
		t.Errorf("request model = %q, want default model", got.Model)
	}
	if got.Stream {
		t.Error("request stream = true, want false")
	}
	if got.Format != "json" {
		t.Errorf("request format = %q, want json", got.Format)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Images) != 1 {
		t.Errorf("request messages = %+v, want one message with one image", got.Messages)
	}
}

func TestChat_NoModelConfigured(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Chat() expected error with no model")
	}
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("Chat() error = %T, want *ModelError", err)
	}
	if !strings.Contains(me.Remediation, "runtime.vision_model") {
		t.Errorf("remediation %q should name the runtime.vision_model config key", me.Remediation)
	}
}

func TestChat_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "ghost",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	me, ok := err.(*ModelError)
	if !ok || me.Type != ErrModelNotFound {
		t.Fatalf("error = %v, want MODEL_NOT_FOUND", err)
	}
	if !strings.Contains(me.Remediation, "models pull") {
		t.Errorf("Remediation = %q, want pull hint", me.Remediation)
	}
}

func TestChat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Chat(ctx, ChatRequest{
		Model:    "llama3.2-vision",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	me, ok := err.(*ModelError)
	if !ok || me.Type != ErrContextCancelled {
		t.Fatalf("error = %v, want CONTEXT_CANCELLED", err)
	}
}

// -----------------------------------------------------------------------------
// Version Tests
// -----------------------------------------------------------------------------

func TestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "0.5.4"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != "0.5.4" {
		t.Errorf("Version() = %q, want 0.5.4", v)
	}
}
