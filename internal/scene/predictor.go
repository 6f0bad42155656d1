// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ironcladgeek/RoadVLM/internal/ollama"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// AnalysisErrorType categorizes failures of the vision-language passes.
type AnalysisErrorType int

const (
	// ErrModelCall indicates the model server call itself failed.
	ErrModelCall AnalysisErrorType = iota

	// ErrUnparseable indicates the model response matched none of the
	// accepted formats.
	ErrUnparseable

	// ErrInvalidValue indicates the response parsed but contained a value
	// outside the allowed enumerations or ranges.
	ErrInvalidValue
)

// String returns a human-readable label for the error type.
func (t AnalysisErrorType) String() string {
	switch t {
	case ErrModelCall:
		return "MODEL_CALL_FAILED"
	case ErrUnparseable:
		return "UNPARSEABLE_RESPONSE"
	case ErrInvalidValue:
		return "INVALID_VALUE"
	default:
		return "UNKNOWN"
	}
}

// AnalysisError is a structured error from an analysis pass.
type AnalysisError struct {
	Type    AnalysisErrorType
	Message string
	Detail  string
	Wrapped error
}

// Error returns the primary message.
func (e *AnalysisError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *AnalysisError) Unwrap() error { return e.Wrapped }

// -----------------------------------------------------------------------------
// Sampler Options
// -----------------------------------------------------------------------------

// samplerOptions returns the deterministic sampling parameters used for
// every analysis call. Low temperature and a fixed seed keep runs
// repeatable across identical inputs.
func samplerOptions() map[string]any {
	return map[string]any{
		"temperature": 0.5,
		"seed":        42,
		"top_p":       0.5,
		"num_predict": 1024,
	}
}

// -----------------------------------------------------------------------------
// Predictor
// -----------------------------------------------------------------------------

// Predictor runs the driving-action pass: given one scene image it asks
// the model for a recommended action plus the scene context, in a single
// call.
type Predictor struct {
	server ollama.ModelServer
	model  string
}

// NewPredictor creates a Predictor that sends requests for the named
// model to the given server.
func NewPredictor(server ollama.ModelServer, model string) *Predictor {
	return &Predictor{server: server, model: model}
}

// Predict analyzes a base64-encoded scene image and returns the
// recommended action together with the scene context the model observed.
//
// # Description
//
// The model is prompted for a strict JSON object. Models occasionally
// ignore the format instruction and reply with labeled lines instead
// ("ACTION: STOP" etc.), so the response is parsed as JSON first and as
// labeled lines second. Whatever parses is then validated against the
// allowed enumerations; out-of-range values are rejected rather than
// coerced.
//
// # Inputs
//
//   - ctx: cancellation and deadline control for the model call.
//   - imageB64: base64-encoded JPEG or PNG bytes.
//
// # Outputs
//
//   - *Prediction: the validated action and confidence.
//   - *Context: the validated scene context.
//   - error: *AnalysisError on failure.
func (p *Predictor) Predict(ctx context.Context, imageB64 string) (*Prediction, *Context, error) {
	resp, err := p.server.Chat(ctx, ollama.ChatRequest{
		Model: p.model,
		Messages: []ollama.Message{{
			Role:    "user",
			Content: ActionPrompt(),
			Images:  []string{imageB64},
		}},
		Options: samplerOptions(),
	})
	if err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrModelCall,
			Message: "action prediction call failed",
			Wrapped: err,
		}
	}
	return parseActionResponse(resp)
}

// actionJSON mirrors the JSON shape the action prompt requests.
type actionJSON struct {
	Action     string  `json:"Action"`
	Confidence float64 `json:"Confidence"`
	Weather    string  `json:"Weather"`
	Time       string  `json:"Time"`
	Road       string  `json:"Road"`
}

// labeled-line fallback, e.g. "ACTION: STOP" or "CONFIDENCE: 0.85".
var actionLineRe = regexp.MustCompile(`(?im)^\s*(ACTION|CONFIDENCE|WEATHER|TIME|ROAD)\s*:\s*(.+?)\s*$`)

// The historic line format puts both on line one:
// "Action: STOP, Confidence: 0.92".
var actionConfidenceRe = regexp.MustCompile(`(?i)^(\w+)\s*,\s*CONFIDENCE\s*:\s*([0-9.]+)$`)

// parseActionResponse extracts a prediction and context from the raw
// model response.
func parseActionResponse(raw string) (*Prediction, *Context, error) {
	parsed, ok := parseActionJSON(raw)
	if !ok {
		parsed, ok = parseActionLines(raw)
	}
	if !ok {
		return nil, nil, &AnalysisError{
			Type:    ErrUnparseable,
			Message: "model response is neither valid JSON nor labeled lines",
			Detail:  truncate(raw, 200),
		}
	}

	pred := &Prediction{
		Action:     ActionType(strings.ToUpper(parsed.Action)),
		Confidence: parsed.Confidence,
	}
	if err := pred.Validate(); err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: fmt.Sprintf("invalid action %q or confidence %v", parsed.Action, parsed.Confidence),
			Wrapped: err,
		}
	}

	sceneCtx := &Context{
		Weather:   WeatherCondition(strings.ToLower(parsed.Weather)),
		TimeOfDay: strings.ToLower(parsed.Time),
		RoadType:  strings.TrimSpace(parsed.Road),
	}
	if err := sceneCtx.Validate(); err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: fmt.Sprintf("invalid scene context (weather=%q time=%q road=%q)", parsed.Weather, parsed.Time, parsed.Road),
			Wrapped: err,
		}
	}
	return pred, sceneCtx, nil
}

// parseActionJSON tries the requested JSON format. The JSON object may be
// embedded in surrounding prose.
func parseActionJSON(raw string) (actionJSON, bool) {
	var out actionJSON
	body, ok := extractJSONObject(raw)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, false
	}
	return out, out.Action != ""
}

// parseActionLines tries the labeled-line fallback format.
func parseActionLines(raw string) (actionJSON, bool) {
	var out actionJSON
	matches := actionLineRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return out, false
	}
	for _, m := range matches {
		val := strings.Trim(m[2], `"' `)
		switch strings.ToUpper(m[1]) {
		case "ACTION":
			if c := actionConfidenceRe.FindStringSubmatch(val); c != nil {
				out.Action = c[1]
				if f, err := strconv.ParseFloat(c[2], 64); err == nil {
					out.Confidence = f
				}
				continue
			}
			out.Action = val
		case "CONFIDENCE":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				out.Confidence = f
			}
		case "WEATHER":
			out.Weather = val
		case "TIME":
			out.Time = val
		case "ROAD":
			out.Road = val
		}
	}
	return out, out.Action != ""
}

// extractJSONObject returns the first top-level {...} block in raw.
func extractJSONObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// truncate shortens s for inclusion in error details.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
