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
	"math"
	"strings"

	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/pkg/logging"
)

// Bounding boxes returned by the model are normalized to [0,1]. Boxes
// that are degenerate or implausibly large are discarded: a box covering
// more than 90% of the frame is almost always the model boxing the whole
// image instead of an object.
const (
	minNormalizedSize = 0.01
	maxNormalizedSize = 0.9

	// gridSize is the intermediate coordinate grid. Normalized coords are
	// first snapped to this grid, then scaled to actual pixel dimensions.
	gridSize = 1000
)

// Analyzer runs the object-detection pass: given one scene image it asks
// the model for every visible object with bounding boxes, plus the scene
// context.
type Analyzer struct {
	server ollama.ModelServer
	model  string
	log    *logging.Logger
}

// NewAnalyzer creates an Analyzer that sends requests for the named model
// to the given server. A nil logger falls back to the default logger.
func NewAnalyzer(server ollama.ModelServer, model string, log *logging.Logger) *Analyzer {
	if log == nil {
		log = logging.Default()
	}
	return &Analyzer{server: server, model: model, log: log}
}

// detectionJSON mirrors the JSON shape the detection prompt requests.
type detectionJSON struct {
	Objects []struct {
		Type       string    `json:"type"`
		Bbox       []float64 `json:"bbox"`
		Confidence float64   `json:"confidence"`
		State      string    `json:"state"`
	} `json:"objects"`
	Context struct {
		Weather string `json:"weather"`
		Time    string `json:"time"`
		Road    string `json:"road"`
	} `json:"context"`
}

// Analyze detects objects in a base64-encoded scene image and returns
// them with bounding boxes scaled to the given pixel dimensions.
//
// # Description
//
// The call forces JSON output, parses the object list and scene context,
// and validates every detection. Objects with malformed or implausible
// boxes are skipped with a warning rather than failing the whole pass:
// one bad detection should not discard the rest of the scene.
//
// # Inputs
//
//   - ctx: cancellation and deadline control for the model call.
//   - imageB64: base64-encoded JPEG or PNG bytes.
//   - width, height: pixel dimensions of the source image, used to scale
//     the normalized boxes.
//
// # Outputs
//
//   - []DetectedObject: validated detections in pixel coordinates.
//   - *Context: the validated scene context.
//   - error: *AnalysisError when the call fails or nothing parses.
func (a *Analyzer) Analyze(ctx context.Context, imageB64 string, width, height int) ([]DetectedObject, *Context, error) {
	resp, err := a.server.Chat(ctx, ollama.ChatRequest{
		Model:  a.model,
		Format: "json",
		Messages: []ollama.Message{{
			Role:    "user",
			Content: DetectionPrompt(),
			Images:  []string{imageB64},
		}},
		Options: samplerOptions(),
	})
	if err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrModelCall,
			Message: "object detection call failed",
			Wrapped: err,
		}
	}
	return a.parseDetectionResponse(resp, width, height)
}

// parseDetectionResponse extracts and validates detections from the raw
// model response.
func (a *Analyzer) parseDetectionResponse(raw string, width, height int) ([]DetectedObject, *Context, error) {
	body, ok := extractJSONObject(raw)
	if !ok {
		return nil, nil, &AnalysisError{
			Type:    ErrUnparseable,
			Message: "detection response contains no JSON object",
			Detail:  truncate(raw, 200),
		}
	}

	var parsed detectionJSON
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrUnparseable,
			Message: "detection response is not valid JSON",
			Detail:  truncate(raw, 200),
			Wrapped: err,
		}
	}

	sceneCtx := &Context{
		Weather:   WeatherCondition(strings.ToLower(parsed.Context.Weather)),
		TimeOfDay: strings.ToLower(parsed.Context.Time),
		RoadType:  strings.TrimSpace(parsed.Context.Road),
	}
	if err := sceneCtx.Validate(); err != nil {
		return nil, nil, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: "detection response has an invalid scene context",
			Wrapped: err,
		}
	}

	objects := make([]DetectedObject, 0, len(parsed.Objects))
	for i, o := range parsed.Objects {
		box, err := normalizedToPixels(o.Bbox, width, height)
		if err != nil {
			a.log.Warn("skipping detection with invalid bounding box",
				"index", i, "type", o.Type, "bbox", o.Bbox, "reason", err)
			continue
		}

		obj := DetectedObject{
			Type:       ObjectType(strings.ToLower(o.Type)),
			Bbox:       box,
			Confidence: o.Confidence,
			State:      TrafficLightState(strings.ToLower(o.State)),
		}
		if err := obj.Validate(); err != nil {
			a.log.Warn("skipping detection with invalid fields",
				"index", i, "type", o.Type, "confidence", o.Confidence, "reason", err)
			continue
		}
		objects = append(objects, obj)
	}

	return objects, sceneCtx, nil
}

// normalizedToPixels validates a normalized [x1,y1,x2,y2] box and scales
// it to pixel coordinates via the intermediate grid.
func normalizedToPixels(coords []float64, width, height int) (BoundingBox, error) {
	if len(coords) != 4 {
		return BoundingBox{}, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: "bounding box must have exactly 4 coordinates",
		}
	}
	x1, y1, x2, y2 := coords[0], coords[1], coords[2], coords[3]

	for _, v := range coords {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return BoundingBox{}, &AnalysisError{
				Type:    ErrInvalidValue,
				Message: "bounding box coordinates must be normalized to [0,1]",
			}
		}
	}
	if x2 <= x1 || y2 <= y1 {
		return BoundingBox{}, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: "bounding box coordinates must be ordered (x1<x2, y1<y2)",
		}
	}
	w, h := x2-x1, y2-y1
	if w < minNormalizedSize || h < minNormalizedSize {
		return BoundingBox{}, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: "bounding box is too small to be a real object",
		}
	}
	if w > maxNormalizedSize || h > maxNormalizedSize {
		return BoundingBox{}, &AnalysisError{
			Type:    ErrInvalidValue,
			Message: "bounding box covers nearly the whole frame",
		}
	}

	grid := BoundingBox{
		XMin: int(math.Round(x1 * gridSize)),
		YMin: int(math.Round(y1 * gridSize)),
		XMax: int(math.Round(x2 * gridSize)),
		YMax: int(math.Round(y2 * gridSize)),
	}
	return grid.scaleTo(width, height), nil
}

// scaleTo converts a grid-space box to pixel space.
func (b BoundingBox) scaleTo(width, height int) BoundingBox {
	return BoundingBox{
		XMin: b.XMin * width / gridSize,
		YMin: b.YMin * height / gridSize,
		XMax: b.XMax * width / gridSize,
		YMax: b.YMax * height / gridSize,
	}
}
