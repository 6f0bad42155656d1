// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package imaging handles validation, payload encoding, and annotation of
// driving-scene images.
//
// Camera frames arrive as JPEG or PNG files. Before a frame is sent to
// the model it is validated (format, decodability, minimum dimensions) so
// that inference time is never wasted on inputs the model cannot use.
package imaging

import (
	"encoding/base64"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	// Register the decoders for the supported frame formats.
	_ "image/jpeg"
	_ "image/png"
)

// Default minimum dimensions for a usable frame.
const (
	DefaultMinWidth  = 320
	DefaultMinHeight = 240
)

// -----------------------------------------------------------------------------
// Error Type
// -----------------------------------------------------------------------------

// ProcessError describes why an image was rejected.
type ProcessError struct {
	// Path is the offending image file.
	Path string

	// Message is a human-readable description.
	Message string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/As chains.
func (e *ProcessError) Unwrap() error { return e.Wrapped }

// -----------------------------------------------------------------------------
// Processor
// -----------------------------------------------------------------------------

// Processor validates frames against format and dimension requirements.
// The zero value is not usable; call NewProcessor.
type Processor struct {
	minWidth  int
	minHeight int
	formats   map[string]bool
}

// NewProcessor creates a Processor with the given minimum dimensions.
// Non-positive values fall back to the defaults.
func NewProcessor(minWidth, minHeight int) *Processor {
	if minWidth <= 0 {
		minWidth = DefaultMinWidth
	}
	if minHeight <= 0 {
		minHeight = DefaultMinHeight
	}
	return &Processor{
		minWidth:  minWidth,
		minHeight: minHeight,
		formats:   map[string]bool{".jpg": true, ".jpeg": true, ".png": true},
	}
}

// SupportedFormat reports whether the file extension is a supported
// frame format.
func (p *Processor) SupportedFormat(path string) bool {
	return p.formats[strings.ToLower(filepath.Ext(path))]
}

// Validate checks that the image file exists, has a supported format,
// decodes cleanly, and meets the minimum dimensions. It returns the
// decoded dimensions so callers can scale bounding boxes without a
// second decode.
func (p *Processor) Validate(path string) (width, height int, err error) {
	if _, statErr := os.Stat(path); statErr != nil {
		return 0, 0, &ProcessError{
			Path:    path,
			Message: "image file not found",
			Wrapped: statErr,
		}
	}

	if !p.SupportedFormat(path) {
		return 0, 0, &ProcessError{
			Path:    path,
			Message: fmt.Sprintf("unsupported image format %q (supported: .jpg, .jpeg, .png)", filepath.Ext(path)),
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, &ProcessError{
			Path:    path,
			Message: "cannot open image",
			Wrapped: err,
		}
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, &ProcessError{
			Path:    path,
			Message: "invalid or corrupted image file",
			Wrapped: err,
		}
	}

	if cfg.Width < p.minWidth || cfg.Height < p.minHeight {
		return 0, 0, &ProcessError{
			Path: path,
			Message: fmt.Sprintf("image dimensions (%dx%d) are smaller than minimum required (%dx%d)",
				cfg.Width, cfg.Height, p.minWidth, p.minHeight),
		}
	}

	return cfg.Width, cfg.Height, nil
}

// EncodeBase64 reads the image file and returns its base64 encoding for
// attachment to a vision chat request.
func EncodeBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ProcessError{
			Path:    path,
			Message: "cannot read image for encoding",
			Wrapped: err,
		}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
