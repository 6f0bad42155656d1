// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/ironcladgeek/RoadVLM/internal/scene"
)

// objectColors maps object types to annotation colors.
var objectColors = map[scene.ObjectType]color.RGBA{
	scene.ObjectVehicle:      {R: 0xFF, A: 0xFF},                   // red
	scene.ObjectTrafficLight: {G: 0xFF, A: 0xFF},                   // green
	scene.ObjectTrafficSign:  {B: 0xFF, A: 0xFF},                   // blue
	scene.ObjectBus:          {R: 0xFF, G: 0xA5, A: 0xFF},          // orange
	scene.ObjectCar:          {R: 0xFF, G: 0x69, B: 0xB4, A: 0xFF}, // pink
	scene.ObjectPedestrian:   {R: 0xFF, G: 0xFF, A: 0xFF},          // yellow
}

const strokeWidth = 2

// Annotate draws the detected objects' bounding boxes onto a copy of the
// source image and writes the result as PNG to outputPath. Boxes are
// clamped to the image bounds; objects whose boxes fall entirely outside
// the image are skipped.
func Annotate(sourcePath, outputPath string, objects []scene.DetectedObject) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return &ProcessError{Path: sourcePath, Message: "cannot open image for annotation", Wrapped: err}
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return &ProcessError{Path: sourcePath, Message: "cannot decode image for annotation", Wrapped: err}
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	for _, obj := range objects {
		c, ok := objectColors[obj.Type]
		if !ok {
			c = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
		}
		drawRect(canvas, obj.Bbox, c)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return &ProcessError{Path: outputPath, Message: "cannot create annotated image", Wrapped: err}
	}
	defer out.Close()

	if err := png.Encode(out, canvas); err != nil {
		return &ProcessError{Path: outputPath, Message: "cannot encode annotated image", Wrapped: err}
	}
	return nil
}

// drawRect strokes a rectangle outline onto the canvas, clamped to the
// canvas bounds.
func drawRect(canvas *image.RGBA, box scene.BoundingBox, c color.RGBA) {
	bounds := canvas.Bounds()
	rect := image.Rect(box.XMin, box.YMin, box.XMax, box.YMax).Intersect(bounds)
	if rect.Empty() {
		return
	}

	for w := 0; w < strokeWidth; w++ {
		// Horizontal edges
		for x := rect.Min.X; x < rect.Max.X; x++ {
			setIfInside(canvas, x, rect.Min.Y+w, c)
			setIfInside(canvas, x, rect.Max.Y-1-w, c)
		}
		// Vertical edges
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			setIfInside(canvas, rect.Min.X+w, y, c)
			setIfInside(canvas, rect.Max.X-1-w, y, c)
		}
	}
}

func setIfInside(canvas *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(canvas.Bounds()) {
		canvas.SetRGBA(x, y, c)
	}
}
