// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scene provides the driving-scene data model and the two
// vision-language analysis passes built on it.
//
// This file contains the data model. The model server only ever sees and
// returns plain text, so these types are the contract between the loosely
// structured model output and the rest of the system: everything that
// crosses out of this package has been validated against the enumerations
// and ranges below.
//
// For the analysis passes, see predictor.go (driving action) and
// analyzer.go (object detection and context).
package scene

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Enumerations
// =============================================================================

// ActionType is a driving action the model can recommend.
type ActionType string

const (
	ActionStop      ActionType = "STOP"
	ActionContinue  ActionType = "CONTINUE"
	ActionTurnLeft  ActionType = "TURN_LEFT"
	ActionTurnRight ActionType = "TURN_RIGHT"
	ActionSlowDown  ActionType = "SLOW_DOWN"
)

// ActionTypes lists every valid action, in prompt order.
func ActionTypes() []ActionType {
	return []ActionType{ActionStop, ActionContinue, ActionTurnLeft, ActionTurnRight, ActionSlowDown}
}

// Valid reports whether the action is one of the allowed values.
func (a ActionType) Valid() bool {
	for _, v := range ActionTypes() {
		if a == v {
			return true
		}
	}
	return false
}

// ObjectType is a category of object detectable in a scene.
type ObjectType string

const (
	ObjectVehicle      ObjectType = "vehicle"
	ObjectPedestrian   ObjectType = "pedestrian"
	ObjectTrafficLight ObjectType = "traffic_light"
	ObjectTrafficSign  ObjectType = "traffic_sign"
	ObjectBus          ObjectType = "bus"
	ObjectCar          ObjectType = "car"
)

// ObjectTypes lists every valid object category.
func ObjectTypes() []ObjectType {
	return []ObjectType{ObjectVehicle, ObjectPedestrian, ObjectTrafficLight, ObjectTrafficSign, ObjectBus, ObjectCar}
}

// Valid reports whether the object type is one of the allowed values.
func (o ObjectType) Valid() bool {
	for _, v := range ObjectTypes() {
		if o == v {
			return true
		}
	}
	return false
}

// TrafficLightState is the observed state of a detected traffic light.
type TrafficLightState string

const (
	LightRed    TrafficLightState = "red"
	LightYellow TrafficLightState = "yellow"
	LightGreen  TrafficLightState = "green"
)

// Valid reports whether the state is one of the allowed values.
func (s TrafficLightState) Valid() bool {
	return s == LightRed || s == LightYellow || s == LightGreen
}

// WeatherCondition is the weather observed in a scene.
type WeatherCondition string

const (
	WeatherClear  WeatherCondition = "clear"
	WeatherRainy  WeatherCondition = "rainy"
	WeatherSnowy  WeatherCondition = "snowy"
	WeatherFoggy  WeatherCondition = "foggy"
	WeatherCloudy WeatherCondition = "cloudy"
)

// WeatherConditions lists every valid weather value.
func WeatherConditions() []WeatherCondition {
	return []WeatherCondition{WeatherClear, WeatherRainy, WeatherSnowy, WeatherFoggy, WeatherCloudy}
}

// Valid reports whether the weather is one of the allowed values.
func (w WeatherCondition) Valid() bool {
	for _, v := range WeatherConditions() {
		if w == v {
			return true
		}
	}
	return false
}

// TimesOfDay lists the valid time-of-day values the prompts allow.
func TimesOfDay() []string {
	return []string{"day", "night", "dawn", "dusk"}
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// sceneValidate validates the struct types in this package. Custom
// validators cover the enumerations the model is prompted with.
var sceneValidate *validator.Validate

func init() {
	sceneValidate = validator.New()
	_ = sceneValidate.RegisterValidation("action", func(fl validator.FieldLevel) bool {
		return ActionType(fl.Field().String()).Valid()
	})
	_ = sceneValidate.RegisterValidation("objecttype", func(fl validator.FieldLevel) bool {
		return ObjectType(fl.Field().String()).Valid()
	})
	_ = sceneValidate.RegisterValidation("weather", func(fl validator.FieldLevel) bool {
		return WeatherCondition(fl.Field().String()).Valid()
	})
	_ = sceneValidate.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for _, v := range TimesOfDay() {
			if s == v {
				return true
			}
		}
		return false
	})
}

// =============================================================================
// Geometry
// =============================================================================

// BoundingBox is an axis-aligned box in pixel coordinates. The analyzer
// initially produces boxes on a 0-1000 grid and scales them to the image
// dimensions once those are known.
type BoundingBox struct {
	XMin int `json:"x_min" validate:"gte=0"`
	YMin int `json:"y_min" validate:"gte=0"`
	XMax int `json:"x_max" validate:"gtefield=XMin"`
	YMax int `json:"y_max" validate:"gtefield=YMin"`
}

// Width returns the box width.
func (b BoundingBox) Width() int { return b.XMax - b.XMin }

// Height returns the box height.
func (b BoundingBox) Height() int { return b.YMax - b.YMin }

// String formats the box as (x_min, y_min, x_max, y_max).
func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", b.XMin, b.YMin, b.XMax, b.YMax)
}

// =============================================================================
// Analysis Results
// =============================================================================

// DetectedObject is one object found in the scene.
type DetectedObject struct {
	Type       ObjectType        `json:"type" validate:"objecttype"`
	Bbox       BoundingBox       `json:"bbox"`
	Confidence float64           `json:"confidence" validate:"gte=0,lte=1"`
	State      TrafficLightState `json:"state,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the object against the allowed enumerations and ranges.
func (d *DetectedObject) Validate() error {
	if d.State != "" && !d.State.Valid() {
		return fmt.Errorf("invalid traffic light state %q", d.State)
	}
	return sceneValidate.Struct(d)
}

// Prediction is the recommended driving action for a scene.
type Prediction struct {
	Action     ActionType        `json:"action" validate:"action"`
	Confidence float64           `json:"confidence" validate:"gte=0,lte=1"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the prediction against the allowed actions and ranges.
func (p *Prediction) Validate() error {
	return sceneValidate.Struct(p)
}

// Context describes the overall driving scene.
type Context struct {
	Weather   WeatherCondition  `json:"weather" validate:"weather"`
	TimeOfDay string            `json:"time_of_day" validate:"timeofday"`
	RoadType  string            `json:"road_type" validate:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the context against the allowed enumerations.
func (c *Context) Validate() error {
	return sceneValidate.Struct(c)
}

// Output is the complete result for one processed image.
type Output struct {
	Prediction     *Prediction      `json:"prediction,omitempty"`
	Objects        []DetectedObject `json:"objects"`
	Context        Context          `json:"scene_context"`
	ImageID        string           `json:"image_id,omitempty"`
	ProcessingTime time.Duration    `json:"processing_time,omitempty"`
}
