// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scene

import (
	"fmt"
	"strings"
)

// actionValues returns the allowed actions as a comma-separated string
// for prompt interpolation.
func actionValues() string {
	vals := make([]string, 0, len(ActionTypes()))
	for _, a := range ActionTypes() {
		vals = append(vals, string(a))
	}
	return strings.Join(vals, ", ")
}

// weatherValues returns the allowed weather values as a comma-separated
// string for prompt interpolation.
func weatherValues() string {
	vals := make([]string, 0, len(WeatherConditions()))
	for _, w := range WeatherConditions() {
		vals = append(vals, string(w))
	}
	return strings.Join(vals, ", ")
}

// timeValues returns the allowed time-of-day values as a comma-separated
// string for prompt interpolation.
func timeValues() string {
	return strings.Join(TimesOfDay(), ", ")
}

// ActionPrompt builds the single-call prompt for driving-action
// prediction. The model is constrained to the exact enumerations so the
// response can be parsed strictly.
func ActionPrompt() string {
	return fmt.Sprintf(
		"Analyze this driving scene and respond using EXACTLY the following format with EXACTLY "+
			"these allowed values. Do not use any other values.\n\n"+
			"Allowed ACTION values: %s\n"+
			"Allowed WEATHER values: %s\n"+
			"Allowed TIME values: %s\n\n"+
			"Required format (in JSON):\n"+
			"{\n"+
			"  \"Action\": \"[EXACT ACTION VALUE]\",\n"+
			"  \"Confidence\": [NUMBER 0-1],\n"+
			"  \"Weather\": \"[EXACT WEATHER VALUE]\",\n"+
			"  \"Time\": \"[EXACT TIME VALUE]\",\n"+
			"  \"Road\": \"[BRIEF DESCRIPTION]\"\n"+
			"}",
		actionValues(), weatherValues(), timeValues())
}

// DetectionPrompt builds the prompt for the object-detection pass. The
// model must return one JSON object describing every visible object with
// normalized coordinates, plus the scene context.
func DetectionPrompt() string {
	return `Analyze this driving scene image and respond with ONLY a JSON object in exactly this format.

Focus on key elements:
1. Individual Vehicles:
   - Identify EACH vehicle separately with its own bounding box
   - Do not group nearby vehicles together
   - Include cars, trucks, buses separately

2. Traffic Controls:
   - Each traffic light should have its own separate bounding box
   - Each traffic sign should be detected individually
   - Do not combine multiple traffic lights or signs

3. Road Environment:
   - Identify the road conditions
   - Note weather conditions
   - Describe time of day

Required JSON Format:
{
    "objects": [
        {
            "type": "vehicle|traffic_light|traffic_sign",
            "bbox": [x1, y1, x2, y2],
            "confidence": 0.9
        }
    ],
    "context": {
        "weather": "clear|cloudy|rainy|foggy|snowy",
        "time": "day|night|dawn|dusk",
        "road": "brief road description"
    }
}

Important Rules:
1. Each object MUST have its own separate bounding box
2. Be extremely precise with bounding box coordinates
3. Only include actually visible objects
4. Use normalized coordinates (0-1) for bbox
5. Coordinates must be exact - no rounding
6. Each detection should have its own confidence score`
}
