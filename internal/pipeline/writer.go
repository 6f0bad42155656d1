// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ironcladgeek/RoadVLM/internal/scene"
)

// timestampFormat names output files so repeated runs never clobber
// earlier results.
const timestampFormat = "20060102_150405"

// writeResult writes the per-image result file:
// <stem>_result_<timestamp>.txt in the output directory.
func writeResult(outputDir, imagePath string, out *scene.Output) error {
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	name := fmt.Sprintf("%s_result_%s.txt", stem, time.Now().Format(timestampFormat))

	var buf bytes.Buffer
	buf.WriteString("RoadVLM Scene Analysis\n")
	buf.WriteString("======================\n\n")
	fmt.Fprintf(&buf, "Image:      %s\n", filepath.Base(imagePath))
	fmt.Fprintf(&buf, "Run ID:     %s\n", out.ImageID)
	fmt.Fprintf(&buf, "Duration:   %s\n\n", out.ProcessingTime.Round(time.Millisecond))

	if out.Prediction != nil {
		fmt.Fprintf(&buf, "Action:     %s (confidence %.2f)\n\n", out.Prediction.Action, out.Prediction.Confidence)
	}

	fmt.Fprintf(&buf, "Weather:    %s\n", out.Context.Weather)
	fmt.Fprintf(&buf, "Time:       %s\n", out.Context.TimeOfDay)
	fmt.Fprintf(&buf, "Road:       %s\n\n", out.Context.RoadType)

	fmt.Fprintf(&buf, "Objects (%d):\n", len(out.Objects))
	for _, obj := range out.Objects {
		fmt.Fprintf(&buf, "  - %-14s %.2f  %s", obj.Type, obj.Confidence, obj.Bbox)
		if obj.State != "" {
			fmt.Fprintf(&buf, "  [%s]", obj.State)
		}
		buf.WriteString("\n")
	}

	return os.WriteFile(filepath.Join(outputDir, name), buf.Bytes(), 0644)
}

// annotatedPath names the bounding-box overlay written next to the
// result files.
func annotatedPath(outputDir, imagePath string) string {
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return filepath.Join(outputDir, stem+"_annotated.png")
}

// writeSummary writes the run summary: summary_<timestamp>.txt.
func writeSummary(outputDir string, s *Summary) error {
	name := fmt.Sprintf("summary_%s.txt", s.Finished.Format(timestampFormat))

	var buf bytes.Buffer
	buf.WriteString("RoadVLM Batch Summary\n")
	buf.WriteString("=====================\n\n")
	fmt.Fprintf(&buf, "Started:    %s\n", s.Started.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Finished:   %s\n", s.Finished.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Duration:   %s\n\n", s.Finished.Sub(s.Started).Round(time.Millisecond))
	fmt.Fprintf(&buf, "Processed:  %d\n", s.Processed)
	fmt.Fprintf(&buf, "Cached:     %d\n", s.Cached)
	fmt.Fprintf(&buf, "Failed:     %d\n\n", s.Failed)

	if len(s.Actions) > 0 {
		buf.WriteString("Actions:\n")
		actions := make([]string, 0, len(s.Actions))
		for a := range s.Actions {
			actions = append(actions, string(a))
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Fprintf(&buf, "  %-12s %d\n", a, s.Actions[scene.ActionType(a)])
		}
	}

	return os.WriteFile(filepath.Join(outputDir, name), buf.Bytes(), 0644)
}

// writeErrorLog writes errors_<timestamp>.log listing every failed image.
func writeErrorLog(outputDir string, s *Summary) error {
	name := fmt.Sprintf("errors_%s.log", s.Finished.Format(timestampFormat))

	paths := make([]string, 0, len(s.Failures))
	for p := range s.Failures {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		fmt.Fprintf(&buf, "%s: %s\n", p, s.Failures[p])
	}
	return os.WriteFile(filepath.Join(outputDir, name), buf.Bytes(), 0644)
}
