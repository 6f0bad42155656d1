// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironcladgeek/RoadVLM/cmd/roadvlm/config"
	"github.com/ironcladgeek/RoadVLM/internal/cache"
	"github.com/ironcladgeek/RoadVLM/internal/imaging"
	"github.com/ironcladgeek/RoadVLM/internal/infra"
	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/internal/pipeline"
	"github.com/ironcladgeek/RoadVLM/internal/scene"
	"github.com/ironcladgeek/RoadVLM/pkg/ux"
)

// runAnalyze analyzes one image, a directory batch, or a watched
// directory, depending on the argument and --watch.
func runAnalyze(cmd *cobra.Command, args []string) error {
	target := args[0]
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", target, err)
	}

	model := analyzeModel
	if model == "" {
		model = config.Global.Runtime.VisionModel
	}
	workers := analyzeNumWkr
	if workers <= 0 {
		workers = config.Global.Analysis.Workers
	}

	client := ollama.New(config.Global.Runtime.BaseURL,
		ollama.WithTimeout(time.Duration(config.Global.Runtime.TimeoutSeconds)*time.Second),
		ollama.WithDefaultModel(model))

	checker := infra.NewDefaultSystemChecker(client, appLog)
	if !checker.IsOllamaInstalled() {
		ux.Error(checker.GetOllamaInstallInstructions())
		return fmt.Errorf("ollama is not installed")
	}

	if ok, err := client.HasModel(cmd.Context(), model); err == nil && !ok {
		ux.Warning(fmt.Sprintf("Model %q is not available locally. Pull it first:\n  roadvlm models pull %s", model, model))
	}

	var results *cache.ResultCache
	if !analyzeNoCach {
		if dir := resolveCacheDir(); dir != "" {
			if results, err = cache.Open(dir); err != nil {
				appLog.Warn("cache unavailable, continuing without it", "error", err)
				results = nil
			} else {
				defer results.Close()
			}
		}
	}

	cfg := pipeline.Config{
		Model:     model,
		OutputDir: analyzeOutput,
		Workers:   workers,
		Annotate:  annotateBoxes,
	}
	p := pipeline.New(cfg,
		scene.NewPredictor(client, model),
		scene.NewAnalyzer(client, model, appLog),
		imaging.NewProcessor(config.Global.Analysis.MinWidth, config.Global.Analysis.MinHeight),
		results,
		appLog)

	switch {
	case analyzeWatch:
		if !info.IsDir() {
			return fmt.Errorf("--watch requires a directory, got file %s", target)
		}
		return runWatch(cmd, p, target)
	case info.IsDir():
		return runBatch(cmd, p, target)
	default:
		return runSingle(cmd, p, target)
	}
}

func runSingle(cmd *cobra.Command, p *pipeline.Pipeline, path string) error {
	spinner := ux.NewSpinner(fmt.Sprintf("Analyzing %s", filepath.Base(path)))
	spinner.Start()
	out, cached, err := p.ProcessImage(cmd.Context(), path)
	spinner.Stop()
	if err != nil {
		return err
	}

	printOutput(path, out, cached)
	return nil
}

func runBatch(cmd *cobra.Command, p *pipeline.Pipeline, dir string) error {
	ux.Title(fmt.Sprintf("Analyzing %s", dir))

	summary, err := p.Run(cmd.Context(), dir)
	if err != nil {
		return err
	}

	ux.Summary(summary.Processed, summary.Cached, summary.Failed)
	for path, msg := range summary.Failures {
		ux.FileStatus(path, ux.IconError, msg)
	}
	ux.Muted(fmt.Sprintf("Results written to %s", analyzeOutput))

	if summary.Failed > 0 && summary.Processed == 0 {
		return fmt.Errorf("all %d image(s) failed", summary.Failed)
	}
	return nil
}

func runWatch(cmd *cobra.Command, p *pipeline.Pipeline, dir string) error {
	ux.Title(fmt.Sprintf("Watching %s", dir))
	ux.Muted("Press Ctrl+C to stop")

	rate := config.Global.Analysis.WatchRatePerSecond
	w := pipeline.NewWatcher(p, rate, func(path string, err error) {
		if err != nil {
			ux.FileStatus(path, ux.IconError, err.Error())
		} else {
			ux.FileStatus(path, ux.IconSuccess, "analyzed")
		}
	})
	return w.Watch(cmd.Context(), dir)
}

// printOutput renders a single-image result to the terminal.
func printOutput(path string, out *scene.Output, cached bool) {
	header := filepath.Base(path)
	if cached {
		header += " (cached)"
	}
	ux.Title(header)

	if out.Prediction != nil {
		ux.Success(fmt.Sprintf("Action: %s (confidence %.2f)", out.Prediction.Action, out.Prediction.Confidence))
	}
	ux.Info(fmt.Sprintf("Scene: %s, %s, %s", out.Context.Weather, out.Context.TimeOfDay, out.Context.RoadType))

	if len(out.Objects) > 0 {
		ux.Info(fmt.Sprintf("Objects (%d):", len(out.Objects)))
		for _, obj := range out.Objects {
			line := fmt.Sprintf("  %-14s %.2f  %s", obj.Type, obj.Confidence, obj.Bbox)
			if obj.State != "" {
				line += fmt.Sprintf("  [%s]", obj.State)
			}
			ux.Muted(line)
		}
	}
	if !cached {
		ux.Muted(fmt.Sprintf("Took %s", out.ProcessingTime.Round(time.Millisecond)))
	}
}

// resolveCacheDir returns the configured cache directory, defaulting to
// ~/.roadvlm/cache.
func resolveCacheDir() string {
	if config.Global.Analysis.CacheDir != "" {
		return config.Global.Analysis.CacheDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".roadvlm", "cache")
}
