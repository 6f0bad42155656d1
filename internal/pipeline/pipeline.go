// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package pipeline runs scene analysis over images and directories.

# Problem Statement

A dashcam session produces hundreds of frames. Each frame needs the full
treatment: validation, object detection, action prediction, optional
annotation, and a persisted result. Doing this serially wastes the time
the model server spends idle between requests, and redoing frames that
were already analyzed wastes inference entirely.

# Solution

The Pipeline processes one image end to end; the batch runner fans a
directory out over a bounded worker pool and aggregates a run summary:

	validate ─→ cache? ─→ detect objects ─→ predict action ─→ annotate
	    │          │hit                                          │
	    │          └────────────── result ←──────────────────────┘
	    │                            │
	  error log            per-image result file + run summary

Results are cached by image content digest, so interrupted or repeated
runs only pay for frames they have not seen. Per-image failures are
recorded and skipped; one unreadable frame does not abort the batch.
*/
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironcladgeek/RoadVLM/internal/cache"
	"github.com/ironcladgeek/RoadVLM/internal/imaging"
	"github.com/ironcladgeek/RoadVLM/internal/scene"
	"github.com/ironcladgeek/RoadVLM/pkg/logging"
)

// DefaultWorkers bounds concurrent model requests. Local inference
// saturates quickly, so the default stays small.
const DefaultWorkers = 2

// Config controls a pipeline run.
type Config struct {
	// Model is the vision model name sent with every request.
	Model string

	// OutputDir receives result files, the run summary, and annotations.
	OutputDir string

	// Workers bounds concurrent image processing. Zero means
	// DefaultWorkers.
	Workers int

	// Annotate writes a bounding-box overlay PNG next to each result.
	Annotate bool
}

// Pipeline analyzes driving scene images.
type Pipeline struct {
	predictor *scene.Predictor
	analyzer  *scene.Analyzer
	processor *imaging.Processor

	// results is nil when caching is disabled.
	results *cache.ResultCache

	cfg Config
	log *logging.Logger
}

// New assembles a Pipeline. A nil results cache disables caching; a nil
// logger falls back to the default logger.
func New(cfg Config, predictor *scene.Predictor, analyzer *scene.Analyzer, processor *imaging.Processor, results *cache.ResultCache, log *logging.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log == nil {
		log = logging.Default()
	}
	return &Pipeline{
		predictor: predictor,
		analyzer:  analyzer,
		processor: processor,
		results:   results,
		cfg:       cfg,
		log:       log,
	}
}

// ProcessImage analyzes a single image end to end. Cached results are
// returned without touching the model server; cached is true when that
// happened.
func (p *Pipeline) ProcessImage(ctx context.Context, path string) (out *scene.Output, cached bool, err error) {
	width, height, err := p.processor.Validate(path)
	if err != nil {
		return nil, false, err
	}

	var key string
	if p.results != nil {
		key, err = cache.Key(path, p.cfg.Model)
		if err == nil {
			if hit, ok, getErr := p.results.Get(key); getErr == nil && ok {
				p.log.Debug("cache hit", "image", filepath.Base(path))
				return hit, true, nil
			}
		}
	}

	encoded, err := imaging.EncodeBase64(path)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()

	objects, sceneCtx, err := p.analyzer.Analyze(ctx, encoded, width, height)
	if err != nil {
		return nil, false, fmt.Errorf("detect %s: %w", filepath.Base(path), err)
	}

	prediction, _, err := p.predictor.Predict(ctx, encoded)
	if err != nil {
		return nil, false, fmt.Errorf("predict %s: %w", filepath.Base(path), err)
	}

	out = &scene.Output{
		Prediction:     prediction,
		Objects:        objects,
		Context:        *sceneCtx,
		ImageID:        uuid.NewString(),
		ProcessingTime: time.Since(start),
	}

	if p.results != nil && key != "" {
		if putErr := p.results.Put(key, out); putErr != nil {
			p.log.Warn("cache write failed", "image", filepath.Base(path), "error", putErr)
		}
	}
	return out, false, nil
}

// Summary aggregates one batch run.
type Summary struct {
	Started   time.Time
	Finished  time.Time
	Processed int
	Cached    int
	Failed    int

	// Actions counts predictions per action type.
	Actions map[scene.ActionType]int

	// Failures maps image paths to their error messages.
	Failures map[string]string
}

// Run analyzes every supported image in inputDir with bounded
// parallelism, writing result files, the run summary, and an error log to
// the configured output directory.
func (p *Pipeline) Run(ctx context.Context, inputDir string) (*Summary, error) {
	images, err := p.listImages(inputDir)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no supported images (.jpg, .jpeg, .png) found in %s", inputDir)
	}

	if err := os.MkdirAll(p.cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	summary := &Summary{
		Started:  time.Now(),
		Actions:  make(map[scene.ActionType]int),
		Failures: make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, img := range images {
		img := img
		g.Go(func() error {
			out, cached, err := p.ProcessImage(gctx, img)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn("image failed", "image", filepath.Base(img), "error", err)
				summary.Failed++
				summary.Failures[img] = err.Error()
				// Context-level failures abort the run.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}

			if writeErr := writeResult(p.cfg.OutputDir, img, out); writeErr != nil {
				summary.Failed++
				summary.Failures[img] = writeErr.Error()
				return nil
			}

			if p.cfg.Annotate && len(out.Objects) > 0 {
				annotated := annotatedPath(p.cfg.OutputDir, img)
				if annErr := imaging.Annotate(img, annotated, out.Objects); annErr != nil {
					p.log.Warn("annotation failed", "image", filepath.Base(img), "error", annErr)
				}
			}

			summary.Processed++
			if cached {
				summary.Cached++
			}
			if out.Prediction != nil {
				summary.Actions[out.Prediction.Action]++
			}
			return nil
		})
	}

	runErr := g.Wait()
	summary.Finished = time.Now()

	if err := writeSummary(p.cfg.OutputDir, summary); err != nil {
		p.log.Warn("summary write failed", "error", err)
	}
	if len(summary.Failures) > 0 {
		if err := writeErrorLog(p.cfg.OutputDir, summary); err != nil {
			p.log.Warn("error log write failed", "error", err)
		}
	}
	return summary, runErr
}

// listImages returns the supported images in dir, sorted for
// deterministic processing order.
func (p *Pipeline) listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if p.processor.SupportedFormat(e.Name()) {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}
