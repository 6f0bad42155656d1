// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// settleDelay gives a newly appeared file time to finish writing before
// it is analyzed. Dashcam exporters and scp both create-then-write.
const settleDelay = 500 * time.Millisecond

// Watcher analyzes frames as they arrive in a directory. Event bursts
// (a whole session dropped at once) are smoothed by a rate limiter so
// the model server is not flooded.
type Watcher struct {
	pipeline *Pipeline
	limiter  *rate.Limiter

	// onResult is called after each processed frame; nil is allowed.
	onResult func(path string, err error)
}

// NewWatcher creates a Watcher that processes at most perSecond frames
// per second (burst of one). onResult, when non-nil, observes every
// processed frame.
func NewWatcher(p *Pipeline, perSecond float64, onResult func(path string, err error)) *Watcher {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Watcher{
		pipeline: p,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		onResult: onResult,
	}
}

// Watch blocks processing new images in dir until the context is
// cancelled. Only create and rename-in events trigger analysis; results
// are written to the pipeline's output directory like a batch run.
func (w *Watcher) Watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(w.pipeline.cfg.OutputDir, 0750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create directory watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.pipeline.log.Info("watching for new frames", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.pipeline.processor.SupportedFormat(event.Name) {
				continue
			}

			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			time.Sleep(settleDelay)

			out, _, err := w.pipeline.ProcessImage(ctx, event.Name)
			if err == nil {
				err = writeResult(w.pipeline.cfg.OutputDir, event.Name, out)
			}
			if err != nil {
				w.pipeline.log.Warn("frame failed", "image", filepath.Base(event.Name), "error", err)
			} else {
				w.pipeline.log.Info("frame analyzed",
					"image", filepath.Base(event.Name), "action", out.Prediction.Action)
			}
			if w.onResult != nil {
				w.onResult(event.Name, err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.pipeline.log.Warn("watcher error", "error", err)
		}
	}
}
