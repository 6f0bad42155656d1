// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironcladgeek/RoadVLM/internal/cache"
	"github.com/ironcladgeek/RoadVLM/internal/imaging"
	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/internal/scene"
)

const detectionResponse = `{
  "objects": [
    {"type": "vehicle", "bbox": [0.1, 0.2, 0.5, 0.6], "confidence": 0.88}
  ],
  "context": {"weather": "clear", "time": "day", "road": "highway"}
}`

const actionResponse = `{"Action": "CONTINUE", "Confidence": 0.9, "Weather": "clear", "Time": "day", "Road": "highway"}`

// mockServer answers detection calls (Format=json) and action calls, and
// counts chat requests to verify cache behavior.
type mockServer struct {
	chatCalls int64
}

func (m *mockServer) Chat(_ context.Context, req ollama.ChatRequest) (string, error) {
	atomic.AddInt64(&m.chatCalls, 1)
	if req.Format == "json" {
		return detectionResponse, nil
	}
	return actionResponse, nil
}

func (m *mockServer) ListModels(context.Context) ([]ollama.Model, error) { return nil, nil }
func (m *mockServer) RefreshModelCache(context.Context) error            { return nil }
func (m *mockServer) HasModel(context.Context, string) (bool, error)     { return true, nil }
func (m *mockServer) PullModel(context.Context, string, ollama.PullProgressCallback) error {
	return nil
}
func (m *mockServer) Version(context.Context) (string, error) { return "0.0.0", nil }
func (m *mockServer) BaseURL() string                         { return "mock" }

func writeFrame(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xFF})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func newTestPipeline(t *testing.T, srv ollama.ModelServer, outputDir string, results *cache.ResultCache, annotate bool) *Pipeline {
	t.Helper()
	cfg := Config{
		Model:     "llava",
		OutputDir: outputDir,
		Workers:   2,
		Annotate:  annotate,
	}
	return New(cfg,
		scene.NewPredictor(srv, cfg.Model),
		scene.NewAnalyzer(srv, cfg.Model, nil),
		imaging.NewProcessor(0, 0),
		results,
		nil)
}

func TestProcessImage_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame.png")
	writeFrame(t, frame)

	p := newTestPipeline(t, &mockServer{}, filepath.Join(dir, "out"), nil, false)

	out, cached, err := p.ProcessImage(context.Background(), frame)
	require.NoError(t, err)
	require.False(t, cached)
	require.NotNil(t, out.Prediction)
	require.Equal(t, scene.ActionContinue, out.Prediction.Action)
	require.Len(t, out.Objects, 1)
	// 0.1..0.5 of 640px, 0.2..0.6 of 480px.
	require.Equal(t, scene.BoundingBox{XMin: 64, YMin: 96, XMax: 320, YMax: 288}, out.Objects[0].Bbox)
	require.Equal(t, scene.WeatherClear, out.Context.Weather)
	require.NotEmpty(t, out.ImageID)
}

func TestProcessImage_CacheSkipsInference(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame.png")
	writeFrame(t, frame)

	results, err := cache.OpenInMemory()
	require.NoError(t, err)
	defer results.Close()

	srv := &mockServer{}
	p := newTestPipeline(t, srv, filepath.Join(dir, "out"), results, false)

	_, cached, err := p.ProcessImage(context.Background(), frame)
	require.NoError(t, err)
	require.False(t, cached)
	firstCalls := atomic.LoadInt64(&srv.chatCalls)
	require.Equal(t, int64(2), firstCalls, "detection + prediction")

	out, cached, err := p.ProcessImage(context.Background(), frame)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, firstCalls, atomic.LoadInt64(&srv.chatCalls), "cache hit must not call the model")
	require.Equal(t, scene.ActionContinue, out.Prediction.Action)
}

func TestRun_BatchWritesResultsAndSummary(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeFrame(t, filepath.Join(inputDir, "a.png"))
	writeFrame(t, filepath.Join(inputDir, "b.png"))
	// A corrupt file must be logged, not abort the batch.
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "broken.png"), []byte("junk"), 0644))
	// Unsupported extensions are ignored entirely.
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("x"), 0644))

	p := newTestPipeline(t, &mockServer{}, outputDir, nil, false)

	summary, err := p.Run(context.Background(), inputDir)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.Actions[scene.ActionContinue])
	require.Contains(t, summary.Failures, filepath.Join(inputDir, "broken.png"))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)

	var results, summaries, errorLogs int
	for _, e := range entries {
		switch {
		case strings.Contains(e.Name(), "_result_"):
			results++
		case strings.HasPrefix(e.Name(), "summary_"):
			summaries++
		case strings.HasPrefix(e.Name(), "errors_"):
			errorLogs++
		}
	}
	require.Equal(t, 2, results)
	require.Equal(t, 1, summaries)
	require.Equal(t, 1, errorLogs)
}

func TestRun_ResultFileContents(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeFrame(t, filepath.Join(inputDir, "dashcam.png"))

	p := newTestPipeline(t, &mockServer{}, outputDir, nil, false)
	_, err := p.Run(context.Background(), inputDir)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(outputDir, "dashcam_result_*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	content, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	text := string(content)
	require.Contains(t, text, "Action:     CONTINUE")
	require.Contains(t, text, "Weather:    clear")
	require.Contains(t, text, "vehicle")
}

func TestRun_Annotate(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeFrame(t, filepath.Join(inputDir, "frame.png"))

	p := newTestPipeline(t, &mockServer{}, outputDir, nil, true)
	_, err := p.Run(context.Background(), inputDir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(outputDir, "frame_annotated.png"))
	require.NoError(t, err, "annotated overlay must be written")
}

func TestRun_EmptyDirectory(t *testing.T) {
	p := newTestPipeline(t, &mockServer{}, t.TempDir(), nil, false)
	_, err := p.Run(context.Background(), t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no supported images")
}

func TestWatch_ProcessesNewFrames(t *testing.T) {
	watchDir := t.TempDir()
	outputDir := t.TempDir()

	p := newTestPipeline(t, &mockServer{}, outputDir, nil, false)

	processed := make(chan string, 1)
	w := NewWatcher(p, 100, func(path string, err error) {
		require.NoError(t, err)
		processed <- path
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, watchDir) }()

	// Give the watcher a moment to register before dropping the frame.
	time.Sleep(200 * time.Millisecond)
	frame := filepath.Join(watchDir, "new.png")
	writeFrame(t, frame)

	select {
	case got := <-processed:
		require.Equal(t, frame, got)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not process the new frame")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}

	matches, err := filepath.Glob(filepath.Join(outputDir, "new_result_*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestWatch_CreatesOutputDirectory(t *testing.T) {
	watchDir := t.TempDir()
	// The output directory does not exist yet, as with a fresh --output.
	outputDir := filepath.Join(t.TempDir(), "results")

	p := newTestPipeline(t, &mockServer{}, outputDir, nil, false)

	processed := make(chan error, 1)
	w := NewWatcher(p, 100, func(path string, err error) {
		processed <- err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, watchDir) }()

	time.Sleep(200 * time.Millisecond)
	writeFrame(t, filepath.Join(watchDir, "frame.png"))

	select {
	case err := <-processed:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not process the new frame")
	}

	cancel()
	<-done

	matches, err := filepath.Glob(filepath.Join(outputDir, "frame_result_*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
