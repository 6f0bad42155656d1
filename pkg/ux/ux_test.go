// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want OutputMode
	}{
		{"rich", ModeRich},
		{"minimal", ModeMinimal},
		{"min", ModeMinimal},
		{"machine", ModeMachine},
		{"quiet", ModeMachine},
		{"Q", ModeMachine},
		{"", ModeRich},
		{"nonsense", ModeRich},
	}

	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetModeFromEnv(t *testing.T) {
	t.Setenv("ROADVLM_OUTPUT", "machine")
	prev := GetMode()
	defer SetMode(prev)

	InitMode()
	if got := GetMode(); got != ModeMachine {
		t.Errorf("InitMode() with ROADVLM_OUTPUT=machine set mode %v", got)
	}
}

func TestIconRender_DoesNotPanic(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow, IconBullet} {
		if out := icon.Render(); out == "" {
			t.Errorf("Icon(%q).Render() returned empty string", string(icon))
		}
	}
}

func TestProgressBar_MachineMode(t *testing.T) {
	prev := GetMode()
	defer SetMode(prev)
	SetMode(ModeMachine)

	if got := ProgressBar(3, 10, 20); got != "3/10" {
		t.Errorf("ProgressBar machine mode = %q, want %q", got, "3/10")
	}
}

func TestProgressBar_RichMode(t *testing.T) {
	prev := GetMode()
	defer SetMode(prev)
	SetMode(ModeRich)

	out := ProgressBar(5, 10, 10)
	if !strings.Contains(out, "50%") {
		t.Errorf("ProgressBar(5,10) = %q, want 50%%", out)
	}
	// Zero total must not divide by zero.
	_ = ProgressBar(0, 0, 10)
}

func TestSpinner_StartStop(t *testing.T) {
	prev := GetMode()
	defer SetMode(prev)
	SetMode(ModeMachine)

	s := NewSpinner("working")
	s.Start()
	s.Start() // second Start is a no-op
	s.SetMessage("still working")
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Spinner.Stop() did not return")
	}
}
