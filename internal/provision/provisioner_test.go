// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockRunner records executed commands and simulates binary presence.
type mockRunner struct {
	mu sync.Mutex

	// present lists binaries that LookPath resolves.
	present map[string]bool

	// failStep makes the named step's command fail with failCode.
	failStep string
	failCode int

	runs []string // "step: name args..."
}

func (m *mockRunner) Run(_ context.Context, _ *Env, step, name string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, step+": "+name+" "+strings.Join(args, " "))
	if step == m.failStep {
		return &StepError{
			Step:     step,
			Command:  name,
			ExitCode: m.failCode,
			Message:  "command failed",
			Stderr:   "simulated failure",
		}
	}
	return nil
}

func (m *mockRunner) LookPath(name string) (string, error) {
	if m.present[name] {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("%s: executable file not found in $PATH", name)
}

func (m *mockRunner) stepsRun() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]string, 0, len(m.runs))
	for _, r := range m.runs {
		steps = append(steps, strings.SplitN(r, ":", 2)[0])
	}
	return steps
}

// mockDetector simulates inference runtime presence.
type mockDetector struct{ installed bool }

func (d *mockDetector) IsOllamaInstalled() bool { return d.installed }

// projectDir creates a project root with a valid venv layout.
func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".venv", "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".venv", "bin", "activate"), []byte("# venv"), 0644))
	return dir
}

// scriptServer serves a trivial install script and counts fetches.
func scriptServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprintln(w, "#!/bin/sh\nexit 0")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(root, scriptURL string) Config {
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.AssumeYes = true
	cfg.PackageManagerScriptURL = scriptURL
	cfg.RuntimeInstall = map[string]InstallMethod{
		"linux":  {Kind: InstallScript, ScriptURL: scriptURL},
		"darwin": {Kind: InstallBrew, Formula: "ollama"},
	}
	return cfg
}

// Both tools already present: repeat runs perform zero installs.
func TestRun_IdempotentWhenConverged(t *testing.T) {
	root := projectDir(t)
	srv, hits := scriptServer(t)

	runner := &mockRunner{present: map[string]bool{"uv": true}}
	p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: true}, nil, nil)
	p.goos = "linux"

	env, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env)

	steps := runner.stepsRun()
	require.NotContains(t, steps, "install-package-manager")
	require.NotContains(t, steps, "install-runtime")
	require.Contains(t, steps, "sync-dependencies")
	require.Zero(t, *hits, "no install script should be fetched on a converged host")
}

// Both tools absent: each installer runs exactly once.
func TestRun_FreshMachineConvergence(t *testing.T) {
	root := projectDir(t)
	srv, hits := scriptServer(t)

	runner := &mockRunner{present: map[string]bool{}}
	p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
	p.goos = "linux"

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	steps := runner.stepsRun()
	require.Equal(t, 1, countStep(steps, "install-package-manager"))
	require.Equal(t, 1, countStep(steps, "install-runtime"))
	require.Equal(t, 1, countStep(steps, "sync-dependencies"))
	require.Equal(t, 2, *hits, "one fetch per installer")
}

// Missing venv is fatal: no sync and no runtime install afterward.
func TestRun_MissingVenvAbortsRun(t *testing.T) {
	root := t.TempDir() // no .venv
	srv, _ := scriptServer(t)

	runner := &mockRunner{present: map[string]bool{"uv": true}}
	p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
	p.goos = "linux"

	_, err := p.Run(context.Background())
	require.Error(t, err)

	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "check-venv", se.Step)
	require.Contains(t, se.Remediation, "uv venv")

	steps := runner.stepsRun()
	require.NotContains(t, steps, "sync-dependencies")
	require.NotContains(t, steps, "install-runtime")
}

// The per-OS table dispatches: linux runs only the script installer,
// darwin only brew.
func TestRun_OSConditionedInstall(t *testing.T) {
	t.Run("linux uses script", func(t *testing.T) {
		root := projectDir(t)
		srv, hits := scriptServer(t)

		runner := &mockRunner{present: map[string]bool{"uv": true}}
		p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
		p.goos = "linux"

		_, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, *hits)
		for _, r := range runner.runs {
			require.NotContains(t, r, "brew")
		}
	})

	t.Run("darwin uses brew", func(t *testing.T) {
		root := projectDir(t)
		srv, hits := scriptServer(t)

		runner := &mockRunner{present: map[string]bool{"uv": true}}
		p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
		p.goos = "darwin"

		_, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Zero(t, *hits, "darwin must not fetch the install script")
		require.Contains(t, runner.runs, "install-runtime: brew install ollama")
	})

	t.Run("unconfigured OS fails with remediation", func(t *testing.T) {
		root := projectDir(t)
		srv, _ := scriptServer(t)

		runner := &mockRunner{present: map[string]bool{"uv": true}}
		p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
		p.goos = "plan9"

		_, err := p.Run(context.Background())
		var se *StepError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "install-runtime", se.Step)
		require.Contains(t, se.Remediation, "runtime_install")
	})
}

// Failing sync propagates its exit code and stops the run.
func TestRun_SyncFailureIsFatal(t *testing.T) {
	root := projectDir(t)
	srv, _ := scriptServer(t)

	runner := &mockRunner{
		present:  map[string]bool{"uv": true},
		failStep: "sync-dependencies",
		failCode: 2,
	}
	p := NewProvisioner(testConfig(root, srv.URL), runner, &mockDetector{installed: false}, nil, nil)
	p.goos = "linux"

	_, err := p.Run(context.Background())
	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "sync-dependencies", se.Step)
	require.Equal(t, 2, se.ExitCode)
	require.NotContains(t, runner.stepsRun(), "install-runtime", "no step runs after a failure")
}

// Without --yes and without a confirmer, fetched scripts never execute.
func TestRun_ScriptRequiresConfirmation(t *testing.T) {
	root := projectDir(t)
	srv, hits := scriptServer(t)

	cfg := testConfig(root, srv.URL)
	cfg.AssumeYes = false

	runner := &mockRunner{present: map[string]bool{}}
	p := NewProvisioner(cfg, runner, &mockDetector{installed: false}, nil, nil)
	p.goos = "linux"

	_, err := p.Run(context.Background())
	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "install-package-manager", se.Step)
	require.Zero(t, *hits, "script must not be fetched without approval")
	require.Empty(t, runner.runs)
}

func TestRun_ConfirmationDeclined(t *testing.T) {
	root := projectDir(t)
	srv, hits := scriptServer(t)

	cfg := testConfig(root, srv.URL)
	cfg.AssumeYes = false

	declined := func(tool, url string) (bool, error) { return false, nil }
	runner := &mockRunner{present: map[string]bool{}}
	p := NewProvisioner(cfg, runner, &mockDetector{installed: false}, declined, nil)
	p.goos = "linux"

	_, err := p.Run(context.Background())
	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Message, "declined")
	require.Zero(t, *hits)
}

func TestRun_SkipVenv(t *testing.T) {
	root := t.TempDir() // no venv, but skipped
	srv, _ := scriptServer(t)

	cfg := testConfig(root, srv.URL)
	cfg.SkipVenv = true

	runner := &mockRunner{present: map[string]bool{"uv": true}}
	p := NewProvisioner(cfg, runner, &mockDetector{installed: true}, nil, nil)
	p.goos = "linux"

	env, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, env.VirtualEnv)
	require.NotContains(t, runner.stepsRun(), "sync-dependencies")
}

func countStep(steps []string, name string) int {
	n := 0
	for _, s := range steps {
		if s == name {
			n++
		}
	}
	return n
}

// ----- Root resolution -----

func TestResolveRoot_OverrideWins(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveRoot(dir)
	require.NoError(t, err)
	require.Equal(t, dir, got)
}

// Root resolution must not depend on the caller's working directory.
func TestResolveRoot_IndependentOfWorkingDirectory(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	first, err := ResolveRoot("")
	require.NoError(t, err)

	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	second, err := ResolveRoot("")
	require.NoError(t, err)

	require.Equal(t, first, second)
	resolvedExe, rErr := filepath.EvalSymlinks(exe)
	if rErr != nil {
		resolvedExe = exe
	}
	require.Equal(t, filepath.Dir(resolvedExe), second)
}

// ----- Scoped Env -----

func TestEnv_Environ(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")

	env := NewEnv("/proj", "/proj/.venv")
	vars := env.Environ()

	var path, venv string
	for _, kv := range vars {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			venv = strings.TrimPrefix(kv, "VIRTUAL_ENV=")
		}
	}
	require.True(t, strings.HasPrefix(path, filepath.Join("/proj/.venv", "bin")+string(os.PathListSeparator)),
		"venv bin must be prepended to PATH, got %q", path)
	require.Contains(t, path, "/usr/bin:/bin")
	require.Equal(t, "/proj/.venv", venv)

	// The process environment is untouched.
	require.Empty(t, os.Getenv("VIRTUAL_ENV"))
	require.Equal(t, "/usr/bin:/bin", os.Getenv("PATH"))
}

func TestEnv_NoVenv(t *testing.T) {
	env := NewEnv("/proj", "")
	require.Empty(t, env.VirtualEnv)
	require.Len(t, env.Environ(), len(os.Environ()), "no-venv Env passes the environment through unchanged")
}

// ----- StepError -----

func TestStepError_Formatting(t *testing.T) {
	se := &StepError{
		Step:        "sync-dependencies",
		Command:     "uv sync",
		ExitCode:    2,
		Message:     "command failed",
		Stderr:      "No solution found",
		Remediation: "Check pyproject.toml",
	}
	require.Contains(t, se.Error(), "sync-dependencies")
	require.Contains(t, se.Error(), "exit 2")

	full := se.FullError()
	require.Contains(t, full, "No solution found")
	require.Contains(t, full, "Check pyproject.toml")
}
