// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package provision converges a host onto the RoadVLM runtime environment.

# Problem Statement

Before any scene analysis can run, four things must be true on the host:

 1. The Python package manager (uv) is installed
 2. The project virtual environment exists
 3. Declared Python dependencies are synced into it
 4. The inference runtime (Ollama) is installed for the OS

Ad-hoc shell scripts for this drift per platform, mutate the caller's
shell environment, and re-download tools that are already present.

# Solution

A single Provisioner runs the four steps strictly in order, each gated by
a presence check so repeat runs perform no redundant network installs:

	┌──────────────────────────────────────────────────────────┐
	│                     roadvlm setup                        │
	├──────────────────────────────────────────────────────────┤
	│  1. Resolve project root (executable dir, not CWD)       │
	│  2. Package manager present?  ── no ─→ fetch + install   │
	│  3. Venv present?             ── no ─→ fatal error       │
	│  4. Sync dependencies (scoped venv Env)                  │
	│  5. Runtime installed?        ── no ─→ per-OS install    │
	└──────────────────────────────────────────────────────────┘

Install methods are data, not code. An enumerated per-OS table selects
between fetching an install script and a brew package install, so the
platform differences live in one configurable place.

Fetched install scripts are executed only after explicit confirmation:
the script is downloaded over HTTPS but not otherwise verified, and that
risk is surfaced to the user instead of hidden.

Failures are fatal. There is no rollback and no retry: the first failing
step aborts the run with a structured StepError carrying the command,
exit code, captured stderr, and remediation text, and its exit code is
propagated to the process exit status.
*/
package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ironcladgeek/RoadVLM/pkg/logging"
)

// InstallKind selects how the inference runtime is installed on an OS.
type InstallKind string

const (
	// InstallScript fetches an install script over HTTPS and executes it.
	InstallScript InstallKind = "script"

	// InstallBrew installs a Homebrew formula.
	InstallBrew InstallKind = "brew"
)

// InstallMethod is one entry of the per-OS runtime install table.
type InstallMethod struct {
	Kind InstallKind `yaml:"kind"`

	// ScriptURL is the HTTPS URL of the install script (Kind=script).
	ScriptURL string `yaml:"script_url,omitempty"`

	// Formula is the Homebrew formula name (Kind=brew).
	Formula string `yaml:"formula,omitempty"`
}

// Config declares what a converged host looks like.
type Config struct {
	// Root overrides project root resolution when non-empty.
	Root string

	// PackageManager is the binary name checked for presence.
	PackageManager string

	// PackageManagerScriptURL installs the package manager when absent.
	PackageManagerScriptURL string

	// VenvDir is the venv path relative to the project root.
	VenvDir string

	// SyncCommand syncs dependencies, run with the scoped venv Env.
	SyncCommand []string

	// RuntimeBinary is the inference runtime binary name.
	RuntimeBinary string

	// RuntimeInstall maps GOOS values to install methods.
	RuntimeInstall map[string]InstallMethod

	// SkipVenv skips the venv check and dependency sync.
	SkipVenv bool

	// AssumeYes skips install-script confirmations.
	AssumeYes bool
}

// DefaultConfig returns the standard convergence target: uv as package
// manager, .venv as the project venv, script install on linux and brew on
// darwin for Ollama.
func DefaultConfig() Config {
	return Config{
		PackageManager:          "uv",
		PackageManagerScriptURL: "https://astral.sh/uv/install.sh",
		VenvDir:                 ".venv",
		SyncCommand:             []string{"uv", "sync"},
		RuntimeBinary:           "ollama",
		RuntimeInstall: map[string]InstallMethod{
			"linux":  {Kind: InstallScript, ScriptURL: "https://ollama.com/install.sh"},
			"darwin": {Kind: InstallBrew, Formula: "ollama"},
		},
	}
}

// RuntimeDetector reports whether the inference runtime is installed.
// Satisfied by infra.DefaultSystemChecker, which searches PATH plus the
// common per-OS install locations.
type RuntimeDetector interface {
	IsOllamaInstalled() bool
}

// Confirmer asks the user to approve executing a fetched install script.
// Returning false aborts the step.
type Confirmer func(tool, url string) (bool, error)

// Provisioner runs the convergence steps.
type Provisioner struct {
	cfg      Config
	runner   CommandRunner
	detector RuntimeDetector
	confirm  Confirmer
	client   *http.Client
	log      *logging.Logger

	// goos is overridable for tests.
	goos string
}

// NewProvisioner creates a Provisioner. A nil confirm denies every
// install-script prompt unless cfg.AssumeYes is set.
func NewProvisioner(cfg Config, runner CommandRunner, detector RuntimeDetector, confirm Confirmer, log *logging.Logger) *Provisioner {
	if log == nil {
		log = logging.Default()
	}
	return &Provisioner{
		cfg:      cfg,
		runner:   runner,
		detector: detector,
		confirm:  confirm,
		client:   &http.Client{Timeout: 2 * time.Minute},
		log:      log,
		goos:     runtime.GOOS,
	}
}

// Run executes the provisioning steps in order. It returns the scoped Env
// built for the run so callers can launch follow-up commands in the same
// environment, and the first *StepError encountered.
func (p *Provisioner) Run(ctx context.Context) (*Env, error) {
	root, err := ResolveRoot(p.cfg.Root)
	if err != nil {
		return nil, &StepError{
			Step:        "resolve-root",
			ExitCode:    -1,
			Message:     "cannot determine project root",
			Remediation: "Pass an explicit project root with --root",
			Wrapped:     err,
		}
	}
	p.log.Info("provisioning", "root", root, "os", p.goos)

	if err := p.ensurePackageManager(ctx); err != nil {
		return nil, err
	}

	env, err := p.buildEnv(root)
	if err != nil {
		return nil, err
	}

	if !p.cfg.SkipVenv {
		if err := p.syncDependencies(ctx, env); err != nil {
			return nil, err
		}
	}

	if err := p.ensureRuntime(ctx); err != nil {
		return nil, err
	}

	p.log.Info("provisioning complete", "root", root)
	return env, nil
}

// ensurePackageManager installs the package manager when it is absent
// from PATH. Presence gates the install: a present binary means no
// network access at all.
func (p *Provisioner) ensurePackageManager(ctx context.Context) error {
	if path, err := p.runner.LookPath(p.cfg.PackageManager); err == nil {
		p.log.Debug("package manager present", "name", p.cfg.PackageManager, "path", path)
		return nil
	}

	p.log.Info("package manager missing, installing", "name", p.cfg.PackageManager)
	return p.runInstallScript(ctx, "install-package-manager", p.cfg.PackageManager, p.cfg.PackageManagerScriptURL)
}

// buildEnv verifies the venv precondition and constructs the scoped Env.
// The venv is an external precondition: this step never creates one, and
// a missing venv aborts the run before any dependency sync.
func (p *Provisioner) buildEnv(root string) (*Env, error) {
	if p.cfg.SkipVenv {
		return NewEnv(root, ""), nil
	}

	venv := filepath.Join(root, p.cfg.VenvDir)
	activate := filepath.Join(venv, "bin", "activate")
	if _, err := os.Stat(activate); err != nil {
		return nil, &StepError{
			Step:     "check-venv",
			ExitCode: -1,
			Message:  fmt.Sprintf("virtual environment not found at %s", venv),
			Remediation: fmt.Sprintf(`Create the virtual environment first:
  cd %s
  uv venv

Then re-run: roadvlm setup`, root),
			Wrapped: err,
		}
	}
	return NewEnv(root, venv), nil
}

// syncDependencies runs the configured sync command inside the scoped
// venv environment. Non-zero exit is fatal and propagated.
func (p *Provisioner) syncDependencies(ctx context.Context, env *Env) error {
	if len(p.cfg.SyncCommand) == 0 {
		return nil
	}
	p.log.Info("syncing dependencies", "command", strings.Join(p.cfg.SyncCommand, " "))

	err := p.runner.Run(ctx, env, "sync-dependencies", p.cfg.SyncCommand[0], p.cfg.SyncCommand[1:]...)
	if err != nil {
		if se, ok := err.(*StepError); ok && se.Remediation == "" {
			se.Remediation = "Check pyproject.toml and the sync output above, then re-run: roadvlm setup"
		}
		return err
	}
	return nil
}

// ensureRuntime installs the inference runtime using the per-OS install
// table when it is absent.
func (p *Provisioner) ensureRuntime(ctx context.Context) error {
	if p.detector != nil && p.detector.IsOllamaInstalled() {
		p.log.Debug("inference runtime present", "binary", p.cfg.RuntimeBinary)
		return nil
	}
	if p.detector == nil {
		if _, err := p.runner.LookPath(p.cfg.RuntimeBinary); err == nil {
			p.log.Debug("inference runtime present", "binary", p.cfg.RuntimeBinary)
			return nil
		}
	}

	method, ok := p.cfg.RuntimeInstall[p.goos]
	if !ok {
		return &StepError{
			Step:     "install-runtime",
			ExitCode: -1,
			Message:  fmt.Sprintf("no install method configured for OS %q", p.goos),
			Remediation: fmt.Sprintf(`Install %s manually from https://ollama.com/download,
or add an install method for %q under provision.runtime_install in the config.`,
				p.cfg.RuntimeBinary, p.goos),
		}
	}

	p.log.Info("inference runtime missing, installing",
		"binary", p.cfg.RuntimeBinary, "os", p.goos, "method", string(method.Kind))

	switch method.Kind {
	case InstallBrew:
		err := p.runner.Run(ctx, nil, "install-runtime", "brew", "install", method.Formula)
		if err != nil {
			if se, ok := err.(*StepError); ok && se.Remediation == "" {
				se.Remediation = "Ensure Homebrew is installed (https://brew.sh), then re-run: roadvlm setup"
			}
			return err
		}
		return nil
	case InstallScript:
		return p.runInstallScript(ctx, "install-runtime", p.cfg.RuntimeBinary, method.ScriptURL)
	default:
		return &StepError{
			Step:        "install-runtime",
			ExitCode:    -1,
			Message:     fmt.Sprintf("unknown install method %q", method.Kind),
			Remediation: "Use \"script\" or \"brew\" under provision.runtime_install in the config",
		}
	}
}

// runInstallScript fetches an install script over HTTPS and executes it
// with sh. The script is not checksummed or signed, so execution requires
// confirmation unless AssumeYes is set.
func (p *Provisioner) runInstallScript(ctx context.Context, step, tool, url string) error {
	if url == "" {
		return &StepError{
			Step:        step,
			ExitCode:    -1,
			Message:     fmt.Sprintf("no install script URL configured for %s", tool),
			Remediation: fmt.Sprintf("Install %s manually, or configure its install script URL", tool),
		}
	}

	if !p.cfg.AssumeYes {
		if p.confirm == nil {
			return &StepError{
				Step:     step,
				ExitCode: -1,
				Message:  fmt.Sprintf("installing %s requires executing a fetched script from %s", tool, url),
				Remediation: fmt.Sprintf(`The script is downloaded over HTTPS but not otherwise verified.
Re-run with --yes to approve, or install %s manually.`, tool),
			}
		}
		approved, err := p.confirm(tool, url)
		if err != nil {
			return &StepError{
				Step:     step,
				ExitCode: -1,
				Message:  "confirmation prompt failed",
				Wrapped:  err,
			}
		}
		if !approved {
			return &StepError{
				Step:        step,
				ExitCode:    -1,
				Message:     fmt.Sprintf("installation of %s declined", tool),
				Remediation: fmt.Sprintf("Install %s manually, or re-run and approve the prompt", tool),
			}
		}
	}

	scriptPath, err := p.fetchScript(ctx, url)
	if err != nil {
		return &StepError{
			Step:        step,
			ExitCode:    -1,
			Message:     fmt.Sprintf("cannot fetch install script from %s", url),
			Remediation: "Check your internet connection and the configured script URL",
			Wrapped:     err,
		}
	}
	defer os.Remove(scriptPath)

	err = p.runner.Run(ctx, nil, step, "sh", scriptPath)
	if err != nil {
		if se, ok := err.(*StepError); ok && se.Remediation == "" {
			se.Remediation = fmt.Sprintf("Install %s manually and re-run: roadvlm setup", tool)
		}
		return err
	}
	return nil
}

// fetchScript downloads the script to a temp file readable only by the
// current user.
func (p *Provisioner) fetchScript(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	f, err := os.CreateTemp("", "roadvlm-install-*.sh")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0700); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
