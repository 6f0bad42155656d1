// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package infra provides pre-flight system checks for the RoadVLM CLI.

# Problem Statement

When users run `roadvlm analyze` or `roadvlm setup`, several system
requirements must be met:

 1. Ollama must be installed and running (vision model inference)
 2. The Python environment must be provisioned (uv + project venv)
 3. Network connectivity must exist if models need to be downloaded
 4. Sufficient disk space must be available for model storage

Without early validation, users hit cryptic errors deep in a run:
"model not found" when Ollama isn't installed, hanging downloads with
no internet connection, failed pulls when disk is full.

# Solution

SystemChecker provides explicit, early validation of system requirements:

	┌─────────────────────────────────────────────────────────────────┐
	│                       roadvlm analyze                           │
	├─────────────────────────────────────────────────────────────────┤
	│                                                                 │
	│  1. SystemChecker.IsOllamaInstalled()    ← Clear error if not   │
	│     └─ If not in PATH, offer to add it (self-healing)           │
	│                                                                 │
	│  2. ModelServer.Version()                ← Is it responding?    │
	│                                                                 │
	│  3. ModelServer.HasModel(vision model)                          │
	│     └─ Determine whether a pull is needed                       │
	│                                                                 │
	│  4. IF the model needs pulling:                                 │
	│     ├─ SystemChecker.CheckNetworkConnectivity()                 │
	│     ├─ SystemChecker.CheckDiskSpace()                           │
	│     └─ ModelServer.PullModel()                                  │
	│                                                                 │
	│  5. Run the analysis pipeline                                   │
	│                                                                 │
	└─────────────────────────────────────────────────────────────────┘

# Error Types

	CheckErrorOllamaNotInstalled  - Ollama binary not found
	CheckErrorOllamaNotInPath     - Ollama found but not in PATH
	CheckErrorOllamaNotRunning    - Ollama installed but not responding
	CheckErrorEnvNotProvisioned   - Python env missing (run roadvlm setup)
	CheckErrorNetworkUnavailable  - Cannot reach Ollama registry
	CheckErrorNetworkTimeout      - Network check timed out
	CheckErrorDiskSpaceLow        - Insufficient available space
	CheckErrorPermissionDenied    - Cannot read required paths

# Configuration

The checker respects these environment variables:

  - OLLAMA_HOST: Custom Ollama server URL
  - OLLAMA_MODELS: Custom model storage directory
  - ROADVLM_NETWORK_TIMEOUT: Network check timeout (default: 10s)
  - ROADVLM_NETWORK_RETRIES: Network retry count (default: 3)
*/
package infra

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/pkg/logging"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// CheckErrorType categorizes system check failures for programmatic handling.
type CheckErrorType int

const (
	// CheckErrorOllamaNotInstalled indicates Ollama binary was not found anywhere.
	CheckErrorOllamaNotInstalled CheckErrorType = iota

	// CheckErrorOllamaNotInPath indicates Ollama is installed but not in PATH.
	CheckErrorOllamaNotInPath

	// CheckErrorOllamaNotRunning indicates Ollama is installed but not responding.
	CheckErrorOllamaNotRunning

	// CheckErrorEnvNotProvisioned indicates the Python environment is missing.
	CheckErrorEnvNotProvisioned

	// CheckErrorNetworkUnavailable indicates no internet connectivity.
	CheckErrorNetworkUnavailable

	// CheckErrorNetworkTimeout indicates network check timed out.
	CheckErrorNetworkTimeout

	// CheckErrorDiskSpaceLow indicates insufficient available disk space.
	CheckErrorDiskSpaceLow

	// CheckErrorPermissionDenied indicates cannot read required paths.
	CheckErrorPermissionDenied
)

// String returns the error type as a string for logging.
func (t CheckErrorType) String() string {
	switch t {
	case CheckErrorOllamaNotInstalled:
		return "OLLAMA_NOT_INSTALLED"
	case CheckErrorOllamaNotInPath:
		return "OLLAMA_NOT_IN_PATH"
	case CheckErrorOllamaNotRunning:
		return "OLLAMA_NOT_RUNNING"
	case CheckErrorEnvNotProvisioned:
		return "ENV_NOT_PROVISIONED"
	case CheckErrorNetworkUnavailable:
		return "NETWORK_UNAVAILABLE"
	case CheckErrorNetworkTimeout:
		return "NETWORK_TIMEOUT"
	case CheckErrorDiskSpaceLow:
		return "DISK_SPACE_LOW"
	case CheckErrorPermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "UNKNOWN"
	}
}

// CheckError provides structured error information for system checks.
type CheckError struct {
	// Type categorizes the error for programmatic handling.
	Type CheckErrorType

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// CanSelfHeal indicates if the system can attempt automatic repair.
	CanSelfHeal bool
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *CheckError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	if e.CanSelfHeal {
		buf.WriteString("\n\nNote: This issue may be auto-fixable. Run: roadvlm doctor --fix")
	}
	return buf.String()
}

// -----------------------------------------------------------------------------
// Diagnostic Report
// -----------------------------------------------------------------------------

// DiagnosticReport contains the results of a full system diagnostic.
type DiagnosticReport struct {
	Timestamp time.Time

	// Ollama status
	OllamaInstalled   bool
	OllamaPath        string
	OllamaInPath      bool
	OllamaRunning     bool
	OllamaVersion     string
	OllamaCanSelfHeal bool

	// Python environment status
	PackageManagerInstalled bool
	PackageManagerPath      string
	VenvPresent             bool
	VenvPath                string

	// Model status
	ModelStoragePath string
	ModelDiskUsed    int64
	ModelDiskFree    int64
	InstalledModels  []string

	// Network status
	NetworkReachable bool
	NetworkLatencyMs int64
	NetworkError     string

	// Errors encountered
	Errors []string
}

// String formats the diagnostic report for display.
func (r *DiagnosticReport) String() string {
	var buf bytes.Buffer

	buf.WriteString("=== RoadVLM System Diagnostics ===\n")
	buf.WriteString(fmt.Sprintf("Generated: %s\n\n", r.Timestamp.Format(time.RFC3339)))

	buf.WriteString("[Ollama]\n")
	buf.WriteString(fmt.Sprintf("  Installed:     %s\n", boolToCheck(r.OllamaInstalled)))
	if r.OllamaPath != "" {
		buf.WriteString(fmt.Sprintf("  Path:          %s\n", r.OllamaPath))
	}
	buf.WriteString(fmt.Sprintf("  In PATH:       %s\n", boolToCheck(r.OllamaInPath)))
	buf.WriteString(fmt.Sprintf("  Running:       %s\n", boolToCheck(r.OllamaRunning)))
	if r.OllamaVersion != "" {
		buf.WriteString(fmt.Sprintf("  Version:       %s\n", r.OllamaVersion))
	}
	if r.OllamaCanSelfHeal {
		buf.WriteString("  Self-Heal:     Available (run with --fix)\n")
	}
	buf.WriteString("\n")

	buf.WriteString("[Python Environment]\n")
	buf.WriteString(fmt.Sprintf("  uv Installed:  %s\n", boolToCheck(r.PackageManagerInstalled)))
	if r.PackageManagerPath != "" {
		buf.WriteString(fmt.Sprintf("  uv Path:       %s\n", r.PackageManagerPath))
	}
	buf.WriteString(fmt.Sprintf("  Venv:          %s\n", boolToCheck(r.VenvPresent)))
	if r.VenvPath != "" {
		buf.WriteString(fmt.Sprintf("  Venv Path:     %s\n", r.VenvPath))
	}
	buf.WriteString("\n")

	buf.WriteString("[Models]\n")
	buf.WriteString(fmt.Sprintf("  Storage:       %s\n", r.ModelStoragePath))
	buf.WriteString(fmt.Sprintf("  Disk Used:     %s\n", formatBytes(r.ModelDiskUsed)))
	buf.WriteString(fmt.Sprintf("  Disk Free:     %s\n", formatBytes(r.ModelDiskFree)))
	if len(r.InstalledModels) > 0 {
		buf.WriteString("  Models:\n")
		for _, m := range r.InstalledModels {
			buf.WriteString(fmt.Sprintf("    - %s\n", m))
		}
	} else {
		buf.WriteString("  Models:        (none installed)\n")
	}
	buf.WriteString("\n")

	buf.WriteString("[Network]\n")
	if r.NetworkReachable {
		buf.WriteString(fmt.Sprintf("  Registry:      ✓ Reachable (%dms)\n", r.NetworkLatencyMs))
	} else {
		buf.WriteString(fmt.Sprintf("  Registry:      ✗ Unreachable (%s)\n", r.NetworkError))
	}
	buf.WriteString("\n")

	if len(r.Errors) > 0 {
		buf.WriteString("[Errors]\n")
		for _, e := range r.Errors {
			buf.WriteString(fmt.Sprintf("  ✗ %s\n", e))
		}
	} else {
		buf.WriteString("[Status]\n")
		buf.WriteString("  ✓ All checks passed\n")
	}

	return buf.String()
}

func boolToCheck(b bool) string {
	if b {
		return "✓ Yes"
	}
	return "✗ No"
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// SystemChecker defines the contract for pre-flight system checks.
// This interface enables testing with mocks.
//
// Implementations must be safe for concurrent use.
type SystemChecker interface {
	// IsOllamaInstalled checks if Ollama binary exists (any location).
	IsOllamaInstalled() bool

	// IsOllamaInPath checks if Ollama is accessible via PATH.
	IsOllamaInPath() bool

	// GetOllamaPath returns the path to the Ollama binary, or empty if not found.
	GetOllamaPath() string

	// GetOllamaInstallInstructions returns platform-specific install instructions.
	GetOllamaInstallInstructions() string

	// CanSelfHealOllama returns true if we can fix Ollama accessibility issues.
	CanSelfHealOllama() bool

	// SelfHealOllama attempts to fix Ollama accessibility (e.g., add to PATH).
	SelfHealOllama() error

	// CheckPythonEnv verifies the Python environment is provisioned.
	CheckPythonEnv(projectRoot string) error

	// CheckNetworkConnectivity verifies internet access to the Ollama registry.
	CheckNetworkConnectivity(ctx context.Context) error

	// CheckDiskSpace verifies sufficient disk space for model downloads.
	CheckDiskSpace(requiredBytes int64) error

	// GetAvailableDiskSpace returns available disk space in bytes.
	GetAvailableDiskSpace() (int64, error)

	// GetModelStoragePath returns the path where Ollama stores models.
	GetModelStoragePath() string

	// RunDiagnostics performs comprehensive system checks and returns a report.
	RunDiagnostics(ctx context.Context, projectRoot string) *DiagnosticReport
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// DefaultSystemChecker implements SystemChecker for the local system.
type DefaultSystemChecker struct {
	// server is used to probe the running Ollama instance.
	server ollama.ModelServer

	// ollamaRegistryURLs are URLs used to verify network connectivity.
	ollamaRegistryURLs []string

	// ollamaModelPath is the directory where Ollama stores models.
	ollamaModelPath string

	// httpClient is used for network connectivity checks.
	httpClient *http.Client

	// networkRetries is the number of retry attempts for network checks.
	networkRetries int

	log *logging.Logger

	// Cache for expensive checks
	cacheMu           sync.RWMutex
	ollamaPathCache   string
	ollamaInPathCache bool
	ollamaPathChecked bool
	lastNetworkCheck  time.Time
	lastNetworkResult error
	cacheTTL          time.Duration
}

// NewDefaultSystemChecker creates a system checker bound to the given
// model server. Respects OLLAMA_MODELS, ROADVLM_NETWORK_TIMEOUT and
// ROADVLM_NETWORK_RETRIES.
func NewDefaultSystemChecker(server ollama.ModelServer, log *logging.Logger) *DefaultSystemChecker {
	modelPath := os.Getenv("OLLAMA_MODELS")
	if modelPath == "" {
		home, _ := os.UserHomeDir()
		modelPath = filepath.Join(home, ".ollama", "models")
	}

	timeout := 10 * time.Second
	if envTimeout := os.Getenv("ROADVLM_NETWORK_TIMEOUT"); envTimeout != "" {
		if parsed, err := time.ParseDuration(envTimeout); err == nil {
			timeout = parsed
		}
	}

	retries := 3
	if envRetries := os.Getenv("ROADVLM_NETWORK_RETRIES"); envRetries != "" {
		fmt.Sscanf(envRetries, "%d", &retries)
	}

	if log == nil {
		log = logging.Default()
	}

	return &DefaultSystemChecker{
		server: server,
		ollamaRegistryURLs: []string{
			"https://ollama.com",
			"https://registry.ollama.ai",
		},
		ollamaModelPath: modelPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkRetries: retries,
		log:            log,
		cacheTTL:       30 * time.Second,
	}
}

// -----------------------------------------------------------------------------
// Ollama Installation Detection
// -----------------------------------------------------------------------------

var ollamaSearchPaths = map[string][]string{
	"darwin": {
		"/usr/local/bin/ollama",
		"/opt/homebrew/bin/ollama",
		"/Applications/Ollama.app/Contents/Resources/ollama",
	},
	"linux": {
		"/usr/local/bin/ollama",
		"/usr/bin/ollama",
		"/snap/bin/ollama",
	},
	"windows": {
		`C:\Program Files\Ollama\ollama.exe`,
		`C:\Users\%USERNAME%\AppData\Local\Programs\Ollama\ollama.exe`,
	},
}

// IsOllamaInstalled checks if Ollama binary exists anywhere.
func (c *DefaultSystemChecker) IsOllamaInstalled() bool {
	return c.GetOllamaPath() != ""
}

// IsOllamaInPath checks if Ollama is accessible via PATH.
func (c *DefaultSystemChecker) IsOllamaInPath() bool {
	c.ensureOllamaPathCached()
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.ollamaInPathCache
}

// GetOllamaPath returns the path to the Ollama binary, or empty if not found.
func (c *DefaultSystemChecker) GetOllamaPath() string {
	c.ensureOllamaPathCached()
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.ollamaPathCache
}

func (c *DefaultSystemChecker) ensureOllamaPathCached() {
	c.cacheMu.RLock()
	if c.ollamaPathChecked {
		c.cacheMu.RUnlock()
		return
	}
	c.cacheMu.RUnlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.ollamaPathChecked {
		return
	}

	// 1. Check PATH first
	if path, err := exec.LookPath("ollama"); err == nil {
		c.log.Debug("found ollama in PATH", "path", path)
		c.ollamaPathCache = path
		c.ollamaInPathCache = true
		c.ollamaPathChecked = true
		return
	}

	// 2. Check platform-specific common locations
	paths, ok := ollamaSearchPaths[runtime.GOOS]
	if ok {
		for _, path := range paths {
			expandedPath := os.ExpandEnv(path)
			if _, err := os.Stat(expandedPath); err == nil {
				c.log.Debug("found ollama at common location (not in PATH)", "path", expandedPath)
				c.ollamaPathCache = expandedPath
				c.ollamaInPathCache = false // Found but NOT in PATH
				c.ollamaPathChecked = true
				return
			}
		}
	}

	// 3. Check OLLAMA_HOST hint
	if ollamaHost := os.Getenv("OLLAMA_HOST"); ollamaHost != "" {
		c.log.Debug("OLLAMA_HOST is set, assuming ollama is available", "host", ollamaHost)
		c.ollamaPathCache = "ollama"
		c.ollamaInPathCache = true // Assumed accessible
		c.ollamaPathChecked = true
		return
	}

	c.log.Debug("ollama not found")
	c.ollamaPathChecked = true
	c.ollamaPathCache = ""
	c.ollamaInPathCache = false
}

// GetOllamaInstallInstructions returns platform-specific install instructions.
func (c *DefaultSystemChecker) GetOllamaInstallInstructions() string {
	switch runtime.GOOS {
	case "darwin":
		return `Ollama is required for driving scene analysis.

Install Ollama on macOS:
  Option 1: brew install ollama
  Option 2: Download from https://ollama.com/download

After installing, run: roadvlm setup`

	case "linux":
		return `Ollama is required for driving scene analysis.

Install Ollama on Linux:
  curl -fsSL https://ollama.com/install.sh | sh

After installing, run: roadvlm setup`

	case "windows":
		return `Ollama is required for driving scene analysis.

Install Ollama on Windows:
  Download from: https://ollama.com/download

After installing, run: roadvlm setup`

	default:
		return `Ollama is required for driving scene analysis.

Install Ollama from: https://ollama.com/download

After installing, run: roadvlm setup`
	}
}

// -----------------------------------------------------------------------------
// Self-Healing
// -----------------------------------------------------------------------------

// CanSelfHealOllama returns true if we can fix Ollama accessibility issues.
func (c *DefaultSystemChecker) CanSelfHealOllama() bool {
	return c.IsOllamaInstalled() && !c.IsOllamaInPath()
}

// SelfHealOllama attempts to fix Ollama accessibility by creating a
// symlink in /usr/local/bin. On failure it returns a *CheckError with
// manual PATH instructions.
func (c *DefaultSystemChecker) SelfHealOllama() error {
	if !c.CanSelfHealOllama() {
		return fmt.Errorf("self-heal not applicable: ollama is either not installed or already in PATH")
	}

	ollamaPath := c.GetOllamaPath()
	if ollamaPath == "" {
		return fmt.Errorf("cannot find ollama installation path")
	}

	var symlinkPath string
	switch runtime.GOOS {
	case "darwin":
		symlinkPath = "/usr/local/bin/ollama"
		if err := os.MkdirAll("/usr/local/bin", 0755); err != nil {
			return c.suggestManualPathFix(ollamaPath)
		}
	case "linux":
		symlinkPath = "/usr/local/bin/ollama"
	default:
		return c.suggestManualPathFix(ollamaPath)
	}

	if _, err := os.Stat(symlinkPath); err == nil {
		target, err := os.Readlink(symlinkPath)
		if err == nil && target == ollamaPath {
			// Already linked correctly, but PATH might not include /usr/local/bin
			return c.suggestManualPathFix(ollamaPath)
		}
		return fmt.Errorf("file already exists at %s - manual intervention required", symlinkPath)
	}

	if err := os.Symlink(ollamaPath, symlinkPath); err != nil {
		if os.IsPermission(err) {
			return &CheckError{
				Type:    CheckErrorPermissionDenied,
				Message: "Need elevated permissions to create symlink",
				Detail:  fmt.Sprintf("Cannot create symlink at %s", symlinkPath),
				Remediation: fmt.Sprintf(`Run with sudo:
  sudo ln -s %s %s

Or add Ollama to your PATH manually:
  export PATH="$PATH:%s"

Add this line to ~/.bashrc or ~/.zshrc to make it permanent.`,
					ollamaPath, symlinkPath, filepath.Dir(ollamaPath)),
				CanSelfHeal: false,
			}
		}
		return fmt.Errorf("failed to create symlink: %w", err)
	}

	// Clear cache so next check sees the fix
	c.cacheMu.Lock()
	c.ollamaPathChecked = false
	c.cacheMu.Unlock()

	c.log.Info("created symlink for ollama", "from", symlinkPath, "to", ollamaPath)
	return nil
}

func (c *DefaultSystemChecker) suggestManualPathFix(ollamaPath string) error {
	dir := filepath.Dir(ollamaPath)
	return &CheckError{
		Type:    CheckErrorOllamaNotInPath,
		Message: "Ollama is installed but not in PATH",
		Detail:  fmt.Sprintf("Found at: %s", ollamaPath),
		Remediation: fmt.Sprintf(`Add Ollama to your PATH:

For bash (~/.bashrc):
  export PATH="$PATH:%s"

For zsh (~/.zshrc):
  export PATH="$PATH:%s"

Then restart your terminal or run:
  source ~/.bashrc  # or ~/.zshrc`, dir, dir),
		CanSelfHeal: false,
	}
}

// -----------------------------------------------------------------------------
// Python Environment
// -----------------------------------------------------------------------------

// CheckPythonEnv verifies the project's Python environment is provisioned:
// the uv package manager is on PATH and the project venv exists.
func (c *DefaultSystemChecker) CheckPythonEnv(projectRoot string) error {
	if _, err := exec.LookPath("uv"); err != nil {
		return &CheckError{
			Type:        CheckErrorEnvNotProvisioned,
			Message:     "Package manager 'uv' is not installed",
			Detail:      err.Error(),
			Remediation: "Run: roadvlm setup",
			CanSelfHeal: true,
		}
	}

	venv := filepath.Join(projectRoot, ".venv")
	if info, err := os.Stat(venv); err != nil || !info.IsDir() {
		return &CheckError{
			Type:        CheckErrorEnvNotProvisioned,
			Message:     "Project virtual environment is missing",
			Detail:      fmt.Sprintf("Expected venv at: %s", venv),
			Remediation: "Create the venv (uv venv) and run: roadvlm setup",
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Network Connectivity
// -----------------------------------------------------------------------------

// CheckNetworkConnectivity verifies internet access to Ollama registry.
func (c *DefaultSystemChecker) CheckNetworkConnectivity(ctx context.Context) error {
	// Check cache
	c.cacheMu.RLock()
	if time.Since(c.lastNetworkCheck) < c.cacheTTL {
		result := c.lastNetworkResult
		c.cacheMu.RUnlock()
		return result
	}
	c.cacheMu.RUnlock()

	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt < c.networkRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying network check", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return &CheckError{
					Type:        CheckErrorNetworkTimeout,
					Message:     "Network check cancelled",
					Detail:      ctx.Err().Error(),
					Remediation: "Try again, or skip the pull if the model is already downloaded",
				}
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		for _, url := range c.ollamaRegistryURLs {
			err := c.checkSingleURL(ctx, url)
			if err == nil {
				c.cacheMu.Lock()
				c.lastNetworkCheck = time.Now()
				c.lastNetworkResult = nil
				c.cacheMu.Unlock()
				return nil
			}
			lastErr = err
			c.log.Debug("registry check failed", "url", url, "error", err)
		}
	}

	result := c.classifyNetworkError(lastErr)
	c.cacheMu.Lock()
	c.lastNetworkCheck = time.Now()
	c.lastNetworkResult = result
	c.cacheMu.Unlock()
	return result
}

func (c *DefaultSystemChecker) checkSingleURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *DefaultSystemChecker) classifyNetworkError(err error) *CheckError {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	if os.IsTimeout(err) || strings.Contains(strings.ToLower(errStr), "timeout") ||
		strings.Contains(strings.ToLower(errStr), "deadline exceeded") {
		return &CheckError{
			Type:    CheckErrorNetworkTimeout,
			Message: "Network check timed out",
			Detail:  errStr,
			Remediation: `The network appears slow or unstable.

Options:
  1. Check your internet connection
  2. Try again in a moment
  3. Skip the pull if the model was previously downloaded`,
		}
	}

	if strings.Contains(strings.ToLower(errStr), "no such host") ||
		strings.Contains(strings.ToLower(errStr), "connection refused") ||
		strings.Contains(strings.ToLower(errStr), "network unreachable") {
		return &CheckError{
			Type:    CheckErrorNetworkUnavailable,
			Message: "Cannot connect to Ollama registry",
			Detail:  errStr,
			Remediation: `No internet connection detected.

Options:
  1. Connect to the internet and retry
  2. Skip the pull if the model was previously downloaded
  3. Manually pull the model: ollama pull <model-name>`,
		}
	}

	return &CheckError{
		Type:    CheckErrorNetworkUnavailable,
		Message: "Network connectivity check failed",
		Detail:  errStr,
		Remediation: `Could not verify internet connectivity.

Options:
  1. Check your internet connection
  2. Check if a firewall/proxy is blocking access
  3. Skip the pull if the model was previously downloaded`,
	}
}

// -----------------------------------------------------------------------------
// Disk Space Checking
// -----------------------------------------------------------------------------

// CheckDiskSpace verifies sufficient disk space for model downloads.
func (c *DefaultSystemChecker) CheckDiskSpace(requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}

	available, err := c.GetAvailableDiskSpace()
	if err != nil {
		if os.IsPermission(err) {
			return &CheckError{
				Type:        CheckErrorPermissionDenied,
				Message:     "Cannot check disk space: permission denied",
				Detail:      err.Error(),
				Remediation: "Check permissions: ls -la ~/.ollama",
			}
		}
		return &CheckError{
			Type:        CheckErrorDiskSpaceLow,
			Message:     "Failed to check disk space",
			Detail:      err.Error(),
			Remediation: "Check if the filesystem is accessible",
		}
	}

	if available < requiredBytes {
		return &CheckError{
			Type: CheckErrorDiskSpaceLow,
			Message: fmt.Sprintf(
				"Insufficient disk space: need %s, have %s",
				formatBytes(requiredBytes),
				formatBytes(available),
			),
			Detail: fmt.Sprintf("Model storage path: %s", c.ollamaModelPath),
			Remediation: fmt.Sprintf(`Free up disk space and try again.

Options:
  1. Delete unused files to free up %s
  2. Remove unused Ollama models: ollama rm <model-name>
  3. Use a smaller vision model`,
				formatBytes(requiredBytes-available),
			),
		}
	}

	return nil
}

// GetAvailableDiskSpace returns available disk space in bytes.
func (c *DefaultSystemChecker) GetAvailableDiskSpace() (int64, error) {
	checkPath := c.ollamaModelPath
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			checkPath, _ = os.UserHomeDir()
			break
		}
		checkPath = parent
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(checkPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", checkPath, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	return available, nil
}

// GetModelStoragePath returns the path where Ollama stores models.
func (c *DefaultSystemChecker) GetModelStoragePath() string {
	return c.ollamaModelPath
}

// -----------------------------------------------------------------------------
// Diagnostics
// -----------------------------------------------------------------------------

// RunDiagnostics performs comprehensive system checks and returns a report.
// Used by `roadvlm doctor`.
func (c *DefaultSystemChecker) RunDiagnostics(ctx context.Context, projectRoot string) *DiagnosticReport {
	report := &DiagnosticReport{
		Timestamp:        time.Now(),
		ModelStoragePath: c.ollamaModelPath,
	}

	// Ollama checks
	report.OllamaInstalled = c.IsOllamaInstalled()
	report.OllamaPath = c.GetOllamaPath()
	report.OllamaInPath = c.IsOllamaInPath()
	report.OllamaCanSelfHeal = c.CanSelfHealOllama()

	if c.server != nil {
		if version, err := c.server.Version(ctx); err == nil {
			report.OllamaRunning = true
			report.OllamaVersion = version

			if models, err := c.server.ListModels(ctx); err == nil {
				for _, m := range models {
					report.InstalledModels = append(report.InstalledModels,
						fmt.Sprintf("%s (%s)", m.Name, formatBytes(m.Size)))
				}
			}
		}
	}

	// Python environment, the same check analyze and setup rely on.
	if err := c.CheckPythonEnv(projectRoot); err != nil {
		msg := err.Error()
		if ce, ok := err.(*CheckError); ok {
			msg = ce.Message
		}
		report.Errors = append(report.Errors, msg)
	}
	if path, err := exec.LookPath("uv"); err == nil {
		report.PackageManagerInstalled = true
		report.PackageManagerPath = path
	}
	venv := filepath.Join(projectRoot, ".venv")
	if info, err := os.Stat(venv); err == nil && info.IsDir() {
		report.VenvPresent = true
		report.VenvPath = venv
	}

	// Disk space
	if available, err := c.GetAvailableDiskSpace(); err == nil {
		report.ModelDiskFree = available
	}
	if used, err := c.getDirectorySize(c.ollamaModelPath); err == nil {
		report.ModelDiskUsed = used
	}

	// Network check
	start := time.Now()
	if err := c.CheckNetworkConnectivity(ctx); err != nil {
		report.NetworkReachable = false
		report.NetworkError = err.Error()
		report.Errors = append(report.Errors, "Network: "+err.Error())
	} else {
		report.NetworkReachable = true
		report.NetworkLatencyMs = time.Since(start).Milliseconds()
	}

	// Collect errors
	if !report.OllamaInstalled {
		report.Errors = append(report.Errors, "Ollama is not installed")
	} else if !report.OllamaInPath {
		report.Errors = append(report.Errors, "Ollama is installed but not in PATH")
	}
	if !report.OllamaRunning && report.OllamaInstalled {
		report.Errors = append(report.Errors, "Ollama is not running")
	}
	return report
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

func (c *DefaultSystemChecker) getDirectorySize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
