// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// -----------------------------------------------------------------------------
// Step Errors
// -----------------------------------------------------------------------------

// StepError is the structured failure of one provisioning step. Steps are
// strictly sequential with no retries, so the first StepError aborts the
// run; the exit code is propagated to the process exit status.
type StepError struct {
	// Step names the provisioning step that failed.
	Step string

	// Command is the command line that was executed, if any.
	Command string

	// ExitCode is the command's exit status, or -1 when the command never
	// ran (fetch failure, missing precondition).
	ExitCode int

	// Message is a human-readable error description.
	Message string

	// Stderr is the captured standard error output, trimmed.
	Stderr string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("step %s failed: %s (command: %s, exit %d)", e.Step, e.Message, e.Command, e.ExitCode)
	}
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *StepError) Unwrap() error { return e.Wrapped }

// FullError returns a detailed error message including stderr and
// remediation.
func (e *StepError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Error())
	if e.Stderr != "" {
		buf.WriteString("\n\nStderr:\n")
		buf.WriteString(e.Stderr)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// -----------------------------------------------------------------------------
// Command Runner
// -----------------------------------------------------------------------------

// CommandRunner abstracts subprocess execution so the provisioner's
// convergence logic can be tested without touching the host.
//
// Implementations must be safe for concurrent use.
type CommandRunner interface {
	// Run executes a command with the given scoped environment. A nil env
	// runs with the inherited process environment. Returns a *StepError
	// on non-zero exit.
	Run(ctx context.Context, env *Env, step string, name string, args ...string) error

	// LookPath reports where a binary resolves on PATH, or an error when
	// it does not.
	LookPath(name string) (string, error)
}

// ExecRunner is the real CommandRunner backed by os/exec.
type ExecRunner struct {
	// Stdout receives command output when non-nil; commands are otherwise
	// silent on success.
	Stdout *os.File
}

// Run executes the command, capturing stderr for error reporting.
func (r *ExecRunner) Run(ctx context.Context, env *Env, step string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env.Environ()
		cmd.Dir = env.Root
	}
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &StepError{
			Step:     step,
			Command:  name + " " + strings.Join(args, " "),
			ExitCode: exitCode,
			Message:  "command failed",
			Stderr:   strings.TrimSpace(stderr.String()),
			Wrapped:  err,
		}
	}
	return nil
}

// LookPath defers to exec.LookPath.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

var _ CommandRunner = (*ExecRunner)(nil)
