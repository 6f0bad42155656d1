// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Env is the scoped execution environment for provisioning steps. Virtual
// environment "activation" is represented as a value passed to the steps
// that need it instead of mutating the provisioner's own process
// environment, so a run never contaminates the host shell and unit tests
// never fight over global state.
type Env struct {
	// Root is the absolute project root directory.
	Root string

	// VirtualEnv is the absolute path of the project venv, empty when the
	// venv step was skipped.
	VirtualEnv string

	base []string
}

// NewEnv builds an Env rooted at root from the current process
// environment. If venvDir is non-empty, VIRTUAL_ENV is set and the venv's
// bin directory is prepended to PATH, mirroring what sourcing the venv's
// activate script would do.
func NewEnv(root, venvDir string) *Env {
	e := &Env{
		Root: root,
		base: os.Environ(),
	}
	if venvDir != "" {
		e.VirtualEnv = venvDir
	}
	return e
}

// Environ returns the full variable list for passing to exec.Cmd.Env.
func (e *Env) Environ() []string {
	if e.VirtualEnv == "" {
		return append([]string(nil), e.base...)
	}

	binDir := filepath.Join(e.VirtualEnv, "bin")
	out := make([]string, 0, len(e.base)+2)
	pathSeen := false
	for _, kv := range e.base {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
			pathSeen = true
		case strings.HasPrefix(kv, "VIRTUAL_ENV="):
			// replaced below
		default:
			out = append(out, kv)
		}
	}
	if !pathSeen {
		out = append(out, "PATH="+binDir)
	}
	out = append(out, "VIRTUAL_ENV="+e.VirtualEnv)
	return out
}

// ResolveRoot determines the project root directory.
//
// The default is the parent directory of the running executable, never
// the caller's working directory: provisioning must behave identically no
// matter where it is invoked from. An explicit override wins when given.
func ResolveRoot(override string) (string, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", fmt.Errorf("cannot resolve root override %q: %w", override, err)
		}
		return abs, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate running executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Dir(resolved), nil
}
