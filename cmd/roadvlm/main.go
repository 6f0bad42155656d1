// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"os"

	"github.com/ironcladgeek/RoadVLM/internal/provision"
)

func main() {
	defer func() {
		if appLog != nil {
			appLog.Close()
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		// Provisioning step failures carry the failing command's exit
		// code; propagate it so callers can distinguish failure modes.
		var se *provision.StepError
		if errors.As(err, &se) && se.ExitCode > 0 {
			os.Exit(se.ExitCode)
		}
		os.Exit(1)
	}
}
