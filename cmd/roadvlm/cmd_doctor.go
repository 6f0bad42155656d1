// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ironcladgeek/RoadVLM/cmd/roadvlm/config"
	"github.com/ironcladgeek/RoadVLM/internal/infra"
	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/internal/provision"
	"github.com/ironcladgeek/RoadVLM/pkg/ux"
)

// runDoctor prints the full diagnostic report, optionally self-healing
// what it can.
func runDoctor(cmd *cobra.Command, args []string) error {
	client := ollama.New(config.Global.Runtime.BaseURL)
	checker := infra.NewDefaultSystemChecker(client, appLog)

	root, err := provision.ResolveRoot(setupRoot)
	if err != nil {
		return err
	}

	if doctorFix && checker.CanSelfHealOllama() {
		ux.Info("Attempting to make Ollama accessible on PATH...")
		if healErr := checker.SelfHealOllama(); healErr != nil {
			ux.Warning(fmt.Sprintf("Self-heal failed: %v", healErr))
		} else {
			ux.Success("Ollama is now accessible")
		}
	}

	spinner := ux.NewSpinner("Running diagnostics")
	spinner.Start()
	report := checker.RunDiagnostics(cmd.Context(), root)
	spinner.Stop()

	fmt.Print(report.String())

	if !report.OllamaInstalled {
		ux.Info(checker.GetOllamaInstallInstructions())
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("%d issue(s) found", len(report.Errors))
	}
	return nil
}
