// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ironcladgeek/RoadVLM/cmd/roadvlm/config"
	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/pkg/ux"
)

// runModelsList prints the models available on the local Ollama server.
func runModelsList(cmd *cobra.Command, args []string) error {
	client := ollama.New(config.Global.Runtime.BaseURL)

	models, err := client.ListModels(cmd.Context())
	if err != nil {
		return describeModelError(err)
	}

	if len(models) == 0 {
		ux.Info("No models installed.")
		ux.Muted(fmt.Sprintf("Pull the vision model with: roadvlm models pull %s", config.Global.Runtime.VisionModel))
		return nil
	}

	ux.Title(fmt.Sprintf("Models at %s", client.BaseURL()))
	for _, m := range models {
		line := fmt.Sprintf("  %-30s %6.1f GB", m.Name, float64(m.Size)/(1024*1024*1024))
		if m.ParameterSize != "" {
			line += fmt.Sprintf("  (%s)", m.ParameterSize)
		}
		fmt.Println(line)
	}
	return nil
}

// runModelsPull downloads a model with streaming progress. With no
// argument it pulls the configured vision model.
func runModelsPull(cmd *cobra.Command, args []string) error {
	model := config.Global.Runtime.VisionModel
	if len(args) > 0 {
		model = args[0]
	}

	client := ollama.New(config.Global.Runtime.BaseURL)

	spinner := ux.NewSpinner(fmt.Sprintf("Pulling %s", model))
	spinner.Start()
	defer spinner.Stop()

	err := client.PullModel(cmd.Context(), model, func(status string, completed, total int64) {
		if total > 0 {
			pct := int(completed * 100 / total)
			spinner.SetMessage(fmt.Sprintf("Pulling %s: %s (%d%%)", model, status, pct))
		} else {
			spinner.SetMessage(fmt.Sprintf("Pulling %s: %s", model, status))
		}
	})
	spinner.Stop()
	if err != nil {
		return describeModelError(err)
	}

	ux.Success(fmt.Sprintf("Model %s is ready", model))
	return nil
}

// describeModelError surfaces the remediation text structured model
// errors carry.
func describeModelError(err error) error {
	var me *ollama.ModelError
	if errors.As(err, &me) {
		ux.Error(me.FullError())
	}
	return err
}
