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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ironcladgeek/RoadVLM/cmd/roadvlm/config"
	"github.com/ironcladgeek/RoadVLM/internal/infra"
	"github.com/ironcladgeek/RoadVLM/internal/ollama"
	"github.com/ironcladgeek/RoadVLM/internal/provision"
	"github.com/ironcladgeek/RoadVLM/pkg/ux"
)

// runSetup converges the host onto the RoadVLM runtime environment.
func runSetup(cmd *cobra.Command, args []string) error {
	ux.Title("RoadVLM Setup")

	cfg := config.Global.ProvisionerConfig()
	cfg.Root = setupRoot
	cfg.SkipVenv = skipVenv
	cfg.AssumeYes = assumeYes

	client := ollama.New(config.Global.Runtime.BaseURL)
	checker := infra.NewDefaultSystemChecker(client, appLog)

	p := provision.NewProvisioner(cfg, &provision.ExecRunner{}, checker, confirmInstallScript, appLog)

	env, err := p.Run(cmd.Context())
	if err != nil {
		var se *provision.StepError
		if errors.As(err, &se) {
			ux.Error(se.FullError())
		}
		return err
	}

	ux.Success("Environment ready")
	ux.Muted(fmt.Sprintf("Project root: %s", env.Root))
	if env.VirtualEnv != "" {
		ux.Muted(fmt.Sprintf("Virtual env:  %s", env.VirtualEnv))
	}
	return nil
}

// confirmInstallScript asks before executing a fetched install script.
// The script is downloaded over HTTPS but not checksummed or signed, so
// the user has to opt in explicitly. Non-interactive runs must use --yes.
func confirmInstallScript(tool, url string) (bool, error) {
	if !ux.IsInteractive() {
		return false, fmt.Errorf("cannot prompt for %s install in non-interactive mode; re-run with --yes", tool)
	}

	approved := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Install %s by running a fetched script?", tool)).
			Description(fmt.Sprintf("This downloads and executes:\n  %s\n\nThe script is fetched over HTTPS but is not otherwise verified.", url)).
			Affirmative("Install").
			Negative("Cancel").
			Value(&approved),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return approved, nil
}
