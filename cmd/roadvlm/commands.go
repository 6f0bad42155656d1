// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ironcladgeek/RoadVLM/cmd/roadvlm/config"
	"github.com/ironcladgeek/RoadVLM/pkg/logging"
	"github.com/ironcladgeek/RoadVLM/pkg/ux"
)

// appLog is the process logger, initialized in PersistentPreRun.
var appLog *logging.Logger

// --- Global Command Variables ---
var (
	outputMode string
	assumeYes  bool

	// setup flags
	setupRoot string
	skipVenv  bool

	// doctor flags
	doctorFix bool

	// analyze flags
	analyzeOutput string
	analyzeModel  string
	analyzeWatch  bool
	analyzeNumWkr int
	analyzeNoCach bool
	annotateBoxes bool

	rootCmd = &cobra.Command{
		Use:   "roadvlm",
		Short: "Driving scene understanding with local vision-language models",
		Long: `RoadVLM analyzes driving scene images with a locally running
vision-language model: it detects vehicles, pedestrians and traffic
controls, and recommends a driving action for each frame.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if outputMode != "" {
				ux.SetMode(ux.ParseMode(outputMode))
			} else {
				ux.InitMode()
			}

			if err := config.Load(); err != nil {
				return err
			}

			logDir := ""
			if home, err := os.UserHomeDir(); err == nil {
				logDir = filepath.Join(home, ".roadvlm", "logs")
			}
			appLog = logging.New(logging.Config{
				Service: "roadvlm",
				LogDir:  logDir,
			})
			return nil
		},
	}

	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Provision the host: package manager, dependencies, inference runtime",
		RunE:  runSetup, // Defined in cmd_setup.go
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Run system diagnostics and report what is missing",
		RunE:  runDoctor, // Defined in cmd_doctor.go
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze [image or directory]",
		Short: "Analyze driving scene images and recommend actions",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze, // Defined in cmd_analyze.go
	}

	// --- Model Management ---
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "Manage vision models on the local Ollama server",
	}
	modelsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List models available locally",
		RunE:  runModelsList, // Defined in cmd_models.go
	}
	modelsPullCmd = &cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model, showing streaming progress",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runModelsPull, // Defined in cmd_models.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&outputMode, "output-mode", "",
		"Output style: rich (default), minimal, or machine (scripting)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false,
		"Assume yes for prompts (required for unattended installs)")

	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().StringVar(&setupRoot, "root", "", "Project root (default: directory of the executable)")
	setupCmd.Flags().BoolVar(&skipVenv, "skip-venv", false, "Skip the venv check and dependency sync")

	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Attempt to self-heal fixable issues")

	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "results", "Output directory for results")
	analyzeCmd.Flags().StringVar(&analyzeModel, "model", "", "Vision model (default: from config)")
	analyzeCmd.Flags().BoolVar(&analyzeWatch, "watch", false, "Watch the directory and analyze frames as they arrive")
	analyzeCmd.Flags().IntVar(&analyzeNumWkr, "workers", 0, "Concurrent analyses (default: from config)")
	analyzeCmd.Flags().BoolVar(&analyzeNoCach, "no-cache", false, "Re-analyze even if a cached result exists")
	analyzeCmd.Flags().BoolVar(&annotateBoxes, "annotate", false, "Write bounding-box overlays next to results")

	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsPullCmd)
}
