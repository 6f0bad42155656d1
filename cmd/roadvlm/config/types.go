// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"github.com/ironcladgeek/RoadVLM/internal/provision"
)

type RoadVLMConfig struct {
	// Runtime: where inference happens and with which model
	Runtime RuntimeConfig `yaml:"runtime"`

	// Provision: what a converged host looks like
	Provision ProvisionConfig `yaml:"provision"`

	// Analysis: pipeline tuning
	Analysis AnalysisConfig `yaml:"analysis"`
}

type RuntimeConfig struct {
	// BaseURL of the Ollama server. Empty falls back to OLLAMA_HOST,
	// then localhost.
	BaseURL string `yaml:"base_url"`

	// VisionModel is the model used for scene analysis.
	VisionModel string `yaml:"vision_model"`

	// TimeoutSeconds bounds each inference request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ProvisionConfig struct {
	PackageManager          string                             `yaml:"package_manager"`
	PackageManagerScriptURL string                             `yaml:"package_manager_script_url"`
	VenvDir                 string                             `yaml:"venv_dir"`
	SyncCommand             []string                           `yaml:"sync_command"`
	RuntimeInstall          map[string]provision.InstallMethod `yaml:"runtime_install"`
}

type AnalysisConfig struct {
	// MinWidth/MinHeight reject frames too small to analyze usefully.
	MinWidth  int `yaml:"min_width"`
	MinHeight int `yaml:"min_height"`

	// Workers bounds concurrent model requests in batch runs.
	Workers int `yaml:"workers"`

	// CacheDir holds the analysis result cache. Empty disables caching.
	CacheDir string `yaml:"cache_dir"`

	// WatchRatePerSecond limits watch-mode analysis throughput.
	WatchRatePerSecond float64 `yaml:"watch_rate_per_second"`
}

// ProvisionerConfig converts the YAML section into the provisioner's
// runtime configuration.
func (c *RoadVLMConfig) ProvisionerConfig() provision.Config {
	return provision.Config{
		PackageManager:          c.Provision.PackageManager,
		PackageManagerScriptURL: c.Provision.PackageManagerScriptURL,
		VenvDir:                 c.Provision.VenvDir,
		SyncCommand:             c.Provision.SyncCommand,
		RuntimeBinary:           "ollama",
		RuntimeInstall:          c.Provision.RuntimeInstall,
	}
}

func DefaultConfig() RoadVLMConfig {
	p := provision.DefaultConfig()
	return RoadVLMConfig{
		Runtime: RuntimeConfig{
			VisionModel:    "llama3.2-vision",
			TimeoutSeconds: 300,
		},
		Provision: ProvisionConfig{
			PackageManager:          p.PackageManager,
			PackageManagerScriptURL: p.PackageManagerScriptURL,
			VenvDir:                 p.VenvDir,
			SyncCommand:             p.SyncCommand,
			RuntimeInstall:          p.RuntimeInstall,
		},
		Analysis: AnalysisConfig{
			MinWidth:           320,
			MinHeight:          240,
			Workers:            2,
			WatchRatePerSecond: 1,
		},
	}
}
