// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command covelinechat runs the CovelineChat turn service.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CovelineAI/CovelineChat/services/chat"
)

// fileConfig is the on-disk shape of config.yaml. Every field is optional;
// flags and environment variables override it.
type fileConfig struct {
	Port                int    `yaml:"port"`
	WeaviateURL         string `yaml:"weaviate_url"`
	SearchURL           string `yaml:"search_url"`
	OTelEndpoint        string `yaml:"otel_endpoint"`
	BlocklistPath       string `yaml:"blocklist_path"`
	ArchivePath         string `yaml:"archive_path"`
	GCSBucket           string `yaml:"gcs_bucket"`
	GCSKeyPath          string `yaml:"gcs_key_path"`
	WindowSize          int    `yaml:"window_size"`
	MultiAgent          bool   `yaml:"multi_agent"`
	ToggleSweepSeconds  int    `yaml:"toggle_sweep_seconds"`
	DisableSummaries    bool   `yaml:"disable_summaries"`
	GinMode             string `yaml:"gin_mode"`
	ModerationModel     string `yaml:"moderation_model"`
}

var (
	configPath string
	config     fileConfig
)

var rootCmd = &cobra.Command{
	Use:   "covelinechat",
	Short: "CovelineChat conversational turn service",
	Long: `covelinechat serves the multi-tenant conversational turn API:
safety gating, windowed history assembly, retrieval grounding, the
generation fallback chain, and chunked conversation persistence.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := chat.New(buildConfig(), nil)
		if err != nil {
			return fmt.Errorf("service initialization failed: %w", err)
		}
		return svc.Run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"path to the service configuration file")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loadConfigFile()
	}
	rootCmd.AddCommand(serveCmd)
}

// loadConfigFile reads config.yaml when present. A missing file is fine:
// the service runs on defaults and environment variables.
func loadConfigFile() {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Error reading %s: %v", configPath, err)
		}
		slog.Info("No configuration file found, using defaults", "path", configPath)
		return
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		log.Fatalf("Error parsing %s: %v", configPath, err)
	}
	slog.Info("Configuration loaded", "path", configPath)
}

// buildConfig merges the file config with environment overrides.
func buildConfig() chat.Config {
	cfg := chat.Config{
		Port:                 config.Port,
		WeaviateURL:          firstNonEmpty(os.Getenv("WEAVIATE_URL"), config.WeaviateURL),
		SearchURL:            firstNonEmpty(os.Getenv("SEARCH_URL"), config.SearchURL),
		OTelEndpoint:         firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), config.OTelEndpoint),
		BlocklistPath:        firstNonEmpty(os.Getenv("SAFETY_BLOCKLIST_PATH"), config.BlocklistPath),
		ModerationModel:      config.ModerationModel,
		WindowSize:           config.WindowSize,
		DisableSummarization: config.DisableSummaries,
		ArchivePath:          firstNonEmpty(os.Getenv("ARCHIVE_PATH"), config.ArchivePath),
		GCSBucket:            firstNonEmpty(os.Getenv("GCS_ARCHIVE_BUCKET"), config.GCSBucket),
		GCSKeyPath:           config.GCSKeyPath,
		MultiAgent:           config.MultiAgent,
		GinMode:              config.GinMode,
	}
	if config.ToggleSweepSeconds > 0 {
		cfg.ToggleSweepInterval = time.Duration(config.ToggleSweepSeconds) * time.Second
	}
	if os.Getenv("MULTI_AGENT") == "true" {
		cfg.MultiAgent = true
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
