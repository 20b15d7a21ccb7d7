package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 40
	}
	if cfg.Workers.CrashPause == 0 {
		cfg.Workers.CrashPause = 5 * time.Second
	}

	if cfg.Analysis.BaseURL == "" {
		cfg.Analysis.BaseURL = "https://generativelanguage.googleapis.com"
	}

	applyStageDefaults(&cfg.Stages.Discovery, StageConfig{
		Provider:       "gemini",
		Cooldown:       6 * time.Minute,
		ConnectTimeout: 6 * time.Second,
		ReadTimeout:    240 * time.Second,
		TotalTimeout:   250 * time.Second,
		InitialDelay:   700 * time.Millisecond,
	})
	applyStageDefaults(&cfg.Stages.Extraction, StageConfig{
		Provider:       "gemini",
		Cooldown:       6 * time.Minute,
		ConnectTimeout: 6 * time.Second,
		ReadTimeout:    90 * time.Second,
		TotalTimeout:   100 * time.Second,
		InitialDelay:   700 * time.Millisecond,
	})

	if cfg.Adaptive.EvalInterval == 0 {
		cfg.Adaptive.EvalInterval = 15 * time.Minute
	}
	if cfg.Adaptive.Step == 0 {
		cfg.Adaptive.Step = 20 * time.Millisecond
	}
	if cfg.Adaptive.MaxDelay == 0 {
		cfg.Adaptive.MaxDelay = 5 * time.Second
	}

	// Starting delays obey the same bounds the controller ratchets within.
	clampDelay(&cfg.Stages.Discovery.InitialDelay, cfg.Adaptive.MinDelay, cfg.Adaptive.MaxDelay)
	clampDelay(&cfg.Stages.Extraction.InitialDelay, cfg.Adaptive.MinDelay, cfg.Adaptive.MaxDelay)

	return &cfg, nil
}

func clampDelay(d *time.Duration, min, max time.Duration) {
	if *d < min {
		*d = min
	}
	if max > 0 && *d > max {
		*d = max
	}
}

func applyStageDefaults(sc *StageConfig, def StageConfig) {
	if sc.Provider == "" {
		sc.Provider = def.Provider
	}
	if sc.Cooldown == 0 {
		sc.Cooldown = def.Cooldown
	}
	if sc.ConnectTimeout == 0 {
		sc.ConnectTimeout = def.ConnectTimeout
	}
	if sc.ReadTimeout == 0 {
		sc.ReadTimeout = def.ReadTimeout
	}
	if sc.TotalTimeout == 0 {
		sc.TotalTimeout = def.TotalTimeout
	}
	if sc.InitialDelay == 0 {
		sc.InitialDelay = def.InitialDelay
	}
}
