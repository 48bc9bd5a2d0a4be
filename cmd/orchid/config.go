package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all orchid daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	DefinitionsDir   string `json:"definitions_dir"`
	LogLevel         string `json:"log_level"`
	LogFormat        string `json:"log_format"` // json | text
	WorkerID         string `json:"worker_id"`
	ActivityTimeout  string `json:"activity_timeout"`
	SweepInterval    string `json:"sweep_interval"`
	DispatchInterval string `json:"dispatch_interval"`
}

func defaultConfig() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchid"
	}
	return Config{
		DBPath:           filepath.Join(orchidDir(), "orchid.db"),
		DefinitionsDir:   filepath.Join(orchidDir(), "definitions"),
		LogLevel:         "info",
		LogFormat:        "json",
		WorkerID:         host,
		ActivityTimeout:  "30s",
		SweepInterval:    "5s",
		DispatchInterval: "2s",
	}
}

func orchidDir() string {
	if v := os.Getenv("ORCHID_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchid"
	}
	return filepath.Join(home, ".orchid")
}

func settingsPath() string {
	return filepath.Join(orchidDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ORCHID_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ORCHID_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("ORCHID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHID_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ORCHID_WORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv("ORCHID_ACTIVITY_TIMEOUT"); v != "" {
		cfg.ActivityTimeout = v
	}
	if v := os.Getenv("ORCHID_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("ORCHID_DISPATCH_INTERVAL"); v != "" {
		cfg.DispatchInterval = v
	}

	return cfg
}

// duration parses a config duration, falling back when empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// Bare integers are taken as seconds.
		if n, nerr := strconv.Atoi(s); nerr == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return fallback
	}
	return d
}
