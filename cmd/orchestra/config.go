package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the orchestra server configuration.
// Priority: flags > env vars (.env.local, .env) > settings.json > defaults.
type Config struct {
	DBPath            string   `json:"db_path"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
	MaxConcurrent     int      `json:"max_concurrent"`
	TemplatesDir      string   `json:"templates_dir"`
	AgentsFile        string   `json:"agents_file"`
	MetricsAddr       string   `json:"metrics_addr"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	ExecutorTimeout   Duration `json:"executor_timeout"`
}

// Duration is a time.Duration read from JSON as "30s" or as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(orchestraDir(), "orchestra.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		MaxConcurrent:     5,
		TemplatesDir:      filepath.Join(orchestraDir(), "templates"),
		SchedulerInterval: Duration(time.Minute),
		ExecutorTimeout:   Duration(2 * time.Minute),
	}
}

func orchestraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

func settingsPath() string {
	return filepath.Join(orchestraDir(), "settings.json")
}

// loadConfig layers settings.json, the .env files in the working directory and
// ORCHESTRA_* variables over the defaults.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Existing variables win, so .env.local shadows .env.
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("load %s: %w", file, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ORCHESTRA_DB_PATH":       &cfg.DBPath,
		"ORCHESTRA_LOG_LEVEL":     &cfg.LogLevel,
		"ORCHESTRA_LOG_FORMAT":    &cfg.LogFormat,
		"ORCHESTRA_TEMPLATES_DIR": &cfg.TemplatesDir,
		"ORCHESTRA_AGENTS_FILE":   &cfg.AgentsFile,
		"ORCHESTRA_METRICS_ADDR":  &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("ORCHESTRA_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCHESTRA_MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = n
	}

	durations := map[string]*Duration{
		"ORCHESTRA_SCHEDULER_INTERVAL": &cfg.SchedulerInterval,
		"ORCHESTRA_EXECUTOR_TIMEOUT":   &cfg.ExecutorTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

// validate rejects configurations the server cannot start with.
func (c Config) validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.MaxConcurrent <= 0 {
		problems = append(problems, "max_concurrent must be positive")
	}
	if c.SchedulerInterval <= 0 {
		problems = append(problems, "scheduler_interval must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
