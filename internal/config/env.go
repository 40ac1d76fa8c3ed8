// Package config handles environment-based configuration loading for tagd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all settings needed to construct and run the server.
// Values come from environment variables, optionally overridden by a YAML
// file pointed to by TAGD_CONFIG_FILE — env vars always win over the file.
type EnvConfig struct {
	// Network
	ListenAddress string

	// Server engine
	Workers         int
	QueueLength     int
	APIMaxBodyBytes int64

	// Stats reporter
	StatsLogSchedule string // cron expression, e.g. "@every 1m"
}

// fileOverrides mirrors the subset of EnvConfig that may be supplied via
// TAGD_CONFIG_FILE. Unset fields (zero value) are left for the env/default
// layer to fill in.
type fileOverrides struct {
	ListenAddress    string `yaml:"listen_address"`
	Workers          int    `yaml:"workers"`
	QueueLength      int    `yaml:"queue_length"`
	APIMaxBodyBytes  int64  `yaml:"api_max_body_bytes"`
	StatsLogSchedule string `yaml:"stats_log_schedule"`
}

// LoadEnvConfig reads environment variables (and, if TAGD_CONFIG_FILE is
// set, a YAML file of overrides) and returns a validated EnvConfig.
// Validation errors are accumulated and returned together rather than
// failing on the first bad variable, matching the rest of the config
// surface's collect-then-join convention.
func LoadEnvConfig() (*EnvConfig, error) {
	var errs []string

	file, err := loadFileOverrides(os.Getenv("TAGD_CONFIG_FILE"))
	if err != nil {
		errs = append(errs, err.Error())
		file = fileOverrides{}
	}

	cfg := &EnvConfig{}
	cfg.ListenAddress = strings.TrimSpace(envStrFallback("TAGD_LISTEN_ADDRESS", file.ListenAddress, ":8080"))
	cfg.Workers = envIntFallback("TAGD_WORKERS", file.Workers, 8, &errs)
	cfg.QueueLength = envIntFallback("TAGD_QUEUE_LENGTH", file.QueueLength, 64, &errs)
	cfg.APIMaxBodyBytes = envInt64Fallback("TAGD_API_MAX_BODY_BYTES", file.APIMaxBodyBytes, 1<<20, &errs)
	cfg.StatsLogSchedule = envStrFallback("TAGD_STATS_LOG_SCHEDULE", file.StatsLogSchedule, "@every 1m")

	if cfg.ListenAddress == "" {
		errs = append(errs, "TAGD_LISTEN_ADDRESS must not be empty")
	}
	validatePositive("TAGD_WORKERS", cfg.Workers, &errs)
	validatePositive("TAGD_QUEUE_LENGTH", cfg.QueueLength, &errs)
	if cfg.APIMaxBodyBytes <= 0 {
		errs = append(errs, "TAGD_API_MAX_BODY_BYTES must be positive")
	}
	if _, err := cron.ParseStandard(cfg.StatsLogSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TAGD_STATS_LOG_SCHEDULE: invalid cron expression %q: %v", cfg.StatsLogSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func loadFileOverrides(path string) (fileOverrides, error) {
	var out fileOverrides
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("TAGD_CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("TAGD_CONFIG_FILE: invalid YAML: %w", err)
	}
	return out, nil
}

// --- helpers ---

func envStrFallback(key, fileVal, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return defaultVal
}

func envIntFallback(key string, fileVal, defaultVal int, errs *[]string) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
			return defaultVal
		}
		return n
	}
	if fileVal != 0 {
		return fileVal
	}
	return defaultVal
}

func envInt64Fallback(key string, fileVal, defaultVal int64, errs *[]string) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
			return defaultVal
		}
		return n
	}
	if fileVal != 0 {
		return fileVal
	}
	return defaultVal
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", name))
	}
}
