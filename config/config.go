// Package config provides configuration for the Mainline server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7460").
	Listen string `yaml:"listen"`
	// DataDir is the root directory for repository databases.
	DataDir string `yaml:"data_dir"`
	// MaxBundleSize is the maximum allowed bundle size in bytes.
	MaxBundleSize int64 `yaml:"max_bundle_size"`
	// Markers enables obsolescence marker recording on replays.
	Markers bool `yaml:"markers"`
	// ProtectedPaths are glob patterns that reject any push touching them.
	ProtectedPaths []string `yaml:"protected_paths"`
	// Version is the server version string.
	Version string `yaml:"-"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// MaxOpenRepos is the maximum number of repos to keep open (LRU cache size).
	MaxOpenRepos int `yaml:"max_open_repos"`
	// IdleTTL is how long to keep idle repos open before closing.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Listen:        getEnv("MAINLINE_LISTEN", ":7460"),
		DataDir:       getEnv("MAINLINE_DATA", "./data"),
		MaxBundleSize: getEnvInt64("MAINLINE_MAX_BUNDLE", 256*1024*1024), // 256MB default
		Markers:       getEnvBool("MAINLINE_MARKERS", true),
		Version:       getEnv("MAINLINE_VERSION", "0.1.0"),
		Debug:         getEnvBool("MAINLINE_DEBUG", false),
		MaxOpenRepos:  getEnvInt("MAINLINE_MAX_OPEN", 256),
		IdleTTL:       getEnvDuration("MAINLINE_IDLE_TTL", 10*time.Minute),
	}
}

// Load creates a Config from the environment, then overlays the YAML file at
// path when it is non-empty. File values win over environment values.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
