package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Listen != ":7460" {
		t.Errorf("listen = %q, want :7460", cfg.Listen)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data dir = %q, want ./data", cfg.DataDir)
	}
	if cfg.MaxBundleSize != 256*1024*1024 {
		t.Errorf("max bundle = %d, want 256MB", cfg.MaxBundleSize)
	}
	if !cfg.Markers {
		t.Error("markers disabled by default")
	}
	if cfg.IdleTTL != 10*time.Minute {
		t.Errorf("idle ttl = %s, want 10m", cfg.IdleTTL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAINLINE_LISTEN", ":9999")
	t.Setenv("MAINLINE_MARKERS", "false")
	t.Setenv("MAINLINE_MAX_BUNDLE", "1048576")
	t.Setenv("MAINLINE_IDLE_TTL", "30s")
	t.Setenv("MAINLINE_MAX_OPEN", "7")

	cfg := FromEnv()
	if cfg.Listen != ":9999" {
		t.Errorf("listen = %q, want :9999", cfg.Listen)
	}
	if cfg.Markers {
		t.Error("markers should be disabled")
	}
	if cfg.MaxBundleSize != 1048576 {
		t.Errorf("max bundle = %d, want 1048576", cfg.MaxBundleSize)
	}
	if cfg.IdleTTL != 30*time.Second {
		t.Errorf("idle ttl = %s, want 30s", cfg.IdleTTL)
	}
	if cfg.MaxOpenRepos != 7 {
		t.Errorf("max open = %d, want 7", cfg.MaxOpenRepos)
	}
}

func TestFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("MAINLINE_MAX_BUNDLE", "a lot")
	t.Setenv("MAINLINE_MARKERS", "definitely")

	cfg := FromEnv()
	if cfg.MaxBundleSize != 256*1024*1024 {
		t.Errorf("max bundle = %d, want default", cfg.MaxBundleSize)
	}
	if !cfg.Markers {
		t.Error("markers should fall back to default")
	}
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("MAINLINE_LISTEN", ":9999")

	path := filepath.Join(t.TempDir(), "mainline.yaml")
	content := `
listen: ":7777"
markers: false
protected_paths:
  - "release/**"
  - "**/OWNERS"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Errorf("listen = %q, file should win over env", cfg.Listen)
	}
	if cfg.Markers {
		t.Error("markers should be disabled by file")
	}
	if len(cfg.ProtectedPaths) != 2 || cfg.ProtectedPaths[0] != "release/**" {
		t.Errorf("protected paths = %v", cfg.ProtectedPaths)
	}
	// Values the file does not mention keep their env/default values.
	if cfg.DataDir != "./data" {
		t.Errorf("data dir = %q, want default", cfg.DataDir)
	}
}

func TestLoadEmptyPathUsesEnvOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":7460" {
		t.Errorf("listen = %q, want default", cfg.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
