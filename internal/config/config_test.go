package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.FuseTTL() != 1*time.Second {
		t.Errorf("FuseTTL() = %v, want 1s", cfg.FuseTTL())
	}
	if cfg.AutoCommitDebounce() != 2*time.Second {
		t.Errorf("AutoCommitDebounce() = %v, want 2s", cfg.AutoCommitDebounce())
	}
	if cfg.OnExit != OnExitPrompt {
		t.Errorf("OnExit = %q, want %q", cfg.OnExit, OnExitPrompt)
	}
	if cfg.InodeCacheSize != 10_000 {
		t.Errorf("InodeCacheSize = %d, want 10000", cfg.InodeCacheSize)
	}
}

func TestAutoCommitDebounceClamp(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	cfg.AutoCommitDebounceMS = 1
	if got := cfg.AutoCommitDebounce(); got != minDebounceMS*time.Millisecond {
		t.Errorf("AutoCommitDebounce() low clamp = %v, want %v", got, minDebounceMS*time.Millisecond)
	}

	cfg.AutoCommitDebounceMS = 10_000_000
	if got := cfg.AutoCommitDebounce(); got != maxDebounceMS*time.Millisecond {
		t.Errorf("AutoCommitDebounce() high clamp = %v, want %v", got, maxDebounceMS*time.Millisecond)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "treebeard")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
fuse_ttl_secs: 5
auto_commit_debounce_ms: 3000
passthrough:
  - "*.sqlite"
  - "node_modules/**"
auto_commit_message: "wip"
squash_commit_message: "squash: {branch}"
on_exit: squash
sync:
  always_skip:
    - "*.tmp"
  always_include:
    - ".env"
hooks:
  post_create: "echo created"
  commit_message: "echo msg"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.FuseTTL() != 5*time.Second {
		t.Errorf("FuseTTL() = %v, want 5s", cfg.FuseTTL())
	}
	if cfg.AutoCommitDebounce() != 3*time.Second {
		t.Errorf("AutoCommitDebounce() = %v, want 3s", cfg.AutoCommitDebounce())
	}
	if len(cfg.Passthrough) != 2 || cfg.Passthrough[0] != "*.sqlite" {
		t.Errorf("Passthrough = %v", cfg.Passthrough)
	}
	if cfg.OnExit != OnExitSquash {
		t.Errorf("OnExit = %q, want %q", cfg.OnExit, OnExitSquash)
	}
	if cfg.SquashCommitMessage != "squash: {branch}" {
		t.Errorf("SquashCommitMessage = %q", cfg.SquashCommitMessage)
	}
	if len(cfg.Sync.AlwaysSkip) != 1 || cfg.Sync.AlwaysSkip[0] != "*.tmp" {
		t.Errorf("Sync.AlwaysSkip = %v", cfg.Sync.AlwaysSkip)
	}
	if cfg.Hooks.PostCreate != "echo created" {
		t.Errorf("Hooks.PostCreate = %q", cfg.Hooks.PostCreate)
	}
}

func TestLoadMountRootFromEnv(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":     tmpDir,
		"TREEBEARD_MOUNT_ROOT": "/srv/treebeard/mounts",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.MountRoot != "/srv/treebeard/mounts" {
		t.Errorf("MountRoot = %q, want /srv/treebeard/mounts", cfg.MountRoot)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.OnExit != OnExitPrompt {
		t.Errorf("LoadWithEnv() without file should use default OnExit, got %q", cfg.OnExit)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "treebeard")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
on_exit: [this is invalid yaml
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "treebeard", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "treebeard", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "treebeard")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
fuse_ttl_secs: 9
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.FuseTTL() != 9*time.Second {
		t.Errorf("FuseTTL() = %v, want 9s", cfg.FuseTTL())
	}
	if cfg.InodeCacheSize != 10_000 {
		t.Errorf("InodeCacheSize = %d, want 10000 (default)", cfg.InodeCacheSize)
	}
	if cfg.OnExit != OnExitPrompt {
		t.Errorf("OnExit = %q, want %q (default)", cfg.OnExit, OnExitPrompt)
	}
}
