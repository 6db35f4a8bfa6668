// Package config loads treebeard's YAML configuration: defaults first, a
// config file merged on top, environment variables overriding both. This
// package only produces the populated Config value the core packages
// consume.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OnExit selects the branch's end-of-session disposition.
type OnExit string

const (
	OnExitSquash OnExit = "squash"
	OnExitKeep   OnExit = "keep"
	OnExitPrompt OnExit = "prompt"
)

// HooksConfig names the four optional lifecycle/commit-message hook
// commands.
type HooksConfig struct {
	PostCreate    string `yaml:"post_create"`
	PreCleanup    string `yaml:"pre_cleanup"`
	PostCleanup   string `yaml:"post_cleanup"`
	CommitMessage string `yaml:"commit_message"`
}

// SyncConfig carries the gitignore-classification sync phase's always-skip
// and always-include glob lists.
type SyncConfig struct {
	AlwaysSkip    []string `yaml:"always_skip"`
	AlwaysInclude []string `yaml:"always_include"`
}

// Config is the schema the core consumes. Durations are expressed in their
// natural unit (seconds or milliseconds) and converted to time.Duration by
// the accessor methods below.
type Config struct {
	FuseTTLSecs          uint64      `yaml:"fuse_ttl_secs"`
	AutoCommitDebounceMS uint64      `yaml:"auto_commit_debounce_ms"`
	Passthrough          []string    `yaml:"passthrough"`
	AutoCommitMessage    string      `yaml:"auto_commit_message"`
	SquashCommitMessage  string      `yaml:"squash_commit_message"`
	Sync                 SyncConfig  `yaml:"sync"`
	OnExit               OnExit      `yaml:"on_exit"`
	Hooks                HooksConfig `yaml:"hooks"`

	// InodeCacheSize bounds the overlay's inode table.
	InodeCacheSize int `yaml:"inode_cache_size"`

	// MountRoot is the directory under which per-branch mount points are
	// created; overlay.ValidateMountPath rejects any mount target
	// outside it.
	MountRoot string `yaml:"mount_root"`
}

const (
	minDebounceMS = 100
	maxDebounceMS = 60_000
)

// FuseTTL returns FuseTTLSecs as a time.Duration.
func (c *Config) FuseTTL() time.Duration {
	return time.Duration(c.FuseTTLSecs) * time.Second
}

// AutoCommitDebounce returns AutoCommitDebounceMS as a time.Duration,
// clamped to [minDebounceMS, maxDebounceMS].
func (c *Config) AutoCommitDebounce() time.Duration {
	ms := c.AutoCommitDebounceMS
	if ms < minDebounceMS {
		ms = minDebounceMS
	}
	if ms > maxDebounceMS {
		ms = maxDebounceMS
	}
	return time.Duration(ms) * time.Millisecond
}

// DefaultConfig returns treebeard's built-in defaults, applied before any
// config file or environment override.
func DefaultConfig() *Config {
	return &Config{
		FuseTTLSecs:          1,
		AutoCommitDebounceMS: 2000,
		Passthrough:          nil,
		AutoCommitMessage:    "treebeard: auto-commit",
		SquashCommitMessage:  "treebeard: {branch}",
		OnExit:               OnExitPrompt,
		InodeCacheSize:       10_000,
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated values instead of touching the
// process environment.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if root := getenv("TREEBEARD_MOUNT_ROOT"); root != "" {
		cfg.MountRoot = root
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "treebeard", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "treebeard", "config.yaml")
}
