package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete vaultsyncd configuration
type Config struct {
	Repo       RepoConfig       `yaml:"repo"`
	Sync       SyncConfig       `yaml:"sync"`
	Commit     CommitConfig     `yaml:"commit"`
	Ignore     IgnoreConfig     `yaml:"ignore"`
	SelfUpdate SelfUpdateConfig `yaml:"self_update"`
	Git        GitConfig        `yaml:"git"`
	Auth       AuthConfig       `yaml:"auth"`
	Control    ControlConfig    `yaml:"control"`
}

// RepoConfig configures the remote repository and the local working tree
type RepoConfig struct {
	URL     string `yaml:"url"`
	Branch  string `yaml:"branch"`
	Remote  string `yaml:"remote"`
	Workdir string `yaml:"workdir"`
}

// SyncConfig configures the debounce and poll cadence
type SyncConfig struct {
	DebounceSeconds     int `yaml:"debounce_seconds"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// CommitConfig configures the generated commit subjects
type CommitConfig struct {
	Prefix            string `yaml:"prefix"`
	MaxFilesInSummary int    `yaml:"max_files_in_summary"`
	IncludeTimestamp  bool   `yaml:"include_timestamp"`
}

// IgnoreConfig lists glob patterns excluded from watching and staging
type IgnoreConfig struct {
	Globs []string `yaml:"globs"`
}

// SelfUpdateConfig configures the release watchdog
type SelfUpdateConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Command       string `yaml:"command"`
	IntervalHours int    `yaml:"interval_hours"`
}

// GitConfig configures the git toolchain invocation
type GitConfig struct {
	Executable  string `yaml:"executable"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// AuthConfig configures transport credentials
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ControlConfig configures the local trigger/status HTTP server
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.Remote = os.ExpandEnv(c.Repo.Remote)
	c.Repo.Workdir = os.ExpandEnv(c.Repo.Workdir)
	c.SelfUpdate.Command = os.ExpandEnv(c.SelfUpdate.Command)
	c.Git.Executable = os.ExpandEnv(c.Git.Executable)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Control.ListenAddr = os.ExpandEnv(c.Control.ListenAddr)
	c.Control.SecretFile = os.ExpandEnv(c.Control.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Sync.DebounceSeconds == 0 {
		c.Sync.DebounceSeconds = 5
	}
	if c.Sync.PollIntervalSeconds == 0 {
		c.Sync.PollIntervalSeconds = 300
	}
	if strings.TrimSpace(c.Commit.Prefix) == "" {
		c.Commit.Prefix = "auto:"
	}
	if c.Commit.MaxFilesInSummary <= 0 {
		c.Commit.MaxFilesInSummary = 5
	}
	if c.SelfUpdate.IntervalHours <= 0 {
		c.SelfUpdate.IntervalHours = 24
	}
	if c.Git.Executable == "" {
		c.Git.Executable = "git"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate repo config
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Workdir == "" {
		return fmt.Errorf("repo.workdir is required")
	}
	if !filepath.IsAbs(c.Repo.Workdir) {
		return fmt.Errorf("repo.workdir must be an absolute path: %s", c.Repo.Workdir)
	}

	// Validate cadence bounds: a sub-second debounce or an aggressive poll
	// interval turns the daemon into a remote hammer.
	if c.Sync.DebounceSeconds < 1 {
		return fmt.Errorf("sync.debounce_seconds must be at least 1")
	}
	if c.Sync.PollIntervalSeconds < 30 {
		return fmt.Errorf("sync.poll_interval_seconds must be at least 30")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	// Validate control server config if enabled
	if c.Control.Enabled {
		if c.Control.ListenAddr == "" {
			return fmt.Errorf("control.listen_addr is required when control is enabled")
		}
		if c.Control.SecretFile == "" {
			return fmt.Errorf("control.secret_file is required when control is enabled")
		}
	}

	return nil
}

// DebounceInterval returns the idle window after which a burst of filesystem
// events is considered settled.
func (c *Config) DebounceInterval() time.Duration {
	return time.Duration(c.Sync.DebounceSeconds) * time.Second
}

// PollInterval returns the cadence for pulling remote changes.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}

// UpdateInterval returns the cadence for self-update checks.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.SelfUpdate.IntervalHours) * time.Hour
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
