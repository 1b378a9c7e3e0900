package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
repo:
  url: "git@github.com:test/vault.git"
  branch: "main"
  workdir: "/home/user/vault"

sync:
  debounce_seconds: 3
  poll_interval_seconds: 120

commit:
  prefix: "sync:"
  max_files_in_summary: 8
  include_timestamp: true

ignore:
  globs:
    - "*.tmp"
    - ".obsidian/**"

self_update:
  enabled: true
  interval_hours: 12

auth:
  ssh_key_file: "/home/user/.ssh/key"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Verify loaded values
	if cfg.Repo.URL != "git@github.com:test/vault.git" {
		t.Errorf("expected URL git@github.com:test/vault.git, got %s", cfg.Repo.URL)
	}
	if cfg.Repo.Remote != "origin" {
		t.Errorf("expected default remote origin, got %s", cfg.Repo.Remote)
	}
	if cfg.DebounceInterval() != 3*time.Second {
		t.Errorf("expected debounce 3s, got %s", cfg.DebounceInterval())
	}
	if cfg.PollInterval() != 120*time.Second {
		t.Errorf("expected poll interval 120s, got %s", cfg.PollInterval())
	}
	if cfg.Commit.Prefix != "sync:" {
		t.Errorf("expected commit prefix sync:, got %s", cfg.Commit.Prefix)
	}
	if len(cfg.Ignore.Globs) != 2 {
		t.Errorf("expected 2 ignore globs, got %d", len(cfg.Ignore.Globs))
	}
	if cfg.UpdateInterval() != 12*time.Hour {
		t.Errorf("expected update interval 12h, got %s", cfg.UpdateInterval())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
repo:
  url: "https://github.com/test/vault.git"
  workdir: "/home/user/vault"
`
	if err := os.WriteFile(tmpfile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.Branch != "main" {
		t.Errorf("expected default branch main, got %s", cfg.Repo.Branch)
	}
	if cfg.Sync.DebounceSeconds != 5 {
		t.Errorf("expected default debounce 5, got %d", cfg.Sync.DebounceSeconds)
	}
	if cfg.Sync.PollIntervalSeconds != 300 {
		t.Errorf("expected default poll interval 300, got %d", cfg.Sync.PollIntervalSeconds)
	}
	if cfg.Commit.Prefix != "auto:" {
		t.Errorf("expected default prefix auto:, got %s", cfg.Commit.Prefix)
	}
	if cfg.Commit.MaxFilesInSummary != 5 {
		t.Errorf("expected default max files 5, got %d", cfg.Commit.MaxFilesInSummary)
	}
	if cfg.SelfUpdate.Enabled {
		t.Error("expected self-update disabled by default")
	}
	if cfg.SelfUpdate.IntervalHours != 24 {
		t.Errorf("expected default update interval 24h, got %d", cfg.SelfUpdate.IntervalHours)
	}
	if cfg.Git.Executable != "git" {
		t.Errorf("expected default git executable, got %s", cfg.Git.Executable)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("VAULTSYNCD_TEST_HOME", "/home/envuser")

	tmpfile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
repo:
  url: "https://github.com/test/vault.git"
  workdir: "${VAULTSYNCD_TEST_HOME}/vault"
`
	if err := os.WriteFile(tmpfile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.Workdir != "/home/envuser/vault" {
		t.Errorf("expected expanded workdir, got %s", cfg.Repo.Workdir)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Repo: RepoConfig{
				URL:     "git@github.com:test/vault.git",
				Branch:  "main",
				Remote:  "origin",
				Workdir: "/home/user/vault",
			},
			Sync: SyncConfig{DebounceSeconds: 5, PollIntervalSeconds: 300},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Repo.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing workdir",
			mutate:  func(c *Config) { c.Repo.Workdir = "" },
			wantErr: true,
		},
		{
			name:    "relative workdir",
			mutate:  func(c *Config) { c.Repo.Workdir = "vault" },
			wantErr: true,
		},
		{
			name:    "poll interval too small",
			mutate:  func(c *Config) { c.Sync.PollIntervalSeconds = 5 },
			wantErr: true,
		},
		{
			name: "both auth methods set",
			mutate: func(c *Config) {
				c.Auth.SSHKeyFile = "/key"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
		{
			name: "ssh key with https url",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/vault.git"
				c.Auth.SSHKeyFile = "/key"
			},
			wantErr: true,
		},
		{
			name: "https token with matching url",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/vault.git"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: false,
		},
		{
			name:    "control enabled without listen addr",
			mutate:  func(c *Config) { c.Control.Enabled = true },
			wantErr: true,
		},
		{
			name: "control enabled complete",
			mutate: func(c *Config) {
				c.Control.Enabled = true
				c.Control.ListenAddr = "127.0.0.1:7345"
				c.Control.SecretFile = "/secret"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthMethod(t *testing.T) {
	cfg := Config{}
	if got := cfg.AuthMethod(); got != "none" {
		t.Errorf("expected none, got %s", got)
	}

	cfg.Auth.SSHKeyFile = "/key"
	if got := cfg.AuthMethod(); got != "ssh" {
		t.Errorf("expected ssh, got %s", got)
	}

	cfg.Auth.SSHKeyFile = ""
	cfg.Auth.HTTPSTokenFile = "/token"
	if got := cfg.AuthMethod(); got != "https" {
		t.Errorf("expected https, got %s", got)
	}
}
