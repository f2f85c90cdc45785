package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Port != Default().API.Port {
		t.Fatalf("expected default port, got %d", cfg.API.Port)
	}
}

func TestLoad_ParsesAndOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
main:
  timeout_cn: 3
  max_workers: 50
  max_score: 100
  db_file: custom.db
api:
  host: 127.0.0.1
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Port != 9090 || cfg.API.Host != "127.0.0.1" {
		t.Fatalf("expected overridden API config, got %+v", cfg.API)
	}
	if cfg.Main.TimeoutCN.Std().Seconds() != 3 {
		t.Fatalf("expected timeout_cn=3s, got %v", cfg.Main.TimeoutCN.Std())
	}
	if cfg.Main.DBFile != "custom.db" {
		t.Fatalf("expected db_file overridden, got %q", cfg.Main.DBFile)
	}
	// unset namespaces keep their defaults
	if cfg.GitHub.FileName != Default().GitHub.FileName {
		t.Fatalf("expected github.file_name to keep its default")
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
main:
  max_workers: -1
api:
  port: 70000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative max_workers and out-of-range port")
	}
}

func TestLoad_RejectsInvalidCronExpression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
main:
  revalidate_schedule: "not a cron expression"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for malformed cron expression")
	}
}

func TestFlexBool_AcceptsLegacyStringForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
main:
  check_transparent: "false"
  get_ip_info: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Main.CheckTransparent.Bool() != false {
		t.Fatalf("expected check_transparent=false from legacy string form")
	}
	if cfg.Main.GetIPInfo.Bool() != true {
		t.Fatalf("expected get_ip_info=true")
	}
}
