package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_ResolveDefaults(t *testing.T) {
	c := &Config{}
	c.Resolve()
	if c.DataDir == "" || c.DBFile == "" || c.NotificationPollInterval == 0 {
		t.Fatalf("expected defaults to be filled, got %+v", c)
	}
}

func TestConfig_Validate_RejectsEmptyDataDir(t *testing.T) {
	c := &Config{DBFile: "x.db"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for empty data_dir")
	}
}

func TestConfig_Validate_RejectsNegativePollInterval(t *testing.T) {
	c := &Config{DataDir: ".", DBFile: "x.db", NotificationPollInterval: -time.Second}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for negative poll interval")
	}
}

func TestConfig_DBPath(t *testing.T) {
	c := &Config{DataDir: "/tmp/data", DBFile: "store.db"}
	if got := c.DBPath(); got != filepath.Join("/tmp/data", "store.db") {
		t.Fatalf("unexpected db path: %s", got)
	}
}

func TestLoad_ParsesYAMLAndResolves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /var/lib/store\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/store" {
		t.Fatalf("unexpected data_dir: %s", cfg.DataDir)
	}
	if cfg.DBFile == "" {
		t.Fatal("expected default db_file to be filled in")
	}
}
