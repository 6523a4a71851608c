package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COPYDESK_CONFIG", "")
	t.Setenv("COPYDESK_STORE", "")

	conf, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if conf.Store != StoreMemory || conf.Addr != ":8787" {
		t.Fatalf("unexpected defaults: %+v", conf)
	}
	if conf.CascadeTimeout.Duration != 30*time.Second || conf.WriteAttempts != 3 {
		t.Fatalf("unexpected engine defaults: %+v", conf)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copydesk.toml")
	contents := `
store = "sqlite"
sqlite_path = "/tmp/from-file.db"
cascade_timeout = "5s"
write_attempts = 2
log_format = "json"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COPYDESK_CONFIG", path)
	t.Setenv("SQLITE_PATH", "/tmp/from-env.db")
	t.Setenv("COPYDESK_LOCK_TTL_SECONDS", "7")

	conf, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if conf.Store != StoreSQLite || conf.LogFormat != "json" || conf.WriteAttempts != 2 {
		t.Fatalf("file values not applied: %+v", conf)
	}
	if conf.CascadeTimeout.Duration != 5*time.Second {
		t.Fatalf("cascade timeout = %v, want 5s", conf.CascadeTimeout.Duration)
	}
	if conf.SQLitePath != "/tmp/from-env.db" {
		t.Fatalf("env should override file, got %q", conf.SQLitePath)
	}
	if conf.LockTTL.Duration != 7*time.Second {
		t.Fatalf("lock ttl = %v, want 7s", conf.LockTTL.Duration)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":       {"COPYDESK_STORE": "cassandra"},
		"unknown log format":  {"LOG_FORMAT": "xml"},
		"zero write attempts": {"COPYDESK_WRITE_ATTEMPTS": "0"},
		"zero timeout":        {"COPYDESK_CASCADE_TIMEOUT_SECONDS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("COPYDESK_CONFIG", "")
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected Load() to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("COPYDESK_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
