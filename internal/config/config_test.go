package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":8090" {
		t.Fatalf("default address: %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.BasicConfig.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("default history limit: %d", cfg.BasicConfig.HistoryLimit)
	}
	if cfg.BasicConfig.MaxIterations != DefaultMaxIterations {
		t.Fatalf("default max iterations: %d", cfg.BasicConfig.MaxIterations)
	}
	if cfg.BasicConfig.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Fatalf("default rate limit: %d", cfg.BasicConfig.RateLimitPerMinute)
	}
}

func TestLoadResolvesRelativeSqlitePath(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data/app.db"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dsn := cfg.Databases["sqlite3"].DSN
	if !filepath.IsAbs(dsn) {
		t.Fatalf("relative sqlite path not resolved: %q", dsn)
	}
	if filepath.Dir(filepath.Dir(dsn)) != filepath.Dir(path) {
		t.Fatalf("dsn not anchored at config dir: %q", dsn)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `{"databases": {}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("missing databases must be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("missing file must be rejected")
	}
}
