package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("CARDSCAN_PROVIDER", "")
	t.Setenv("PORT", "")
	path := writeConfig(t, `{
		"basic_config": {"staging_dir": "staging"},
		"providers": {"gemini": {"api_key": "k"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":8090" {
		t.Fatalf("unexpected address %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.BasicConfig.MaxUploadMB != 10 {
		t.Fatalf("unexpected upload limit %d", cfg.BasicConfig.MaxUploadMB)
	}
	if len(cfg.BasicConfig.AllowedMIMETypes) != 2 {
		t.Fatalf("unexpected mime list %v", cfg.BasicConfig.AllowedMIMETypes)
	}
	if cfg.Inference.Provider != "gemini" || cfg.Inference.MaxAttempts != 1 || cfg.Inference.TimeoutSeconds != 60 {
		t.Fatalf("unexpected inference defaults %+v", cfg.Inference)
	}
	name, p := cfg.ActiveProvider()
	if name != "gemini" || p.Model != "gemini-1.5-pro" {
		t.Fatalf("unexpected provider %s %+v", name, p)
	}
	want := filepath.Join(filepath.Dir(path), "staging")
	if cfg.BasicConfig.StagingDir != want {
		t.Fatalf("staging dir not resolved: %s", cfg.BasicConfig.StagingDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CARDSCAN_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_ADDR", "cache:6380")
	path := writeConfig(t, `{"providers": {"openai": {"model": "gpt-4o-mini"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	name, p := cfg.ActiveProvider()
	if name != "openai" || p.APIKey != "from-env" || p.Model != "gpt-4o-mini" {
		t.Fatalf("env override not applied: %s %+v", name, p)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("port override not applied: %s", cfg.BasicConfig.ServerAddress)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Host != "cache" || cfg.Redis.Port != 6380 {
		t.Fatalf("redis override not applied: %+v", cfg.Redis)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("CARDSCAN_PROVIDER", "")

	cases := map[string]string{
		"missing key":      `{"providers": {"gemini": {}}}`,
		"unknown provider": `{"inference": {"provider": "llama"}, "providers": {"llama": {"api_key": "k"}}}`,
		"missing audit db": `{"basic_config": {"audit_db": "mysql"}, "providers": {"gemini": {"api_key": "k"}}}`,
		"worker bounds":    `{"basic_config": {"min_workers": 4, "max_workers": 2}, "providers": {"gemini": {"api_key": "k"}}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
