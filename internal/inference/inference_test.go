package inference

import (
	"context"
	"testing"

	"cardscan/internal/config"
)

func TestNewSelectsConfiguredProvider(t *testing.T) {
	cfg := &config.Config{
		Inference: config.InferenceConfig{Provider: "gemini"},
		Providers: map[string]config.ProviderConfig{
			"gemini": {APIKey: "test-key", Model: "gemini-1.5-flash"},
		},
	}
	analyzer, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	if analyzer.Name() != "gemini" || analyzer.Model() != "gemini-1.5-flash" {
		t.Fatalf("unexpected analyzer %s/%s", analyzer.Name(), analyzer.Model())
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Inference: config.InferenceConfig{Provider: "llama"},
		Providers: map[string]config.ProviderConfig{"llama": {APIKey: "k"}},
	}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}

	cfg.Inference.Provider = "openai"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unconfigured provider")
	}
}
