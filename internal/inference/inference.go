// Package inference builds the configured scan.Analyzer.
package inference

import (
	"context"
	"fmt"

	"cardscan/internal/config"
	"cardscan/internal/inference/chatmodel"
	"cardscan/internal/inference/gemini"
	"cardscan/internal/scan"
)

// New returns the analyzer selected by cfg.Inference.Provider.
func New(ctx context.Context, cfg *config.Config) (scan.Analyzer, error) {
	name, provCfg := cfg.ActiveProvider()
	if _, ok := cfg.Providers[name]; !ok {
		return nil, fmt.Errorf("provider %s not configured", name)
	}

	switch name {
	case gemini.ProviderName:
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:      provCfg.APIKey,
			Model:       provCfg.Model,
			BaseURL:     provCfg.BaseURL,
			DisplayName: cfg.Inference.UploadDisplayName,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case chatmodel.ProviderOpenAI, chatmodel.ProviderClaude, chatmodel.ProviderGeminiInline:
		client, err := chatmodel.New(ctx, name, chatmodel.Config{
			APIKey:  provCfg.APIKey,
			Model:   provCfg.Model,
			BaseURL: provCfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
}
