package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/meirobo/internal/config"
)

// Providers selects the engine and speech backend once at startup. Speech
// is nil when the provider cannot synthesize or transcribe.
func Providers(ctx context.Context, cfg config.EngineConfig) (Engine, Speech, error) {
	switch cfg.Provider {
	case "", "ollama":
		speech, err := geminiSpeech(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewOllamaEngine(cfg.OllamaURL), speech, nil
	case "gemini":
		g, err := NewGenAIEngine(ctx, cfg.GeminiAPIKey, cfg.SpeechModel, cfg.ChatModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, nil, fmt.Errorf("openrouter provider requires an API key")
		}
		speech, err := geminiSpeech(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewOpenRouterEngine(cfg.OpenRouterAPIKey, cfg.OpenRouterURL), speech, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// geminiSpeech returns Gemini as a speech-only backend when a key is set.
func geminiSpeech(ctx context.Context, cfg config.EngineConfig) (Speech, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, nil
	}
	g, err := NewGenAIEngine(ctx, cfg.GeminiAPIKey, cfg.SpeechModel, "gemini-2.5-flash")
	if err != nil {
		return nil, err
	}
	return g, nil
}
