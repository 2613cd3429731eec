package tts

import (
	"fmt"

	"github.com/overtone-labs/overtone/internal/config"
)

// FromConfig builds the configured synthesis engine.
func FromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Engine {
	case "azure":
		return NewAzureSynth(cfg.Azure.Key, cfg.Azure.Region)
	case "kokoro":
		return NewKokoroSynth(cfg.Kokoro.Command, cfg.Kokoro.ModelDir, cfg.Kokoro.ModelURL)
	case "mock":
		return NewMockSynth(), nil
	default:
		return nil, fmt.Errorf("unknown tts engine %q", cfg.Engine)
	}
}
