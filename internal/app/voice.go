package app

import (
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/turn"
)

// providerSettings maps the speech-provider section of cfg onto the factory
// settings shared by every call.
func providerSettings(cfg config.Config) provider.Settings {
	return provider.Settings{
		Timeouts: provider.Timeouts{
			Ready:  cfg.ProviderReadyTimeout,
			Config: cfg.ProviderConfigTimeout,
		},
		OpenAI: provider.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			URL:          cfg.OpenAIURL,
			Model:        cfg.OpenAIModel,
			Voice:        cfg.OpenAIVoice,
			VADThreshold: cfg.OpenAIVADLevel,
		},
		Deepgram: provider.DeepgramConfig{
			APIKey:      cfg.DeepgramAPIKey,
			URL:         cfg.DeepgramURL,
			ListenModel: cfg.DeepgramListenModel,
			ThinkModel:  cfg.DeepgramThinkModel,
			SpeakModel:  cfg.DeepgramSpeakModel,
		},
		Local: provider.LocalConfig{
			URL:   cfg.LocalProviderURL,
			Model: cfg.LocalProviderModel,
		},
	}
}

func turnConfig(cfg config.Config) turn.Config {
	return turn.Config{
		Detector: turn.DetectorConfig{
			ThresholdDBFS: cfg.BargeInEnergyDBFS,
			HysteresisDB:  cfg.BargeInHysteresisDB,
			MinDuration:   cfg.BargeInMinDuration,
			VADThreshold:  cfg.BargeInVADThreshold,
			Release:       cfg.BargeInRelease,
		},
		CancelAckTimeout: cfg.BargeInCancelAckTimeout,
	}
}
