package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Settings holds everything needed to open any supported provider.
type Settings struct {
	Timeouts Timeouts
	OpenAI   OpenAIConfig
	Deepgram DeepgramConfig
	Local    LocalConfig
}

// Factory opens provider adapters by name.
type Factory struct {
	settings Settings
	logger   *slog.Logger
}

func NewFactory(settings Settings, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{settings: settings, logger: logger}
}

var providerNames = []string{"deepgram", "local", "openai"}

// Names lists the registered provider families.
func Names() []string {
	out := append([]string(nil), providerNames...)
	sort.Strings(out)
	return out
}

// New returns an unconnected adapter for name.
func (f *Factory) New(name string, sess SessionConfig) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return NewOpenAI(f.settings.OpenAI, sess, f.settings.Timeouts, f.logger), nil
	case "deepgram":
		return NewDeepgram(f.settings.Deepgram, sess, f.settings.Timeouts, f.logger), nil
	case "local":
		return NewLocal(f.settings.Local, sess, f.settings.Timeouts, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q (expected %s)", ErrUnknownProvider, name, strings.Join(providerNames, "|"))
	}
}

// Capabilities reports the capability set of name.
func (f *Factory) Capabilities(name string) (Capabilities, error) {
	return CapabilitiesOf(name)
}

// CapabilitiesOf reports the capability set of a provider family without connecting.
func CapabilitiesOf(name string) (Capabilities, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return (&openAIDialect{}).capabilities(), nil
	case "deepgram":
		return (&deepgramDialect{}).capabilities(), nil
	case "local":
		return (&localDialect{}).capabilities(), nil
	}
	return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}
