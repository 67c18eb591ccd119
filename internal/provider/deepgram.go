package provider

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
)

// DeepgramConfig configures the Deepgram Voice Agent dialect.
type DeepgramConfig struct {
	APIKey        string
	URL           string
	Language      string
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	SpeakModel    string
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = "wss://agent.deepgram.com/v1/agent/converse"
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = "en"
	}
	if strings.TrimSpace(c.ListenModel) == "" {
		c.ListenModel = "nova-3"
	}
	if strings.TrimSpace(c.ThinkProvider) == "" {
		c.ThinkProvider = "open_ai"
	}
	if strings.TrimSpace(c.ThinkModel) == "" {
		c.ThinkModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(c.SpeakModel) == "" {
		c.SpeakModel = "aura-2-thalia-en"
	}
	return c
}

const deepgramKeepAlive = 5 * time.Second

// NewDeepgram returns an adapter speaking the Deepgram Voice Agent websocket protocol.
func NewDeepgram(cfg DeepgramConfig, sess SessionConfig, timeouts Timeouts, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)
	return newClient(&deepgramDialect{cfg: cfg}, sess, websocketDialer(cfg.URL, headers), timeouts, logger)
}

type deepgramDialect struct {
	cfg DeepgramConfig

	// agentSpeaking is only touched from the read goroutine.
	agentSpeaking bool
}

func (d *deepgramDialect) name() string { return "deepgram" }

func (d *deepgramDialect) capabilities() Capabilities {
	return Capabilities{
		StreamsSpeechIn:         true,
		StreamsSpeechOut:        true,
		SupportsFunctionCalling: true,
		HasNativeTurnDetection:  true,
	}
}

func (d *deepgramDialect) formats(cfg SessionConfig) (audio.Format, audio.Format) {
	switch cfg.CallerFormat {
	case audio.Telephony8kMulaw, audio.Telephony8kAlaw:
		return cfg.CallerFormat, cfg.CallerFormat
	}
	return audio.Linear16k, audio.Linear16k
}

type deepgramAudioSpec struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type deepgramProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type deepgramFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type deepgramSettings struct {
	Type  string `json:"type"`
	Audio struct {
		Input  deepgramAudioSpec `json:"input"`
		Output deepgramAudioSpec `json:"output"`
	} `json:"audio"`
	Agent struct {
		Language string `json:"language"`
		Listen   struct {
			Provider deepgramProvider `json:"provider"`
		} `json:"listen"`
		Think struct {
			Provider  deepgramProvider   `json:"provider"`
			Prompt    string             `json:"prompt,omitempty"`
			Functions []deepgramFunction `json:"functions,omitempty"`
		} `json:"think"`
		Speak struct {
			Provider deepgramProvider `json:"provider"`
		} `json:"speak"`
		Greeting string `json:"greeting,omitempty"`
	} `json:"agent"`
}

func deepgramEncoding(f audio.Format) string {
	switch f.Encoding {
	case audio.EncodingMulaw:
		return "mulaw"
	case audio.EncodingAlaw:
		return "alaw"
	default:
		return "linear16"
	}
}

func (d *deepgramDialect) configure(cfg SessionConfig, in, out audio.Format) ([]outbound, error) {
	var s deepgramSettings
	s.Type = "Settings"
	s.Audio.Input = deepgramAudioSpec{Encoding: deepgramEncoding(in), SampleRate: in.SampleRate}
	s.Audio.Output = deepgramAudioSpec{Encoding: deepgramEncoding(out), SampleRate: out.SampleRate, Container: "none"}
	s.Agent.Language = d.cfg.Language
	s.Agent.Listen.Provider = deepgramProvider{Type: "deepgram", Model: d.cfg.ListenModel}
	s.Agent.Think.Provider = deepgramProvider{Type: d.cfg.ThinkProvider, Model: d.cfg.ThinkModel}
	s.Agent.Think.Prompt = cfg.Instructions
	for _, t := range cfg.Tools {
		fn := deepgramFunction{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			fn.Parameters = t.Parameters
		}
		s.Agent.Think.Functions = append(s.Agent.Think.Functions, fn)
	}
	s.Agent.Speak.Provider = deepgramProvider{Type: "deepgram", Model: d.cfg.SpeakModel}
	s.Agent.Greeting = cfg.Greeting

	msg, err := jsonMessage(s)
	if err != nil {
		return nil, err
	}
	return []outbound{msg}, nil
}

// The greeting travels inside Settings.
func (d *deepgramDialect) afterReady(SessionConfig) ([]outbound, error) { return nil, nil }

type deepgramServerMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Functions   []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		ClientSide bool   `json:"client_side"`
	} `json:"functions"`
}

func (d *deepgramDialect) decode(messageType int, data []byte, out audio.Format) inbound {
	if messageType == websocket.BinaryMessage {
		if len(data) == 0 {
			return inbound{kind: inboundIgnore, label: "binary"}
		}
		var events []Event
		if !d.agentSpeaking {
			d.agentSpeaking = true
			events = append(events, Event{Type: EventResponseStarted})
		}
		events = append(events, Event{Type: EventResponseAudioChunk, Audio: audio.NewFrame(data, out, audio.SourceAgent, 0, 0)})
		return inbound{kind: inboundEvents, label: "audio", events: events}
	}

	var msg deepgramServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{kind: inboundIgnore, label: "malformed"}
	}
	switch msg.Type {
	case "Welcome":
		return inbound{kind: inboundReadyAck, label: msg.Type}
	case "SettingsApplied":
		return inbound{kind: inboundConfigAck, label: msg.Type}
	case "UserStartedSpeaking":
		events := []Event{{Type: EventSpeechStarted}}
		if d.agentSpeaking {
			// The agent drops its own response on barge-in; report it in the common vocabulary.
			d.agentSpeaking = false
			events = append(events, Event{Type: EventResponseCancelled})
		}
		return inbound{kind: inboundEvents, label: msg.Type, events: events}
	case "AgentStartedSpeaking":
		if d.agentSpeaking {
			return inbound{kind: inboundIgnore, label: msg.Type}
		}
		d.agentSpeaking = true
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventResponseStarted}}}
	case "AgentAudioDone":
		d.agentSpeaking = false
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventResponseDone}}}
	case "ConversationText":
		role := RoleAgent
		if msg.Role == "user" {
			role = RoleCaller
		}
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventTranscript, Role: role, Text: msg.Content}}}
	case "FunctionCallRequest":
		var events []Event
		for _, fn := range msg.Functions {
			if !fn.ClientSide {
				continue
			}
			events = append(events, Event{Type: EventFunctionCallRequested, Call: FunctionCall{
				ID:        fn.ID,
				Name:      fn.Name,
				Arguments: json.RawMessage(fn.Arguments),
			}})
		}
		return inbound{kind: inboundEvents, label: msg.Type, events: events}
	case "Error":
		return inbound{kind: inboundFatal, label: msg.Code, err: errors.New(msg.Description)}
	}
	return inbound{kind: inboundIgnore, label: msg.Type}
}

func (d *deepgramDialect) encodeAudio(f audio.Frame) (outbound, error) {
	return outbound{messageType: websocket.BinaryMessage, data: f.Payload()}, nil
}

// The Voice Agent API stops speaking on its own when the caller barges in.
func (d *deepgramDialect) encodeCancel() (outbound, bool) { return outbound{}, false }

func (d *deepgramDialect) encodeToolResult(r ToolResult) ([]outbound, error) {
	content, err := json.Marshal(r.Output)
	if err != nil {
		return nil, err
	}
	msg, err := jsonMessage(map[string]string{
		"type":    "FunctionCallResponse",
		"id":      r.CallID,
		"name":    r.Name,
		"content": string(content),
	})
	if err != nil {
		return nil, err
	}
	return []outbound{msg}, nil
}

func (d *deepgramDialect) keepAlive() (outbound, time.Duration, bool) {
	msg, err := jsonMessage(map[string]string{"type": "KeepAlive"})
	return msg, deepgramKeepAlive, err == nil
}
