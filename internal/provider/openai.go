package provider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
)

// OpenAIConfig configures the OpenAI Realtime API dialect.
type OpenAIConfig struct {
	APIKey string
	URL    string
	Model  string
	Voice  string
	// VADThreshold and SilenceDuration tune server-side turn detection.
	VADThreshold    float64
	SilenceDuration time.Duration
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = "alloy"
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 0.5
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 500 * time.Millisecond
	}
	return c
}

// NewOpenAI returns an adapter speaking the OpenAI Realtime websocket protocol.
func NewOpenAI(cfg OpenAIConfig, sess SessionConfig, timeouts Timeouts, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	target := cfg.URL
	if err == nil {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")
	return newClient(&openAIDialect{cfg: cfg}, sess, websocketDialer(target, headers), timeouts, logger)
}

type openAIDialect struct {
	cfg OpenAIConfig
}

func (d *openAIDialect) name() string { return "openai" }

func (d *openAIDialect) capabilities() Capabilities {
	return Capabilities{
		StreamsSpeechIn:         true,
		StreamsSpeechOut:        true,
		SupportsFunctionCalling: true,
		HasNativeTurnDetection:  true,
	}
}

// formats passes G.711 straight through when the caller speaks it; otherwise the
// API's native 24kHz PCM is used.
func (d *openAIDialect) formats(cfg SessionConfig) (audio.Format, audio.Format) {
	switch cfg.CallerFormat {
	case audio.Telephony8kMulaw, audio.Telephony8kAlaw:
		return cfg.CallerFormat, cfg.CallerFormat
	}
	return audio.Linear24k, audio.Linear24k
}

func openAIAudioFormat(f audio.Format) string {
	switch f.Encoding {
	case audio.EncodingMulaw:
		return "g711_ulaw"
	case audio.EncodingAlaw:
		return "g711_alaw"
	default:
		return "pcm16"
	}
}

type openAITool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type openAITurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type openAISession struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription map[string]string   `json:"input_audio_transcription,omitempty"`
	TurnDetection           openAITurnDetection `json:"turn_detection"`
	Tools                   []openAITool        `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
}

func (d *openAIDialect) configure(cfg SessionConfig, in, out audio.Format) ([]outbound, error) {
	session := openAISession{
		Modalities:              []string{"audio", "text"},
		Instructions:            cfg.Instructions,
		Voice:                   d.cfg.Voice,
		InputAudioFormat:        openAIAudioFormat(in),
		OutputAudioFormat:       openAIAudioFormat(out),
		InputAudioTranscription: map[string]string{"model": "whisper-1"},
		TurnDetection: openAITurnDetection{
			Type:              "server_vad",
			Threshold:         d.cfg.VADThreshold,
			PrefixPaddingMS:   300,
			SilenceDurationMS: int(d.cfg.SilenceDuration.Milliseconds()),
			CreateResponse:    true,
			InterruptResponse: true,
		},
	}
	for _, t := range cfg.Tools {
		tool := openAITool{Type: "function", Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			tool.Parameters = t.Parameters
		}
		session.Tools = append(session.Tools, tool)
	}
	if len(session.Tools) > 0 {
		session.ToolChoice = "auto"
	}
	msg, err := jsonMessage(map[string]any{"type": "session.update", "session": session})
	if err != nil {
		return nil, err
	}
	return []outbound{msg}, nil
}

func (d *openAIDialect) afterReady(cfg SessionConfig) ([]outbound, error) {
	if strings.TrimSpace(cfg.Greeting) == "" {
		return nil, nil
	}
	msg, err := jsonMessage(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": "Greet the caller by saying exactly: " + cfg.Greeting,
		},
	})
	if err != nil {
		return nil, err
	}
	return []outbound{msg}, nil
}

type openAIServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ResponseID string `json:"response_id"`
	Response   struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *openAIDialect) decode(messageType int, data []byte, out audio.Format) inbound {
	if messageType != websocket.TextMessage {
		return inbound{kind: inboundIgnore, label: "binary"}
	}
	var ev openAIServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return inbound{kind: inboundIgnore, label: "malformed"}
	}
	one := func(e Event) inbound {
		return inbound{kind: inboundEvents, label: ev.Type, events: []Event{e}}
	}

	switch ev.Type {
	case "session.created":
		return inbound{kind: inboundReadyAck, label: ev.Type}
	case "session.updated":
		return inbound{kind: inboundConfigAck, label: ev.Type}
	case "input_audio_buffer.speech_started":
		return one(Event{Type: EventSpeechStarted})
	case "input_audio_buffer.speech_stopped":
		return one(Event{Type: EventSpeechStopped})
	case "response.created":
		return one(Event{Type: EventResponseStarted, ResponseID: ev.Response.ID})
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil || len(pcm) == 0 {
			return inbound{kind: inboundIgnore, label: ev.Type}
		}
		return one(Event{Type: EventResponseAudioChunk, ResponseID: ev.ResponseID, Audio: audio.NewFrame(pcm, out, audio.SourceAgent, 0, 0)})
	case "response.done":
		if ev.Response.Status == "cancelled" {
			return one(Event{Type: EventResponseCancelled, ResponseID: ev.Response.ID})
		}
		return one(Event{Type: EventResponseDone, ResponseID: ev.Response.ID})
	case "response.function_call_arguments.done":
		return one(Event{Type: EventFunctionCallRequested, ResponseID: ev.ResponseID, Call: FunctionCall{
			ID:        ev.CallID,
			Name:      ev.Name,
			Arguments: json.RawMessage(ev.Arguments),
		}})
	case "conversation.item.input_audio_transcription.completed":
		return one(Event{Type: EventTranscript, Role: RoleCaller, Text: ev.Transcript})
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return one(Event{Type: EventTranscript, Role: RoleAgent, Text: ev.Transcript})
	case "error":
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		if code == "response_cancel_not_active" {
			// Cancel raced the end of the response.
			return inbound{kind: inboundIgnore, label: code}
		}
		return inbound{kind: inboundFatal, label: code, err: errors.New(ev.Error.Message)}
	case "rate_limits.updated", "input_audio_buffer.committed", "conversation.item.created":
		return inbound{kind: inboundIgnore, label: ev.Type}
	}
	return inbound{kind: inboundIgnore, label: ev.Type}
}

func (d *openAIDialect) encodeAudio(f audio.Frame) (outbound, error) {
	return jsonMessage(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(f.Payload()),
	})
}

func (d *openAIDialect) encodeCancel() (outbound, bool) {
	msg, err := jsonMessage(map[string]string{"type": "response.cancel"})
	return msg, err == nil
}

func (d *openAIDialect) encodeToolResult(r ToolResult) ([]outbound, error) {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return nil, err
	}
	item, err := jsonMessage(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": r.CallID,
			"output":  string(output),
		},
	})
	if err != nil {
		return nil, err
	}
	resume, err := jsonMessage(map[string]string{"type": "response.create"})
	if err != nil {
		return nil, err
	}
	return []outbound{item, resume}, nil
}

func (d *openAIDialect) keepAlive() (outbound, time.Duration, bool) {
	return outbound{}, 0, false
}
