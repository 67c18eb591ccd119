package provider

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
)

// LocalConfig configures the self-hosted pipeline server dialect. The server runs
// its own recognition, a local LLM and synthesis; it has no turn detection of its
// own and no tool calling, so barge-in is decided locally.
type LocalConfig struct {
	URL       string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = "ws://127.0.0.1:8765"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "llama3.2"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 150
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// NewLocal returns an adapter for the local pipeline server.
func NewLocal(cfg LocalConfig, sess SessionConfig, timeouts Timeouts, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return newClient(&localDialect{cfg: cfg}, sess, websocketDialer(cfg.URL, nil), timeouts, logger)
}

type localDialect struct {
	cfg LocalConfig
}

func (d *localDialect) name() string { return "local" }

func (d *localDialect) capabilities() Capabilities {
	return Capabilities{
		StreamsSpeechIn:  true,
		StreamsSpeechOut: true,
	}
}

func (d *localDialect) formats(SessionConfig) (audio.Format, audio.Format) {
	return audio.Linear16k, audio.Linear16k
}

type localAudioSpec struct {
	Encoding   audio.Encoding `json:"encoding"`
	SampleRate int            `json:"sample_rate"`
}

type localConfigure struct {
	Type    string `json:"type"`
	Session struct {
		CallID       string         `json:"call_id,omitempty"`
		Instructions string         `json:"instructions,omitempty"`
		Greeting     string         `json:"greeting,omitempty"`
		Input        localAudioSpec `json:"input"`
		Output       localAudioSpec `json:"output"`
		LLM          struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			TimeoutMS int64  `json:"timeout_ms"`
		} `json:"llm"`
	} `json:"session"`
}

func (d *localDialect) configure(cfg SessionConfig, in, out audio.Format) ([]outbound, error) {
	var msg localConfigure
	msg.Type = "configure"
	msg.Session.CallID = cfg.CallID
	msg.Session.Instructions = cfg.Instructions
	msg.Session.Greeting = cfg.Greeting
	msg.Session.Input = localAudioSpec{Encoding: in.Encoding, SampleRate: in.SampleRate}
	msg.Session.Output = localAudioSpec{Encoding: out.Encoding, SampleRate: out.SampleRate}
	msg.Session.LLM.Model = d.cfg.Model
	msg.Session.LLM.MaxTokens = d.cfg.MaxTokens
	msg.Session.LLM.TimeoutMS = d.cfg.Timeout.Milliseconds()

	out0, err := jsonMessage(msg)
	if err != nil {
		return nil, err
	}
	return []outbound{out0}, nil
}

func (d *localDialect) afterReady(SessionConfig) ([]outbound, error) { return nil, nil }

type localServerMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (d *localDialect) decode(messageType int, data []byte, out audio.Format) inbound {
	if messageType == websocket.BinaryMessage {
		if len(data) == 0 {
			return inbound{kind: inboundIgnore, label: "binary"}
		}
		return inbound{kind: inboundEvents, label: "audio", events: []Event{{
			Type:  EventResponseAudioChunk,
			Audio: audio.NewFrame(data, out, audio.SourceAgent, 0, 0),
		}}}
	}
	var msg localServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{kind: inboundIgnore, label: "malformed"}
	}
	switch msg.Type {
	case "session_ready":
		return inbound{kind: inboundReadyAck, label: msg.Type}
	case "configured":
		return inbound{kind: inboundConfigAck, label: msg.Type}
	case "response_start":
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventResponseStarted, ResponseID: msg.ResponseID}}}
	case "response_end":
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventResponseDone, ResponseID: msg.ResponseID}}}
	case "response_cancelled":
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventResponseCancelled, ResponseID: msg.ResponseID}}}
	case "transcript":
		role := RoleAgent
		if msg.Role == "user" || msg.Role == RoleCaller {
			role = RoleCaller
		}
		return inbound{kind: inboundEvents, label: msg.Type, events: []Event{{Type: EventTranscript, Role: role, Text: msg.Text}}}
	case "error":
		return inbound{kind: inboundFatal, label: msg.Code, err: errors.New(msg.Message)}
	}
	return inbound{kind: inboundIgnore, label: msg.Type}
}

func (d *localDialect) encodeAudio(f audio.Frame) (outbound, error) {
	return outbound{messageType: websocket.BinaryMessage, data: f.Payload()}, nil
}

func (d *localDialect) encodeCancel() (outbound, bool) {
	msg, err := jsonMessage(map[string]string{"type": "cancel"})
	return msg, err == nil
}

func (d *localDialect) encodeToolResult(ToolResult) ([]outbound, error) {
	return nil, errors.ErrUnsupported
}

func (d *localDialect) keepAlive() (outbound, time.Duration, bool) {
	return outbound{}, 0, false
}
