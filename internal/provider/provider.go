package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/callbridge/internal/audio"
)

var (
	// ErrProtocolSequence is returned when an operation is attempted in a handshake
	// state that does not allow it. Nothing is sent.
	ErrProtocolSequence = errors.New("provider protocol sequence error")
	// ErrHandshakeTimeout means the provider never acknowledged the connection.
	ErrHandshakeTimeout = errors.New("provider handshake timeout")
	// ErrConfigTimeout means the provider never acknowledged the session configuration.
	ErrConfigTimeout = errors.New("provider config timeout")
	// ErrDisconnected means the provider connection dropped.
	ErrDisconnected = errors.New("provider disconnected")
	// ErrRejected means the provider answered the handshake with an error.
	ErrRejected = errors.New("provider rejected session")
	// ErrUnknownProvider is returned by the factory for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Capabilities describes what a provider family can do.
type Capabilities struct {
	StreamsSpeechIn         bool `json:"streams_speech_in"`
	StreamsSpeechOut        bool `json:"streams_speech_out"`
	SupportsFunctionCalling bool `json:"supports_function_calling"`
	HasNativeTurnDetection  bool `json:"has_native_turn_detection"`
}

// EventType is the provider-independent vocabulary every dialect translates into.
type EventType string

const (
	EventSpeechStarted         EventType = "speech_started"
	EventSpeechStopped         EventType = "speech_stopped"
	EventResponseStarted       EventType = "response_started"
	EventResponseAudioChunk    EventType = "response_audio_chunk"
	EventResponseDone          EventType = "response_done"
	EventResponseCancelled     EventType = "response_cancelled"
	EventFunctionCallRequested EventType = "function_call_requested"
	EventTranscript            EventType = "transcript"
	EventError                 EventType = "error"
)

// Transcript roles.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

type Event struct {
	Type       EventType
	ResponseID string
	Audio      audio.Frame
	Call       FunctionCall
	Role       string
	Text       string
	Code       string
	Detail     string
	Retryable  bool
	At         time.Time
}

// FunctionCall is a tool invocation requested by the provider.
type FunctionCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers one FunctionCall.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Name    string         `json:"name"`
	Output  map[string]any `json:"output"`
	IsError bool           `json:"is_error"`
}

// ToolSpec advertises one enabled tool to the provider.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// SessionConfig is what the orchestrator asks of a provider for one call.
type SessionConfig struct {
	CallID       string
	Instructions string
	Greeting     string
	Tools        []ToolSpec
	// CallerFormat lets dialects that accept telephony audio natively skip resampling.
	CallerFormat audio.Format
}

// Adapter is one provider connection for the lifetime of a call.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Connect runs the full handshake and returns once the adapter is Ready.
	Connect(ctx context.Context) error
	State() State
	InputFormat() audio.Format
	OutputFormat() audio.Format
	SendAudio(ctx context.Context, f audio.Frame) error
	CancelResponse(ctx context.Context) error
	SendToolResult(ctx context.Context, r ToolResult) error
	// Events is closed when the connection ends.
	Events() <-chan Event
	// Err returns the reason the adapter failed, if it did.
	Err() error
	Close() error
}
