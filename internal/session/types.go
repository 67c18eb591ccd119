package session

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Lifecycle is the coarse state of a call as seen from outside.
type Lifecycle string

const (
	LifecycleAdmitted   Lifecycle = "admitted"
	LifecycleConnecting Lifecycle = "connecting"
	LifecycleActive     Lifecycle = "active"
	LifecycleEnding     Lifecycle = "ending"
	LifecycleEnded      Lifecycle = "ended"
)

type FormatInfo struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type ToolCallInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Deadline time.Time `json:"deadline"`
}

// Snapshot is a read-only copy of one call, safe to hand to monitoring.
type Snapshot struct {
	CallID         string            `json:"call_id"`
	ChannelID      string            `json:"channel_id,omitempty"`
	Direction      Direction         `json:"direction"`
	Transport      string            `json:"transport"`
	Provider       string            `json:"provider"`
	ProviderState  string            `json:"provider_state"`
	Lifecycle      Lifecycle         `json:"lifecycle"`
	TurnMode       string            `json:"turn_mode,omitempty"`
	TurnState      string            `json:"turn_state"`
	CallerFormat   FormatInfo        `json:"caller_format"`
	ProviderInput  FormatInfo        `json:"provider_input"`
	ProviderOutput FormatInfo        `json:"provider_output"`
	PendingTools   []ToolCallInfo    `json:"pending_tools,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	BargeIns       int               `json:"barge_ins"`
	MarkedForEnd   bool              `json:"marked_for_end"`
	CreatedAt      time.Time         `json:"created_at"`
	AnsweredAt     time.Time         `json:"answered_at,omitzero"`
	EndedAt        time.Time         `json:"ended_at,omitzero"`
	EndReason      string            `json:"end_reason,omitempty"`
}
