package reporting

import (
	"context"
	"strings"
	"time"
)

// TranscriptLine is one utterance of the conversation.
type TranscriptLine struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ToolCallRecord is the archived outcome of one tool call.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// CallRecord is the post-call summary handed to reporting when a session ends.
type CallRecord struct {
	ID          string            `json:"id"`
	CallID      string            `json:"call_id"`
	Direction   string            `json:"direction"`
	Caller      string            `json:"caller,omitempty"`
	Called      string            `json:"called,omitempty"`
	Provider    string            `json:"provider"`
	Transport   string            `json:"transport"`
	Outcome     string            `json:"outcome"`
	EndReason   string            `json:"end_reason"`
	BargeIns    int               `json:"barge_ins"`
	Variables   map[string]string `json:"variables,omitempty"`
	Transcript  []TranscriptLine  `json:"transcript,omitempty"`
	ToolCalls   []ToolCallRecord  `json:"tool_calls,omitempty"`
	PIIRedacted bool              `json:"pii_redacted"`
	StartedAt   time.Time         `json:"started_at"`
	AnsweredAt  time.Time         `json:"answered_at,omitzero"`
	EndedAt     time.Time         `json:"ended_at"`
	DurationMS  int64             `json:"duration_ms"`
}

// Store persists post-call records.
type Store interface {
	Save(ctx context.Context, record CallRecord) error
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
	Close() error
}

// NewStore keeps records in PostgreSQL when databaseURL is set and in a
// bounded in-memory ring otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if dsn := strings.TrimSpace(databaseURL); dsn != "" {
		return NewPostgresStore(ctx, dsn)
	}
	return NewInMemoryStore(defaultCapacity), nil
}
