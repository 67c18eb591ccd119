package calllog

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindLifecycle  Kind = "lifecycle"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindTurn       Kind = "turn"
	KindTranscript Kind = "transcript"
	KindDTMF       Kind = "dtmf"
	KindError      Kind = "error"
)

// ErrSealed is returned by Append once the call has ended.
var ErrSealed = errors.New("call log sealed")

type Entry struct {
	ID      string         `json:"id"`
	Seq     int            `json:"seq"`
	Kind    Kind           `json:"kind"`
	At      time.Time      `json:"at"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Log is the ordered, append-only record of one call. It is handed to
// reporting when sealed.
type Log struct {
	mu      sync.Mutex
	callID  string
	entries []Entry
	sealed  bool
}

func New(callID string) *Log {
	return &Log{callID: callID}
}

func (l *Log) CallID() string { return l.callID }

func (l *Log) Append(kind Kind, message string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ErrSealed
	}
	l.entries = append(l.entries, Entry{
		ID:      uuid.NewString(),
		Seq:     len(l.entries) + 1,
		Kind:    kind,
		At:      time.Now().UTC(),
		Message: message,
		Fields:  maps.Clone(fields),
	})
	return nil
}

// Entries returns a copy of the log so far.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneEntries(l.entries)
}

// Seal stops further appends and returns the final entries. It is idempotent.
func (l *Log) Seal() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
	return cloneEntries(l.entries)
}

func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Filter returns the entries of the given kinds, in order.
func Filter(entries []Entry, kinds ...Kind) []Entry {
	var out []Entry
	for _, e := range entries {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Fields = maps.Clone(e.Fields)
		out[i] = e
	}
	return out
}
