package voice

import (
	"context"
	"errors"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/tools"
	"github.com/ent0n29/callbridge/internal/transport"
	"github.com/ent0n29/callbridge/internal/turn"
)

var (
	// ErrForcedTermination ends calls still running when shutdown gives up waiting.
	ErrForcedTermination = session.ErrForcedTermination
	// ErrRemoteHangup is the PBX telling us the call is over.
	ErrRemoteHangup = errors.New("call ended by pbx")
	// ErrAgentHangup means the agent ended the call with the hangup tool.
	ErrAgentHangup = errors.New("call ended by agent")
	ErrTransferred = errors.New("call transferred")
	ErrVoicemail   = errors.New("call sent to voicemail")
	// ErrNotExpected is returned for framed media that no call-start announced.
	ErrNotExpected = errors.New("media connection for unannounced call")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrForcedTermination, "forced_termination"},
	{ErrRemoteHangup, "pbx_hangup"},
	{ErrAgentHangup, "agent_hangup"},
	{ErrTransferred, "transferred"},
	{ErrVoicemail, "voicemail"},
	{ErrNotExpected, "not_expected"},
	{transport.ErrFraming, "framing_error"},
	{transport.ErrClosed, "caller_hangup"},
	{provider.ErrHandshakeTimeout, "handshake_timeout"},
	{provider.ErrConfigTimeout, "config_timeout"},
	{provider.ErrProtocolSequence, "protocol_sequence"},
	{provider.ErrRejected, "provider_rejected"},
	{provider.ErrDisconnected, "provider_disconnected"},
	{provider.ErrUnknownProvider, "unknown_provider"},
	{audio.ErrUnsupportedFormat, "unsupported_format"},
	{turn.ErrInvalidTransition, "invalid_transition"},
	{tools.ErrNotEnabled, "tool_not_enabled"},
	{tools.ErrTimedOut, "tool_timed_out"},
	{session.ErrSessionLimitExceeded, "session_limit_exceeded"},
	{session.ErrDuplicate, "duplicate_call"},
	{session.ErrDraining, "draining"},
	{session.ErrNotFound, "not_found"},
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "cancelled"},
}

// ReasonCode maps an error to the snake_case code used in logs, metrics and
// the call log. A nil error is a normal completion.
func ReasonCode(err error) string {
	if err == nil {
		return "completed"
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal_error"
}

// Outcome condenses an end reason into the business result of a call.
func Outcome(reason string) string {
	switch reason {
	case "completed", "caller_hangup", "agent_hangup", "pbx_hangup":
		return "completed"
	case "transferred", "voicemail":
		return reason
	case "forced_termination":
		return "interrupted"
	default:
		return "failed"
	}
}
