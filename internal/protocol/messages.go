package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportKind names the media transport the PBX will use for a call.
type TransportKind string

const (
	TransportFramed TransportKind = "framed"
	TransportPacket TransportKind = "packet"
)

var (
	ErrInvalidSignal    = errors.New("invalid call signal")
	ErrUnsupportedType  = errors.New("unsupported transport type")
	ErrUnsupportedCodec = errors.New("unsupported telephony encoding")
)

// CallStart is the PBX signal that a call should be bridged to an agent.
type CallStart struct {
	CallID      string            `json:"call_id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	Direction   string            `json:"direction"`
	Caller      string            `json:"caller,omitempty"`
	Called      string            `json:"called,omitempty"`
	Context     string            `json:"context,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Transport   TransportKind     `json:"transport"`
	Encoding    string            `json:"encoding,omitempty"`
	MediaRemote string            `json:"media_remote,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// CallStarted answers a CallStart.
type CallStarted struct {
	CallID    string        `json:"call_id"`
	Transport TransportKind `json:"transport"`
	Provider  string        `json:"provider"`
	// MediaPort is the local UDP port for packet calls.
	MediaPort int    `json:"media_port,omitempty"`
	Status    string `json:"status"`
}

// CallEnd is the PBX signal that a call is over.
type CallEnd struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	CallID string `json:"call_id,omitempty"`
}

// ParseCallStart decodes and validates a call-start signal. Defaults: inbound
// direction, framed transport, channel id equal to the call id.
func ParseCallStart(raw []byte) (CallStart, error) {
	var msg CallStart
	if err := json.Unmarshal(raw, &msg); err != nil {
		return CallStart{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := msg.Normalize(); err != nil {
		return CallStart{}, err
	}
	return msg, nil
}

func (m *CallStart) Normalize() error {
	m.CallID = strings.TrimSpace(m.CallID)
	if m.CallID == "" {
		return fmt.Errorf("%w: call_id is required", ErrInvalidSignal)
	}
	if m.ChannelID = strings.TrimSpace(m.ChannelID); m.ChannelID == "" {
		m.ChannelID = m.CallID
	}
	switch d := strings.ToLower(strings.TrimSpace(m.Direction)); d {
	case "", "inbound":
		m.Direction = "inbound"
	case "outbound":
		m.Direction = d
	default:
		return fmt.Errorf("%w: direction must be inbound or outbound", ErrInvalidSignal)
	}
	switch TransportKind(strings.ToLower(strings.TrimSpace(string(m.Transport)))) {
	case "", TransportFramed:
		m.Transport = TransportFramed
	case TransportPacket:
		m.Transport = TransportPacket
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, m.Transport)
	}
	m.Encoding = strings.ToLower(strings.TrimSpace(m.Encoding))
	switch m.Encoding {
	case "", "mulaw", "alaw", "linear16":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, m.Encoding)
	}
	m.MediaRemote = strings.TrimSpace(m.MediaRemote)
	if m.MediaRemote != "" {
		if _, _, err := net.SplitHostPort(m.MediaRemote); err != nil {
			return fmt.Errorf("%w: media_remote: %v", ErrInvalidSignal, err)
		}
	}
	if m.Transport == TransportPacket && m.Encoding == "linear16" {
		return fmt.Errorf("%w: packet calls carry mulaw or alaw", ErrUnsupportedCodec)
	}
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	return nil
}

// ParseCallEnd decodes an optional call-end body.
func ParseCallEnd(raw []byte) (CallEnd, error) {
	var msg CallEnd
	if len(strings.TrimSpace(string(raw))) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return CallEnd{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	msg.Reason = strings.TrimSpace(msg.Reason)
	return msg, nil
}
