package transport

import (
	"context"
	"errors"

	"github.com/ent0n29/callbridge/internal/audio"
)

// Kind names the media transport family of a call.
type Kind string

const (
	KindFramed Kind = "framed"
	KindPacket Kind = "packet"
)

var (
	// ErrClosed is returned once the remote end has gone away or the transport was closed.
	ErrClosed = errors.New("transport closed")
	// ErrFraming is returned when a framed stream carries a header that does not
	// match its payload. The connection is failed rather than resynchronised.
	ErrFraming = errors.New("transport framing error")
)

// Transport carries caller audio between the PBX and a session.
type Transport interface {
	Kind() Kind
	// Format is the caller-side audio format negotiated for this call.
	Format() audio.Format
	// ReadFrame blocks until the next inbound caller frame, ctx cancellation or close.
	ReadFrame(ctx context.Context) (audio.Frame, error)
	// WriteFrame sends one outbound frame to the caller.
	WriteFrame(ctx context.Context, f audio.Frame) error
	Close() error
}

// DTMFSource is implemented by transports that surface keypad digits.
type DTMFSource interface {
	DTMF() <-chan rune
}
