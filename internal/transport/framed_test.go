package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/audio"
)

func framedMessage(kind byte, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf
}

func acceptPipe(t *testing.T, callID uuid.UUID, rest ...[]byte) (*Framed, net.Conn) {
	t.Helper()
	server, pbx := net.Pipe()
	go func() {
		_, _ = pbx.Write(framedMessage(FrameUUID, callID[:]))
		for _, msg := range rest {
			if _, err := pbx.Write(msg); err != nil {
				return
			}
		}
	}()
	tr, err := AcceptFramed(server, time.Second, nil)
	if err != nil {
		t.Fatalf("AcceptFramed() error = %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
		_ = pbx.Close()
	})
	return tr, pbx
}

func TestFramedReadsAudioThenHangup(t *testing.T) {
	callID := uuid.New()
	pcm := make([]byte, 320)
	pcm[0] = 7
	tr, _ := acceptPipe(t, callID,
		framedMessage(FrameAudio, pcm),
		framedMessage(FrameDTMF, []byte{'5'}),
		framedMessage(FrameAudio, pcm),
		framedMessage(FrameHangup, nil),
	)
	if tr.CallID() != callID.String() {
		t.Fatalf("CallID() = %q, want %q", tr.CallID(), callID.String())
	}

	ctx := context.Background()
	first, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if first.Format() != audio.Linear8k || first.Len() != 320 || first.Payload()[0] != 7 {
		t.Fatalf("unexpected first frame: format=%s len=%d", first.Format(), first.Len())
	}
	second, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if second.Seq() != 1 || second.Offset() != 20*time.Millisecond {
		t.Fatalf("second frame seq=%d offset=%v, want 1 and 20ms", second.Seq(), second.Offset())
	}
	select {
	case d := <-tr.DTMF():
		if d != '5' {
			t.Fatalf("dtmf = %q, want '5'", d)
		}
	default:
		t.Fatalf("expected a dtmf digit")
	}
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadFrame() after hangup error = %v, want ErrClosed", err)
	}
}

func TestFramedFailsOnLengthMismatch(t *testing.T) {
	tr, _ := acceptPipe(t, uuid.New(), framedMessage(FrameAudio, make([]byte, 3)))
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrFraming) {
		t.Fatalf("ReadFrame() error = %v, want ErrFraming", err)
	}
	if err := tr.WriteFrame(context.Background(), audio.Silence(audio.Linear8k, 20*time.Millisecond, audio.SourceAgent, 0, 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteFrame() after framing failure error = %v, want ErrClosed", err)
	}
}

func TestFramedFailsOnTruncatedPayload(t *testing.T) {
	server, pbx := net.Pipe()
	callID := uuid.New()
	go func() {
		_, _ = pbx.Write(framedMessage(FrameUUID, callID[:]))
		header := []byte{FrameAudio, 0x01, 0x40}
		_, _ = pbx.Write(header)
		_, _ = pbx.Write(make([]byte, 10))
		_ = pbx.Close()
	}()
	tr, err := AcceptFramed(server, time.Second, nil)
	if err != nil {
		t.Fatalf("AcceptFramed() error = %v", err)
	}
	defer tr.Close()
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrFraming) {
		t.Fatalf("ReadFrame() error = %v, want ErrFraming", err)
	}
}

func TestAcceptFramedRequiresUUIDFirst(t *testing.T) {
	server, pbx := net.Pipe()
	defer pbx.Close()
	go func() {
		_, _ = pbx.Write(framedMessage(FrameAudio, make([]byte, 320)))
	}()
	if _, err := AcceptFramed(server, time.Second, nil); !errors.Is(err, ErrFraming) {
		t.Fatalf("AcceptFramed() error = %v, want ErrFraming", err)
	}
}

func TestFramedWriteEncodesToSlin(t *testing.T) {
	tr, pbx := acceptPipe(t, uuid.New())
	frame := audio.Silence(audio.Telephony8kMulaw, 20*time.Millisecond, audio.SourceAgent, 0, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.WriteFrame(context.Background(), frame) }()

	header := make([]byte, 3)
	if _, err := io.ReadFull(pbx, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[0] != FrameAudio {
		t.Fatalf("kind = %#x, want audio", header[0])
	}
	n := binary.BigEndian.Uint16(header[1:])
	if n != 320 {
		t.Fatalf("length = %d, want 320", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(pbx, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(payload, make([]byte, 320)) {
		t.Fatalf("silence was not written as zero slin samples")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
}

func TestFramedReadHonoursContext(t *testing.T) {
	tr, _ := acceptPipe(t, uuid.New())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadFrame() error = %v, want context.DeadlineExceeded", err)
	}
}
