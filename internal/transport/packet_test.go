package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/ent0n29/callbridge/internal/audio"
)

func TestJitterBufferReordersWithinWindow(t *testing.T) {
	j := newJitterBuffer(3)
	j.push(10, []byte{10})
	j.push(12, []byte{12})
	j.push(11, []byte{11})

	for _, want := range []uint16{10, 11, 12} {
		out, ok := j.pop()
		if !ok {
			t.Fatalf("pop() returned nothing, want seq %d", want)
		}
		if out.lost || out.seq != want || out.payload[0] != byte(want) {
			t.Fatalf("pop() = %+v, want seq %d", out, want)
		}
	}
	if _, ok := j.pop(); ok {
		t.Fatalf("pop() on empty buffer returned a packet")
	}
}

func TestJitterBufferInsertsGapBeyondWindow(t *testing.T) {
	j := newJitterBuffer(2)
	j.push(100, []byte{0})
	if _, ok := j.pop(); !ok {
		t.Fatalf("expected first packet")
	}
	// 101 is lost.
	j.push(102, []byte{2})
	j.push(103, []byte{3})
	if _, ok := j.pop(); ok {
		t.Fatalf("pop() should wait while within the window")
	}
	j.push(104, []byte{4})
	out, ok := j.pop()
	if !ok || !out.lost || out.seq != 101 {
		t.Fatalf("pop() = %+v, %v; want lost seq 101", out, ok)
	}
	out, ok = j.pop()
	if !ok || out.lost || out.seq != 102 {
		t.Fatalf("pop() = %+v, %v; want seq 102", out, ok)
	}
	if j.lost != 1 {
		t.Fatalf("lost = %d, want 1", j.lost)
	}
}

func TestJitterBufferDropsLateAndDuplicate(t *testing.T) {
	j := newJitterBuffer(3)
	j.push(5, []byte{5})
	j.pop()
	j.push(4, []byte{4})
	j.push(6, []byte{6})
	j.push(6, []byte{6})
	if j.late != 1 || j.duplicates != 1 {
		t.Fatalf("late=%d duplicates=%d, want 1 and 1", j.late, j.duplicates)
	}
}

func TestJitterBufferHandlesWraparound(t *testing.T) {
	j := newJitterBuffer(3)
	j.push(65535, []byte{1})
	j.push(0, []byte{2})
	first, _ := j.pop()
	second, ok := j.pop()
	if first.seq != 65535 || !ok || second.seq != 0 {
		t.Fatalf("wraparound order = %d, %d", first.seq, second.seq)
	}
}

func TestJitterBufferResyncsOnBackwardRestart(t *testing.T) {
	j := newJitterBuffer(3)
	for seq := uint16(5000); seq < 5010; seq++ {
		j.push(seq, []byte{1})
		if _, ok := j.pop(); !ok {
			t.Fatalf("pop() after seq %d returned nothing", seq)
		}
	}

	emitted := 0
	for seq := uint16(1000); seq < 1500; seq++ {
		j.push(seq, []byte{2})
		for {
			out, ok := j.pop()
			if !ok {
				break
			}
			if out.lost {
				t.Fatalf("pop() reported seq %d lost after restart", out.seq)
			}
			emitted++
		}
	}
	if emitted != 500 || j.late != 0 || j.resyncs != 1 {
		t.Fatalf("emitted=%d late=%d resyncs=%d, want 500, 0, 1", emitted, j.late, j.resyncs)
	}
}

func TestJitterBufferResyncsAfterLateRun(t *testing.T) {
	j := newJitterBuffer(2)
	j.push(200, []byte{1})
	j.pop()
	// The stream restarts 50 packets back, inside the jump distance.
	for seq := uint16(150); seq < 160; seq++ {
		j.push(seq, []byte{2})
	}
	if j.late != 2 || j.resyncs != 1 {
		t.Fatalf("late=%d resyncs=%d, want 2 and 1", j.late, j.resyncs)
	}
	out, ok := j.pop()
	if !ok || out.lost || out.seq != 152 {
		t.Fatalf("pop() = %+v, %v; want seq 152", out, ok)
	}
}

func TestJitterBufferResyncsOnForwardJump(t *testing.T) {
	j := newJitterBuffer(3)
	j.push(100, []byte{1})
	j.pop()

	silence, played := 0, 0
	for seq := uint16(20000); seq < 20005; seq++ {
		j.push(seq, []byte{2})
		for {
			out, ok := j.pop()
			if !ok {
				break
			}
			if out.lost {
				silence++
			} else {
				played++
			}
		}
	}
	if silence != 0 || played != 5 {
		t.Fatalf("silence=%d played=%d, want 0 and 5", silence, played)
	}
}

func TestJitterBufferCapsSilenceForGap(t *testing.T) {
	j := newJitterBuffer(3)
	j.push(1, []byte{1})
	j.pop()
	// 2 through 49 never arrive.
	for seq := uint16(50); seq < 54; seq++ {
		j.push(seq, []byte{byte(seq)})
	}

	var silence int
	for {
		out, ok := j.pop()
		if !ok {
			t.Fatalf("pop() stalled after %d silence frames", silence)
		}
		if !out.lost {
			if out.seq != 50 {
				t.Fatalf("first real seq = %d, want 50", out.seq)
			}
			break
		}
		silence++
	}
	if silence != 3 || j.lost != 48 {
		t.Fatalf("silence=%d lost=%d, want 3 and 48", silence, j.lost)
	}
}

func sendRTP(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, ssrc uint32, seq uint16, fill byte) {
	t.Helper()
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = fill
	}
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadTypePCMU, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: ssrc},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if _, err := conn.WriteToUDP(raw, to); err != nil {
		t.Fatalf("WriteToUDP() error = %v", err)
	}
}

func TestPacketTransportFollowsSSRCChange(t *testing.T) {
	tr, err := ListenPacket(PacketConfig{
		Format:            audio.Telephony8kMulaw,
		LocalAddr:         "127.0.0.1:0",
		JitterPackets:     2,
		InactivityTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer tr.Close()

	pbx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer pbx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sendRTP(t, pbx, tr.LocalAddr(), 42, 5000, 0x11)
	if f, err := tr.ReadFrame(ctx); err != nil || f.Payload()[0] != 0x11 {
		t.Fatalf("ReadFrame() = %v, %v; want first stream", f.Payload(), err)
	}

	// A re-bridged leg starts a new stream a few packets behind the old one.
	sendRTP(t, pbx, tr.LocalAddr(), 43, 4990, 0x22)
	f, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Payload()[0] != 0x22 {
		t.Fatalf("first byte = %#x, want the new stream", f.Payload()[0])
	}
	if _, late, _ := tr.Stats(); late != 0 {
		t.Fatalf("late = %d, want 0", late)
	}
}

func TestPacketTransportRoundTrip(t *testing.T) {
	tr, err := ListenPacket(PacketConfig{
		CallID:            "call-1",
		Format:            audio.Telephony8kMulaw,
		LocalAddr:         "127.0.0.1:0",
		JitterPackets:     2,
		InactivityTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer tr.Close()

	pbx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer pbx.Close()

	sendRTP(t, pbx, tr.LocalAddr(), 42, 1, 0x11)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Len() != 160 || frame.Payload()[0] != 0x11 {
		t.Fatalf("unexpected frame len=%d first=%#x", frame.Len(), frame.Payload()[0])
	}

	// Symmetric RTP: the remote was learned from the inbound packet.
	if err := tr.WriteFrame(ctx, audio.Silence(audio.Telephony8kMulaw, 20*time.Millisecond, audio.SourceAgent, 0, 0)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	buf := make([]byte, 1500)
	_ = pbx.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pbx.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}
	var got rtp.Packet
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.PayloadType != PayloadTypePCMU || len(got.Payload) != 160 || got.Payload[0] != 0xFF {
		t.Fatalf("unexpected outbound packet: pt=%d len=%d", got.PayloadType, len(got.Payload))
	}
}

func TestPacketTransportInsertsSilenceForLoss(t *testing.T) {
	tr, err := ListenPacket(PacketConfig{
		Format:            audio.Telephony8kAlaw,
		LocalAddr:         "127.0.0.1:0",
		JitterPackets:     1,
		InactivityTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer tr.Close()

	tr.mu.Lock()
	tr.jitter.push(1, []byte{0x01})
	tr.jitter.push(3, []byte{0x03})
	tr.jitter.push(4, []byte{0x04})
	tr.mu.Unlock()

	ctx := context.Background()
	want := []byte{0x01, audio.Telephony8kAlaw.SilenceByte(), 0x03, 0x04}
	for i, b := range want {
		f, err := tr.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if f.Payload()[0] != b {
			t.Fatalf("frame %d first byte = %#x, want %#x", i, f.Payload()[0], b)
		}
		if f.Seq() != uint64(i) {
			t.Fatalf("frame %d seq = %d", i, f.Seq())
		}
	}
}

func TestPacketTransportInactivityCloses(t *testing.T) {
	tr, err := ListenPacket(PacketConfig{
		Format:            audio.Telephony8kMulaw,
		LocalAddr:         "127.0.0.1:0",
		InactivityTimeout: 60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer tr.Close()
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadFrame() error = %v, want ErrClosed", err)
	}
}

func TestListenPacketRejectsLinearFormat(t *testing.T) {
	if _, err := ListenPacket(PacketConfig{Format: audio.Linear16k, LocalAddr: "127.0.0.1:0"}); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("ListenPacket() error = %v, want ErrUnsupportedFormat", err)
	}
}
