package main

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/transport"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := audio.EncodeWAV(pcm, audio.Linear16k)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	gotPCM, gotSR, err := decodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	gotPCM, gotSR, err := decodeWAVPCM16(encodeWAV16Stereo(stereo, 24000))
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 || len(gotPCM) != 4 {
		t.Fatalf("sampleRate = %d len = %d, want 24000 and 4", gotSR, len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVRejectsCompanded(t *testing.T) {
	wav, err := audio.EncodeWAV([]byte{0xFF, 0x7F}, audio.Telephony8kMulaw)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if _, _, err := decodeWAVPCM16(wav); err == nil {
		t.Fatalf("expected error for mulaw wav")
	}
}

func TestTo8kHalvesSixteenKilohertz(t *testing.T) {
	pcm := make([]byte, 640) // 20ms at 16kHz
	out, err := to8k(pcm, 16000)
	if err != nil {
		t.Fatalf("to8k() error = %v", err)
	}
	if len(out) != frameBytes {
		t.Fatalf("len = %d, want %d", len(out), frameBytes)
	}
}

func TestNextFramePadsTail(t *testing.T) {
	clip := bytes.Repeat([]byte{1}, frameBytes+10)
	tail := nextFrame(clip, frameBytes)
	if len(tail) != frameBytes || tail[9] != 1 || tail[10] != 0 {
		t.Fatalf("tail frame = len %d [9]=%d [10]=%d", len(tail), tail[9], tail[10])
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := []float64{900, 100, 300, 500, 700}
	if got := percentile(values, 0.50); got != 500 {
		t.Fatalf("p50 = %v, want 500", got)
	}
	if got := percentile(values, 0.95); got != 900 {
		t.Fatalf("p95 = %v, want 900", got)
	}
	if values[0] != 900 {
		t.Fatalf("percentile sorted its input")
	}
}

func TestReadAgentReportsFirstAudibleFrame(t *testing.T) {
	var stream bytes.Buffer
	_ = writeFramed(&stream, transport.FrameAudio, make([]byte, frameBytes))
	_ = writeFramed(&stream, transport.FrameAudio, bytes.Repeat([]byte{0x10}, frameBytes))
	_ = writeFramed(&stream, transport.FrameHangup, nil)

	first := make(chan time.Time, 1)
	var n int
	err := readAgent(&stream, nil, first, &n)
	if err == nil || err.Error() != "EOF" {
		t.Fatalf("readAgent() error = %v, want EOF", err)
	}
	if n != 2*frameBytes {
		t.Fatalf("agent bytes = %d, want %d", n, 2*frameBytes)
	}
	select {
	case <-first:
	default:
		t.Fatalf("first audible frame not reported")
	}
}

func encodeWAV16Stereo(stereoPCM []byte, sampleRate int) []byte {
	dataSize := uint32(len(stereoPCM))
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(stereoPCM)
	return b.Bytes()
}
