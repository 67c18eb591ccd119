package protocol

import (
	"errors"
	"testing"
)

func TestParseCallStartDefaults(t *testing.T) {
	msg, err := ParseCallStart([]byte(`{"call_id":" c1 ","caller":"+15550100","variables":{"lang":"en"}}`))
	if err != nil {
		t.Fatalf("ParseCallStart() error = %v", err)
	}
	if msg.CallID != "c1" || msg.ChannelID != "c1" {
		t.Fatalf("ids = %q/%q, want c1/c1", msg.CallID, msg.ChannelID)
	}
	if msg.Direction != "inbound" || msg.Transport != TransportFramed {
		t.Fatalf("defaults = %q/%q", msg.Direction, msg.Transport)
	}
	if msg.Variables["lang"] != "en" {
		t.Fatalf("variables = %v", msg.Variables)
	}
}

func TestParseCallStartPacket(t *testing.T) {
	raw := []byte(`{"call_id":"c2","direction":"OUTBOUND","transport":"packet","encoding":"ALAW","media_remote":"10.0.0.5:40000","provider":"Deepgram"}`)
	msg, err := ParseCallStart(raw)
	if err != nil {
		t.Fatalf("ParseCallStart() error = %v", err)
	}
	if msg.Direction != "outbound" || msg.Transport != TransportPacket || msg.Encoding != "alaw" || msg.Provider != "deepgram" {
		t.Fatalf("unexpected call start: %+v", msg)
	}
}

func TestParseCallStartRejects(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{`{`, ErrInvalidSignal},
		{`{"call_id":""}`, ErrInvalidSignal},
		{`{"call_id":"c","direction":"sideways"}`, ErrInvalidSignal},
		{`{"call_id":"c","transport":"carrier-pigeon"}`, ErrUnsupportedType},
		{`{"call_id":"c","encoding":"opus"}`, ErrUnsupportedCodec},
		{`{"call_id":"c","transport":"packet","encoding":"linear16"}`, ErrUnsupportedCodec},
		{`{"call_id":"c","media_remote":"nohostport"}`, ErrInvalidSignal},
	}
	for _, tc := range cases {
		if _, err := ParseCallStart([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("ParseCallStart(%s) error = %v, want %v", tc.raw, err, tc.want)
		}
	}
}

func TestParseCallEnd(t *testing.T) {
	msg, err := ParseCallEnd(nil)
	if err != nil || msg.Reason != "" {
		t.Fatalf("ParseCallEnd(nil) = %+v, %v", msg, err)
	}
	msg, err = ParseCallEnd([]byte(`{"reason":" caller_hangup "}`))
	if err != nil || msg.Reason != "caller_hangup" {
		t.Fatalf("ParseCallEnd() = %+v, %v", msg, err)
	}
	if _, err := ParseCallEnd([]byte(`nope`)); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("ParseCallEnd(nope) error = %v", err)
	}
}
