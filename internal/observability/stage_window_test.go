package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstAgentAudio, 500*time.Millisecond)
	w.Observe(StageFirstAgentAudio, 700*time.Millisecond)
	w.Observe(StageFirstAgentAudio, 900*time.Millisecond)
	w.ObserveIndicator("cancel_ack_timeout")
	w.ObserveIndicator("cancel_ack_timeout")
	w.ObserveIndicator(" ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAgentAudio || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 900 || s.P50MS != 700 || s.MaxMS != 900 {
		t.Fatalf("last/p50/max = %.2f/%.2f/%.2f", s.LastMS, s.P50MS, s.MaxMS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1200 || s.OverTarget {
		t.Fatalf("target = %.2f over = %v", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "cancel_ack_timeout" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestStageWindowKeepsMostRecent(t *testing.T) {
	w := newStageWindow(3)
	for _, ms := range []int{1000, 1000, 1000, 10, 20, 30} {
		w.Observe(StageBargeInToSilence, time.Duration(ms)*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 || s.MaxMS != 30 || s.AvgMS != 20 {
		t.Fatalf("stage = %+v, want only the last three samples", s)
	}
}

func TestStageWindowFlagsOverTarget(t *testing.T) {
	w := newStageWindow(4)
	w.Observe(StageBargeInToSilence, 400*time.Millisecond)
	if s := w.Snapshot().Stages[0]; !s.OverTarget {
		t.Fatalf("400ms barge-in should exceed its target: %+v", s)
	}
}
