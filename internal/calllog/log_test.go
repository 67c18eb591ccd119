package calllog

import (
	"errors"
	"sync"
	"testing"
)

func TestAppendKeepsOrder(t *testing.T) {
	l := New("call-1")
	for _, msg := range []string{"admitted", "tool", "ended"} {
		if err := l.Append(KindLifecycle, msg, nil); err != nil {
			t.Fatalf("Append(%q) error = %v", msg, err)
		}
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 || e.ID == "" || e.At.IsZero() {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}
	if entries[0].Message != "admitted" || entries[2].Message != "ended" {
		t.Fatalf("entries out of order: %+v", entries)
	}
}

func TestSealRejectsAppends(t *testing.T) {
	l := New("call-1")
	_ = l.Append(KindToolResult, "transfer", map[string]any{"status": "completed"})
	final := l.Seal()
	if len(final) != 1 || !l.Sealed() {
		t.Fatalf("Seal() = %d entries, sealed=%v", len(final), l.Sealed())
	}
	if err := l.Append(KindError, "late", nil); !errors.Is(err, ErrSealed) {
		t.Fatalf("Append() after seal error = %v, want ErrSealed", err)
	}
	if again := l.Seal(); len(again) != 1 {
		t.Fatalf("second Seal() = %d entries, want 1", len(again))
	}
}

func TestEntriesAreCopies(t *testing.T) {
	l := New("call-1")
	fields := map[string]any{"digit": "5"}
	_ = l.Append(KindDTMF, "dtmf", fields)
	fields["digit"] = "9"

	got := l.Entries()
	if got[0].Fields["digit"] != "5" {
		t.Fatalf("caller mutation leaked into the log: %v", got[0].Fields)
	}
	got[0].Fields["digit"] = "0"
	if l.Entries()[0].Fields["digit"] != "5" {
		t.Fatalf("reader mutation leaked into the log")
	}
}

func TestConcurrentAppendsAreSequenced(t *testing.T) {
	l := New("call-1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(KindTranscript, "line", nil)
		}()
	}
	wg.Wait()
	entries := l.Seal()
	if len(entries) != 50 {
		t.Fatalf("len = %d, want 50", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestFilter(t *testing.T) {
	l := New("call-1")
	_ = l.Append(KindToolCall, "a", nil)
	_ = l.Append(KindTranscript, "b", nil)
	_ = l.Append(KindToolResult, "c", nil)
	got := Filter(l.Entries(), KindToolCall, KindToolResult)
	if len(got) != 2 || got[0].Message != "a" || got[1].Message != "c" {
		t.Fatalf("Filter() = %+v", got)
	}
}
