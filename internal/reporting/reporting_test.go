package reporting

import (
	"context"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStoreRecentNewestFirst(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.Save(ctx, CallRecord{CallID: id, EndedAt: time.Now()}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].CallID != "c3" || got[1].CallID != "c2" {
		t.Fatalf("Recent() = %+v, want c3,c2", got)
	}
	if got[0].ID == "" {
		t.Fatalf("Save() did not assign an id")
	}

	one, _ := s.Recent(ctx, 1)
	if len(one) != 1 || one[0].CallID != "c3" {
		t.Fatalf("Recent(1) = %+v", one)
	}
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), " ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}

func TestRedactMasksTranscriptAndVariables(t *testing.T) {
	in := CallRecord{
		CallID:     "c1",
		Transcript: []TranscriptLine{{Role: "caller", Text: "my email is ana@example.com"}},
		Variables:  map[string]string{"caller": "+1 555 010 0199", "note": "card 4242 4242 4242 4242"},
	}
	out := Redact(in)
	if !out.PIIRedacted {
		t.Fatalf("PIIRedacted = false, want true")
	}
	if strings.Contains(out.Transcript[0].Text, "ana@example.com") {
		t.Fatalf("transcript not redacted: %q", out.Transcript[0].Text)
	}
	if !strings.Contains(out.Variables["note"], "[REDACTED_CARD]") {
		t.Fatalf("note not redacted: %q", out.Variables["note"])
	}
	if out.Variables["caller"] != "+1 555 010 0199" {
		t.Fatalf("caller changed: %q", out.Variables["caller"])
	}
	if in.Transcript[0].Text != "my email is ana@example.com" {
		t.Fatalf("Redact() mutated its input")
	}
}

func TestMigrationsAreOrderedGooseFiles(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.sql")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	want := []string{"00001_call_records.sql", "00002_call_records_indexes.sql"}
	if !slices.Equal(names, want) {
		t.Fatalf("migrations = %v, want %v", names, want)
	}
	for _, name := range names {
		body, err := fs.ReadFile(Migrations(), name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if !strings.Contains(string(body), "-- +goose Up") || !strings.Contains(string(body), "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", name)
		}
	}
}
