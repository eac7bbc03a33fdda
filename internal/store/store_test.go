package store

import (
	"testing"

	"github.com/sessionforge/sessionforge/internal/errs"
)

func newTestDescriptor(id string) *Descriptor {
	return &Descriptor{ID: id, Status: StatusRunning, DetailedState: StateStarting}
}

func TestNextNameSequence(t *testing.T) {
	s := New(10, 50)

	first := s.NextName()
	second := s.NextName()
	third := s.NextName()

	if first != "session" {
		t.Errorf("expected first name 'session', got %q", first)
	}
	if second != "session 2" {
		t.Errorf("expected second name 'session 2', got %q", second)
	}
	if third != "session 3" {
		t.Errorf("expected third name 'session 3', got %q", third)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := New(10, 50)
	desc := newTestDescriptor("abc123")

	s.Insert(desc)

	got, err := s.Get("abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "abc123" {
		t.Errorf("expected ID abc123, got %s", got.ID)
	}
	if got.Group != unassignedGroup {
		t.Errorf("expected default group %q, got %q", unassignedGroup, got.Group)
	}
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	got, _ := s.Get("abc123")
	got.Name = "mutated"

	again, _ := s.Get("abc123")
	if again.Name == "mutated" {
		t.Error("expected Get to return a copy, not a shared pointer")
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	s := New(10, 50)

	_, err := s.Get("nope")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound error, got %v", err)
	}
}

func TestAtCapacity(t *testing.T) {
	s := New(2, 50)
	s.Insert(newTestDescriptor("a"))
	if s.AtCapacity() {
		t.Error("expected not at capacity with 1/2 sessions")
	}
	s.Insert(newTestDescriptor("b"))
	if !s.AtCapacity() {
		t.Error("expected at capacity with 2/2 sessions")
	}
}

func TestNewIDUniqueness(t *testing.T) {
	s := New(10, 50)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := s.NewID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestMutateUpdatesStoredDescriptor(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	err := s.Mutate("abc123", func(d *Descriptor) {
		d.DetailedState = StateWorking
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Get("abc123")
	if got.DetailedState != StateWorking {
		t.Errorf("expected DetailedState working, got %s", got.DetailedState)
	}
}

func TestMutateUnknownIDReturnsNotFound(t *testing.T) {
	s := New(10, 50)
	err := s.Mutate("nope", func(d *Descriptor) {})
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound error, got %v", err)
	}
}

func TestAppendScrollbackAccumulates(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	s.AppendScrollback("abc123", []byte("hello "))
	s.AppendScrollback("abc123", []byte("world"))

	got, err := s.GetScrollback("abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("expected 'hello world', got %q", got)
	}
}

func TestAppendScrollbackEvictsPastCeiling(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	chunk := make([]byte, scrollbackCeiling/2+1)
	s.AppendScrollback("abc123", chunk)
	s.AppendScrollback("abc123", chunk)
	s.AppendScrollback("abc123", chunk)

	if s.scrollbackLen("abc123") > scrollbackCeiling+len(chunk) {
		t.Errorf("expected scrollback to be bounded near the ceiling, got %d bytes", s.scrollbackLen("abc123"))
	}
}

func TestScrollbackSinceReturnsTailOnly(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	s.AppendScrollback("abc123", []byte("prompt> "))
	s.SetAssistantOutputStart("abc123")
	s.AppendScrollback("abc123", []byte("assistant reply"))

	since, err := s.ScrollbackSince("abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(since) != "assistant reply" {
		t.Errorf("expected only the assistant reply, got %q", since)
	}
}

func TestAppendTranscriptTrimsToMax(t *testing.T) {
	s := New(10, 3)
	s.Insert(newTestDescriptor("abc123"))

	for i := 0; i < 5; i++ {
		s.AppendTranscript("abc123", TranscriptEntry{Role: RoleUser, Content: "msg"})
	}

	entries, err := s.GetTranscript("abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected transcript trimmed to 3 entries, got %d", len(entries))
	}
}

func TestMarkExitEmittedOnlyFirstCallerWins(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))

	if !s.MarkExitEmitted("abc123") {
		t.Error("expected first call to MarkExitEmitted to return true")
	}
	if s.MarkExitEmitted("abc123") {
		t.Error("expected second call to MarkExitEmitted to return false")
	}
}

func TestRemoveDeletesSession(t *testing.T) {
	s := New(10, 50)
	s.Insert(newTestDescriptor("abc123"))
	s.Remove("abc123")

	if s.Exists("abc123") {
		t.Error("expected session to be removed")
	}
	if _, err := s.Get("abc123"); !errs.Is(err, errs.NotFound) {
		t.Error("expected NotFound after removal")
	}
}

func TestGroupsReturnsDistinctNames(t *testing.T) {
	s := New(10, 50)
	a := newTestDescriptor("a")
	a.Group = "frontend"
	b := newTestDescriptor("b")
	b.Group = "frontend"
	c := newTestDescriptor("c")
	c.Group = "backend"

	s.Insert(a)
	s.Insert(b)
	s.Insert(c)

	groups := s.Groups()
	if len(groups) != 2 {
		t.Errorf("expected 2 distinct groups, got %d: %v", len(groups), groups)
	}
}
