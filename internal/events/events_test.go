package events

import (
	"testing"

	"github.com/sessionforge/sessionforge/internal/store"
)

func TestCreatedEvent(t *testing.T) {
	desc := &store.Descriptor{ID: "abc123"}
	ev := Created(desc)

	if ev.Kind != KindCreated {
		t.Errorf("expected KindCreated, got %v", ev.Kind)
	}
	if ev.SessionID != "abc123" {
		t.Errorf("expected SessionID abc123, got %s", ev.SessionID)
	}
	if ev.Descriptor != desc {
		t.Error("expected Descriptor to be the same pointer passed in")
	}
}

func TestOutputEvent(t *testing.T) {
	ev := Output("abc123", []byte("hello"))

	if ev.Kind != KindOutput {
		t.Errorf("expected KindOutput, got %v", ev.Kind)
	}
	if string(ev.Output) != "hello" {
		t.Errorf("expected Output 'hello', got %q", ev.Output)
	}
}

func TestStateChangedEvent(t *testing.T) {
	ev := StateChanged("abc123", store.StateIdle, store.StateWorking)

	if ev.Kind != KindStateChanged {
		t.Errorf("expected KindStateChanged, got %v", ev.Kind)
	}
	if ev.NewState != store.StateIdle {
		t.Errorf("expected NewState idle, got %s", ev.NewState)
	}
	if ev.PrevState != store.StateWorking {
		t.Errorf("expected PrevState working, got %s", ev.PrevState)
	}
}

func TestExitEventWithCode(t *testing.T) {
	code := 0
	ev := Exit("abc123", &code)

	if ev.Kind != KindExit {
		t.Errorf("expected KindExit, got %v", ev.Kind)
	}
	if ev.ExitCode == nil || *ev.ExitCode != 0 {
		t.Errorf("expected ExitCode 0, got %v", ev.ExitCode)
	}
}

func TestExitEventWithNilCode(t *testing.T) {
	ev := Exit("abc123", nil)

	if ev.ExitCode != nil {
		t.Error("expected nil ExitCode for a multiplexer session exit")
	}
}
