// Package events defines the single sum-typed event the core emits,
// realizing spec.md §9's design note: "re-architect as ... a single event
// sum type fed through one channel with consumers pattern-matching.
// Prefer (b); it preserves per-session ordering more easily."
package events

import "github.com/sessionforge/sessionforge/internal/store"

// Kind tags which variant of Event is populated.
type Kind int

const (
	KindCreated Kind = iota
	KindOutput
	KindStateChanged
	KindExit
)

// Event is the single sum type threaded through the bridge's event channel.
// Only the fields relevant to Kind are meaningful; consumers switch on Kind
// the way the corpus's own tagged structs (ControlEvent, HubMessage,
// mrf-agent-racer's MsgDelta) are consumed.
type Event struct {
	Kind      Kind
	SessionID string

	// KindCreated
	Descriptor *store.Descriptor

	// KindOutput
	Output []byte

	// KindStateChanged
	NewState  store.State
	PrevState store.State

	// KindExit
	ExitCode *int
}

// Created builds a KindCreated event.
func Created(desc *store.Descriptor) Event {
	return Event{Kind: KindCreated, SessionID: desc.ID, Descriptor: desc}
}

// Output builds a KindOutput event. The caller must not mutate data after
// passing it in; callers that need to keep writing to their own buffer
// should pass a copy.
func Output(sessionID string, data []byte) Event {
	return Event{Kind: KindOutput, SessionID: sessionID, Output: data}
}

// StateChanged builds a KindStateChanged event.
func StateChanged(sessionID string, newState, prevState store.State) Event {
	return Event{Kind: KindStateChanged, SessionID: sessionID, NewState: newState, PrevState: prevState}
}

// Exit builds a KindExit event. code is nil when the driver cannot surface
// an exit code (multiplexer sessions; spec.md §3).
func Exit(sessionID string, code *int) Event {
	return Event{Kind: KindExit, SessionID: sessionID, ExitCode: code}
}
