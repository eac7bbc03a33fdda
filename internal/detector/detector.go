// Package detector implements the streaming state classifier: a pure,
// in-memory per-session pattern matcher over raw terminal bytes. It owns no
// I/O and is driven entirely by bytes the supervisor hands it.
//
// Grounded on other_examples/e914d0d2_emiliobool-agent-deck__internal-tmux-
// tmux.go.go's normalizeContent/hasBusyIndicator ANSI-stripping and
// busy-glyph detection, generalized from a three-state (green/yellow/gray)
// activity tracker into the six-state, latest-match-wins classifier
// spec.md §4.1 specifies.
package detector

import (
	"regexp"
	"sync"
	"time"

	"github.com/sessionforge/sessionforge/internal/store"
)

const windowSize = 2048

// idleTimeout is how long a session may sit in "working" with no further
// output before the detector forces an idle transition (spec §4.1).
const idleTimeout = 30 * time.Second

// ChangeFunc is invoked on every state transition with (sessionId, new,
// previous).
type ChangeFunc func(sessionID string, newState, prevState store.State)

// group is one disjunction of patterns mapping to a target state.
type group struct {
	state    store.State
	patterns []*regexp.Regexp
}

// Patterns, in spec.md §4.1 order. Each entry's patterns are evaluated
// case-insensitively; the group whose rightmost match ends furthest into
// the window wins ("latest-match-wins").
var groups = []group{
	{
		state: store.StateIdle,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\x{276F}\s*$`),
		},
	},
	{
		state: store.StateWorking,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\x{273B}`),
			regexp.MustCompile(`(?i)\b(thinking|working|channeling)\b\s*\.\.\.`),
			regexp.MustCompile(`(?i)\breading\s+\S+`),
			regexp.MustCompile(`(?i)\bwriting\s+\S+`),
			regexp.MustCompile(`(?i)\bediting\s+\S+`),
			regexp.MustCompile(`(?i)\brunning\s+\S+`),
			regexp.MustCompile(`(?i)\bsearching\s+\S+`),
		},
	},
	{
		state: store.StateCompacting,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)compacting conversation`),
			regexp.MustCompile(`(?i)\x{00B7}\s*compacting`),
		},
	},
	{
		state: store.StatePermissionNeeded,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)do you want to proceed\?`),
			regexp.MustCompile(`(?i)\x{23F5}\x{23F5}\s*accept`),
			regexp.MustCompile(`(?i)allow (once|always)`),
			regexp.MustCompile(`(?i)\(y\)es`),
			regexp.MustCompile(`(?i)yes\s*/\s*no`),
			regexp.MustCompile(`(?i)deny.*allow`),
			regexp.MustCompile(`(?i)press enter to confirm`),
			regexp.MustCompile(`(?i)trust this folder`),
			regexp.MustCompile(`(?i)enter to confirm`),
			regexp.MustCompile(`(?i)yes, i trust`),
			regexp.MustCompile(`(?i)quick safety check`),
			regexp.MustCompile(`(?i)bypass permissions mode`),
			regexp.MustCompile(`(?i)yes, i accept`),
		},
	},
	{
		state: store.StateError,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?im)^error:`),
			regexp.MustCompile(`(?i)\bAPIError\b`),
			regexp.MustCompile(`(?i)\bOverloaded\b`),
			regexp.MustCompile(`(?i)rate limit`),
			regexp.MustCompile(`(?i)\b(ENOENT|EACCES|EPERM|ECONNREFUSED)\b`),
			regexp.MustCompile(`(?i)\b(spawn|exec)\s+\S+\s+ENOENT\b`),
			regexp.MustCompile(`(?i)authentication failed`),
			regexp.MustCompile(`(?i)invalid.*api.*key`),
		},
	},
}

// sessionState is the per-session bookkeeping block.
type sessionState struct {
	mu sync.Mutex

	window []rune

	current       store.State
	stateEnteredAt time.Time

	totalWorkingMs        int64
	totalIdleMs           int64
	totalPermissionWaitMs int64

	idleTimer *time.Timer
}

// Detector owns one sessionState per tracked session.
type Detector struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	onChange ChangeFunc
	now      func() time.Time
}

// New creates a Detector that invokes onChange on every transition.
func New(onChange ChangeFunc) *Detector {
	return &Detector{
		sessions: make(map[string]*sessionState),
		onChange: onChange,
		now:      time.Now,
	}
}

// Track registers a new session starting in the "starting" state.
func (d *Detector) Track(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = &sessionState{
		current:        store.StateStarting,
		stateEnteredAt: d.now(),
	}
}

// TrackRecovered registers a session rehydrated by the Multiplexer driver's
// recovery path, seeded directly at "idle" rather than "starting" (spec
// §4.2.2 "Recovery on startup": a recovered session's persisted metadata
// has its detailedState overridden to idle). No change callback fires for
// this seed; it is a starting point, not an observed transition.
func (d *Detector) TrackRecovered(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = &sessionState{
		current:        store.StateIdle,
		stateEnteredAt: d.now(),
	}
}

// Remove cancels the session's idle timer and drops its state block
// (spec §4.1 "Removal").
func (d *Detector) Remove(sessionID string) {
	d.mu.Lock()
	ss, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()
	if !ok {
		return
	}
	ss.mu.Lock()
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
	}
	ss.mu.Unlock()
}

// Feed processes a chunk of raw terminal bytes for sessionID, possibly
// triggering a state transition.
func (d *Detector) Feed(sessionID string, chunk []byte) {
	d.mu.Lock()
	ss, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}

	plain := stripControlSequences(chunk)

	ss.mu.Lock()
	ss.window = append(ss.window, []rune(plain)...)
	if len(ss.window) > windowSize {
		ss.window = ss.window[len(ss.window)-windowSize:]
	}

	next := classify(string(ss.window), ss.current)
	prev, changed := d.transitionLocked(ss, next)

	if next == store.StateWorking {
		d.armIdleTimerLocked(sessionID, ss)
	} else if ss.idleTimer != nil {
		ss.idleTimer.Stop()
		ss.idleTimer = nil
	}
	ss.mu.Unlock()

	// onChange is invoked only after ss.mu is released: it calls back into
	// the supervisor, which may call Totals for this same session, and
	// sync.Mutex is not reentrant (it would deadlock the goroutine that
	// still held ss.mu here).
	if changed && d.onChange != nil {
		d.onChange(sessionID, next, prev)
	}
}

// armIdleTimerLocked (re)schedules the 30s idle timeout. Called with
// ss.mu held.
func (d *Detector) armIdleTimerLocked(sessionID string, ss *sessionState) {
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
	}
	ss.idleTimer = time.AfterFunc(idleTimeout, func() {
		ss.mu.Lock()
		if ss.current != store.StateWorking {
			ss.mu.Unlock()
			return
		}
		prev, changed := d.transitionLocked(ss, store.StateIdle)
		ss.mu.Unlock()

		if changed && d.onChange != nil {
			d.onChange(sessionID, store.StateIdle, prev)
		}
	})
}

// transitionLocked applies a transition, accumulating elapsed time against
// the previous state, and reports what changed. Called with ss.mu held; it
// does NOT invoke the change callback itself — callers must do that only
// after releasing ss.mu, since the callback re-enters the detector (e.g.
// Totals) for the same session.
func (d *Detector) transitionLocked(ss *sessionState, next store.State) (prev store.State, changed bool) {
	if next == ss.current {
		return ss.current, false
	}
	prev = ss.current
	now := d.now()
	elapsed := now.Sub(ss.stateEnteredAt).Milliseconds()

	switch prev {
	case store.StateWorking:
		ss.totalWorkingMs += elapsed
	case store.StateIdle:
		ss.totalIdleMs += elapsed
	case store.StatePermissionNeeded:
		ss.totalPermissionWaitMs += elapsed
	}

	ss.current = next
	ss.stateEnteredAt = now
	return prev, true
}

// Totals reports the accumulated per-state milliseconds plus the elapsed
// time in the current state, added to whichever bucket the current state
// corresponds to.
func (d *Detector) Totals(sessionID string) (workingMs, idleMs, permissionWaitMs int64, ok bool) {
	d.mu.Lock()
	ss, found := d.sessions[sessionID]
	d.mu.Unlock()
	if !found {
		return 0, 0, 0, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	workingMs, idleMs, permissionWaitMs = ss.totalWorkingMs, ss.totalIdleMs, ss.totalPermissionWaitMs
	elapsed := d.now().Sub(ss.stateEnteredAt).Milliseconds()
	switch ss.current {
	case store.StateWorking:
		workingMs += elapsed
	case store.StateIdle:
		idleMs += elapsed
	case store.StatePermissionNeeded:
		permissionWaitMs += elapsed
	}
	return workingMs, idleMs, permissionWaitMs, true
}

// classify implements spec §4.1 step 3: evaluate every group against the
// window and pick the one whose latest match ends furthest to the right.
func classify(window string, current store.State) store.State {
	best := -1
	var bestState store.State

	for _, g := range groups {
		pos := latestMatchEnd(g.patterns, window)
		if pos > best {
			best = pos
			bestState = g.state
		}
	}

	if best < 0 {
		if current == store.StateStarting {
			return store.StateStarting
		}
		return store.StateWorking
	}
	return bestState
}

// latestMatchEnd returns the highest end-index any pattern in patterns
// matches at within window, or -1 if none match.
func latestMatchEnd(patterns []*regexp.Regexp, window string) int {
	best := -1
	for _, p := range patterns {
		matches := p.FindAllStringIndex(window, -1)
		for _, m := range matches {
			if m[1] > best {
				best = m[1]
			}
		}
	}
	return best
}
