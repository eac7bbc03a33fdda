// Package supervisor orchestrates session lifecycle atop a chosen backend
// driver: spawn/write/resize/kill, Session Store invariants, feeding the
// State Detector, transcript capture, and event emission (spec.md §4.3).
//
// The supervisor core is a single logical worker (spec.md §5): every
// public mutating operation and every driver callback runs with coreMu held
// for its whole duration, so those never interleave. The one exception is
// the State Detector's idle timeout, which reaches OnStateChange from its
// own timer goroutine without coreMu (see taskListeners below). Blocking
// driver subprocess calls (tmux) happen while the lock is held, which is
// acceptable here because they are individually bounded and the core's own
// bookkeeping is cheap — exactly the tradeoff spec §5 describes.
package supervisor

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sessionforge/sessionforge/internal/detector"
	"github.com/sessionforge/sessionforge/internal/driver"
	"github.com/sessionforge/sessionforge/internal/errs"
	"github.com/sessionforge/sessionforge/internal/events"
	"github.com/sessionforge/sessionforge/internal/store"
)

// SpawnOptions is the public request shape for Spawn (spec.md §4.3/§6).
type SpawnOptions struct {
	Name                  string
	Group                 string
	Cwd                   string
	Cols, Rows            int
	Argv                  []string
	Task                  string
	SkipPermissionsOverride *bool // nil means "use the configured default"
}

// Config carries the policy knobs Spawn and the argv/clamp rules need.
type Config struct {
	SessionCeiling         int
	TranscriptMax          int
	SkipPermissionsDefault bool
	AllowedArgvFlags       []string // extra flags beyond the fixed allow-list
	SensitiveEnvKeys       []string
	DefaultCols, DefaultRows int
}

// baseAllowedFlags is the fixed allow-list from spec.md §6.
var baseAllowedFlags = map[string]bool{
	"--model": true, "-m": true,
	"--print": true, "-p": true,
	"--resume": true, "-r": true,
	"--continue": true, "-c": true,
	"--dangerously-skip-permissions": true,
	"--verbose":                      true,
	"--version":                      true,
}

const skipPermissionsFlag = "--dangerously-skip-permissions"

// Persister persists a descriptor after a metadata mutation. Only the
// Multiplexer driver needs this (spec §4.2.2 "Persistence"); the
// Direct-PTY driver is given a no-op.
type Persister interface {
	Persist(id string, desc any) error
}

type noopPersister struct{}

func (noopPersister) Persist(string, any) error { return nil }

// Supervisor is the Session Supervisor (spec.md §4.3).
type Supervisor struct {
	coreMu sync.Mutex

	store    *store.Store
	detector *detector.Detector
	drv      driver.Driver
	persist  Persister
	cfg      Config

	events chan events.Event

	// taskListeners tracks sessions with a pending one-shot task listener.
	// Guarded by its own mutex rather than coreMu: the State Detector's idle
	// timer fires OnStateChange from its own goroutine without coreMu held
	// (spec §5's "yield through a short-lived task" suspension point), so
	// this map needs a lock that's safe to take from that context too.
	taskMu        sync.Mutex
	taskListeners map[string]bool
}

// New constructs a Supervisor atop the given driver. persist may be nil
// (Direct-PTY has no metadata to persist); the Multiplexer driver doubles
// as its own Persister.
func New(st *store.Store, det *detector.Detector, drv driver.Driver, persist Persister, cfg Config) *Supervisor {
	if persist == nil {
		persist = noopPersister{}
	}
	return &Supervisor{
		store:         st,
		detector:      det,
		drv:           drv,
		persist:       persist,
		cfg:           cfg,
		events:        make(chan events.Event, 4096),
		taskListeners: make(map[string]bool),
	}
}

// Events returns the single event channel the Streaming Fan-out Bridge
// consumes (spec §9 design note: one sum type fed through one channel).
func (s *Supervisor) Events() <-chan events.Event { return s.events }

func (s *Supervisor) emit(ev events.Event) {
	select {
	case s.events <- ev:
	default:
		// The events channel is generously buffered (4096); if it is ever
		// full the bridge has fallen far behind and dropping here is
		// preferable to blocking the single logical worker.
	}
}

// OnDriverOutput is the callback wired to driver.Callbacks.OnOutput.
func (s *Supervisor) OnDriverOutput(sessionID string, data []byte) {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	if !s.store.Exists(sessionID) {
		return
	}
	s.store.AppendScrollback(sessionID, data)
	s.store.Mutate(sessionID, func(d *store.Descriptor) {
		d.LastActivityAt = time.Now().UTC()
	})
	s.detector.Feed(sessionID, data)
	s.emit(events.Output(sessionID, data))
}

// OnDriverExit is the callback wired to driver.Callbacks.OnExit.
func (s *Supervisor) OnDriverExit(sessionID string, code *int) {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	if !s.store.Exists(sessionID) {
		return
	}
	if !s.store.MarkExitEmitted(sessionID) {
		return // kill already claimed the terminal event for this session
	}
	s.store.Mutate(sessionID, func(d *store.Descriptor) {
		d.Status = store.StatusExited
		d.ExitCode = code
		d.Pid = nil
	})
	s.detector.Remove(sessionID)
	s.taskMu.Lock()
	delete(s.taskListeners, sessionID)
	s.taskMu.Unlock()
	s.emit(events.Exit(sessionID, code))
}

// OnStateChange is wired as the detector's ChangeFunc (via a forwarding
// closure created at wiring time, since the detector must exist before the
// Supervisor does).
func (s *Supervisor) OnStateChange(sessionID string, newState, prevState store.State) {
	s.store.Mutate(sessionID, func(d *store.Descriptor) {
		d.DetailedState = newState
		if newState == store.StateCompacting {
			d.CompactionCount++
		}
	})

	if workingMs, idleMs, waitMs, ok := s.detector.Totals(sessionID); ok {
		s.store.Mutate(sessionID, func(d *store.Descriptor) {
			d.TotalWorkingMs = workingMs
			d.TotalIdleMs = idleMs
			d.TotalPermissionWaitMs = waitMs
		})
	}

	if prevState == store.StateWorking && newState == store.StateIdle {
		s.captureAssistantTranscript(sessionID)
	}
	if newState == store.StateWorking {
		s.store.SetAssistantOutputStart(sessionID)
	}

	s.taskMu.Lock()
	pending := s.taskListeners[sessionID]
	if newState == store.StateIdle && pending {
		delete(s.taskListeners, sessionID)
	}
	s.taskMu.Unlock()
	if newState == store.StateIdle && pending {
		if desc, err := s.store.Get(sessionID); err == nil && desc.Task != "" {
			s.drv.Write(sessionID, []byte(desc.Task+"\r"))
		}
	}

	s.emit(events.StateChanged(sessionID, newState, prevState))
}

func (s *Supervisor) captureAssistantTranscript(sessionID string) {
	since, err := s.store.ScrollbackSince(sessionID)
	if err != nil {
		return
	}
	content := strings.TrimSpace(stripForTranscript(since))
	if content == "" {
		return
	}
	s.store.AppendTranscript(sessionID, store.TranscriptEntry{
		Timestamp: time.Now().UTC(),
		Role:      store.RoleAssistant,
		Content:   content,
	})
}

// Spawn implements spec.md §4.3's spawn operation.
func (s *Supervisor) Spawn(opts SpawnOptions) (*store.Descriptor, error) {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()

	if !isDir(opts.Cwd) {
		return nil, errs.New(errs.InvalidInput, "cwd does not exist or is not a directory")
	}
	if s.store.AtCapacity() {
		return nil, errs.New(errs.AtCapacity, "session ceiling reached")
	}

	argv, err := s.buildArgv(opts)
	if err != nil {
		return nil, err
	}

	id, err := s.store.NewID()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "generating session id", err)
	}

	name := opts.Name
	if name == "" {
		name = s.store.NextName()
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = s.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = s.cfg.DefaultRows
	}
	cols, rows = clamp(cols), clamp(rows)

	now := time.Now().UTC()
	desc := &store.Descriptor{
		ID:            id,
		Name:          name,
		Group:         opts.Group,
		Cwd:           opts.Cwd,
		Status:        store.StatusRunning,
		DetailedState: store.StateStarting,
		CreatedAt:     now,
		LastActivityAt: now,
		Cols:          cols,
		Rows:          rows,
		Task:          opts.Task,
	}

	pid, err := s.drv.Spawn(driver.SpawnOptions{
		ID:            id,
		Cols:          cols,
		Rows:          rows,
		Cwd:           opts.Cwd,
		Argv:          argv,
		Env:           os.Environ(),
		SensitiveKeys: s.cfg.SensitiveEnvKeys,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "spawning session", err)
	}
	desc.Pid = &pid

	s.store.Insert(desc)
	s.detector.Track(id)

	if opts.Task != "" {
		desc.TaskStartedAt = now
		s.taskMu.Lock()
		s.taskListeners[id] = true
		s.taskMu.Unlock()
	}

	s.persist.Persist(id, desc)
	s.emit(events.Created(desc.Clone()))

	return desc.Clone(), nil
}

// buildArgv validates argv against the allow-list and merges the
// skip-permissions switch (spec.md §4.3, §6).
func (s *Supervisor) buildArgv(opts SpawnOptions) ([]string, error) {
	allowed := map[string]bool{}
	for k, v := range baseAllowedFlags {
		allowed[k] = v
	}
	for _, f := range s.cfg.AllowedArgvFlags {
		allowed[f] = true
	}

	for _, a := range opts.Argv {
		if !strings.HasPrefix(a, "-") {
			continue // positional value, always permitted
		}
		flag := a
		if eq := strings.IndexByte(a, '='); eq >= 0 {
			flag = a[:eq]
		}
		if !allowed[flag] {
			return nil, errs.New(errs.InvalidInput, "disallowed argv flag: "+flag)
		}
	}

	want := s.cfg.SkipPermissionsDefault
	if opts.SkipPermissionsOverride != nil {
		want = *opts.SkipPermissionsOverride
	}

	has := false
	for _, a := range opts.Argv {
		if a == skipPermissionsFlag {
			has = true
			break
		}
	}

	argv := append([]string(nil), opts.Argv...)
	switch {
	case want && !has:
		argv = append(argv, skipPermissionsFlag)
	case !want && has:
		filtered := argv[:0]
		for _, a := range argv {
			if a != skipPermissionsFlag {
				filtered = append(filtered, a)
			}
		}
		argv = filtered
	}
	return argv, nil
}

// Write implements spec.md §4.3's write operation.
func (s *Supervisor) Write(id string, data []byte) error {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()

	desc, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if desc.Status != store.StatusRunning {
		return errs.New(errs.NotFound, "session not running: "+id)
	}

	if err := s.drv.Write(id, data); err != nil {
		return errs.Wrap(errs.Transient, "writing to session", err)
	}

	content := strings.TrimSuffix(string(data), "\r")
	if content != "" {
		s.store.AppendTranscript(id, store.TranscriptEntry{
			Timestamp: time.Now().UTC(),
			Role:      store.RoleUser,
			Content:   content,
		})
	}
	s.store.SetAssistantOutputStart(id)
	return nil
}

// Resize implements spec.md §4.3's resize operation.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()

	if !s.store.Exists(id) {
		return errs.New(errs.NotFound, "session not found: "+id)
	}
	cols, rows = clamp(cols), clamp(rows)

	ok, err := s.drv.Resize(id, cols, rows)
	if err != nil {
		return errs.Wrap(errs.Transient, "resizing session", err)
	}
	if ok {
		s.store.Mutate(id, func(d *store.Descriptor) {
			d.Cols, d.Rows = cols, rows
		})
	}
	return nil
}

// Kill implements spec.md §4.3's kill operation, including the single-
// terminal-event-per-session resolution to spec §9's open question.
func (s *Supervisor) Kill(id string) bool {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()

	desc, err := s.store.Get(id)
	if err != nil {
		return false
	}

	s.taskMu.Lock()
	delete(s.taskListeners, id)
	s.taskMu.Unlock()

	if desc.Status == store.StatusExited {
		s.store.Remove(id)
		return true
	}

	s.detector.Remove(id)
	s.drv.Kill(id)

	if s.store.MarkExitEmitted(id) {
		code := -1
		s.emit(events.Exit(id, &code))
	}
	s.store.Remove(id)
	return true
}

// KillAll implements spec.md §4.3's killAll operation. Stops the
// multiplexer exit poller first (spec §9 shutdown ordering) to avoid a
// tick interleaving with a kill and double-emitting events.
func (s *Supervisor) KillAll() {
	s.drv.Close()

	s.coreMu.Lock()
	ids := make([]string, 0, s.store.Count())
	for _, d := range s.store.List() {
		ids = append(ids, d.ID)
	}
	s.coreMu.Unlock()

	for _, id := range ids {
		s.Kill(id)
	}
}

func (s *Supervisor) GetInfo(id string) (*store.Descriptor, error) {
	return s.store.Get(id)
}

func (s *Supervisor) List() []*store.Descriptor { return s.store.List() }

func (s *Supervisor) Groups() []string { return s.store.Groups() }

func (s *Supervisor) GetScrollback(id string) ([]byte, error) {
	return s.store.GetScrollback(id)
}

func (s *Supervisor) GetTranscript(id string) ([]store.TranscriptEntry, error) {
	return s.store.GetTranscript(id)
}

func (s *Supervisor) Count() int { return s.store.Count() }

// SetTask implements spec.md §4.3's setTask operation.
func (s *Supervisor) SetTask(id, task string) error {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()

	var desc *store.Descriptor
	err := s.store.Mutate(id, func(d *store.Descriptor) {
		d.Task = task
		d.TaskStartedAt = time.Now().UTC()
		desc = d
	})
	if err != nil {
		return err
	}
	s.taskMu.Lock()
	s.taskListeners[id] = true
	s.taskMu.Unlock()
	s.persist.Persist(id, desc.Clone())
	return nil
}

func clamp(v int) int {
	if v < 1 {
		return 1
	}
	if v > 500 {
		return 500
	}
	return v
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// stripForTranscript removes terminal control sequences before the
// transcript entry is recorded (spec.md §3), reusing the State Detector's
// control-sequence scanner rather than duplicating it.
func stripForTranscript(b []byte) string {
	return detector.StripControlSequences(b)
}
