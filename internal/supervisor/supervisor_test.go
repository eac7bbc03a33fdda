package supervisor

import (
	"os"
	"sync"
	"testing"

	"github.com/sessionforge/sessionforge/internal/detector"
	"github.com/sessionforge/sessionforge/internal/driver"
	"github.com/sessionforge/sessionforge/internal/events"
	"github.com/sessionforge/sessionforge/internal/store"
)

// fakeDriver is an in-memory driver.Driver stand-in: no real process, no
// real pty/tmux, just enough bookkeeping to exercise the supervisor core.
type fakeDriver struct {
	mu        sync.Mutex
	spawned   map[string]driver.SpawnOptions
	written   map[string][][]byte
	resized   map[string][2]int
	killed    map[string]bool
	closed    bool
	// killedBeforeClose records whether any Kill arrived while closed was
	// still false.
	killedBeforeClose bool
	resizeOK  bool
	spawnErr  error
	nextPid   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		spawned:  make(map[string]driver.SpawnOptions),
		written:  make(map[string][][]byte),
		resized:  make(map[string][2]int),
		killed:   make(map[string]bool),
		resizeOK: true,
		nextPid:  100,
	}
}

func (f *fakeDriver) Spawn(opts driver.SpawnOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPid++
	f.spawned[opts.ID] = opts
	return f.nextPid, nil
}

func (f *fakeDriver) Write(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[sessionID] = append(f.written[sessionID], data)
	return nil
}

func (f *fakeDriver) Resize(sessionID string, cols, rows int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized[sessionID] = [2]int{cols, rows}
	return f.resizeOK, nil
}

func (f *fakeDriver) Kill(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[sessionID] = true
	if !f.closed {
		f.killedBeforeClose = true
	}
	return nil
}

func (f *fakeDriver) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestSupervisor() (*Supervisor, *fakeDriver) {
	st := store.New(10, 50)
	drv := newFakeDriver()

	var sup *Supervisor
	det := detector.New(func(id string, newState, prevState store.State) {
		sup.OnStateChange(id, newState, prevState)
	})

	sup = New(st, det, drv, nil, Config{
		SessionCeiling: 10,
		TranscriptMax:  50,
		DefaultCols:    80,
		DefaultRows:    24,
	})
	return sup, drv
}

func testCwd(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "supervisor-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestSpawnCreatesSessionAndEmitsCreated(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)

	desc, err := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Status != store.StatusRunning {
		t.Errorf("expected status running, got %s", desc.Status)
	}
	if desc.Name != "session" {
		t.Errorf("expected auto-assigned name 'session', got %s", desc.Name)
	}

	if _, ok := drv.spawned[desc.ID]; !ok {
		t.Error("expected the driver to have been asked to spawn the session")
	}

	ev := <-sup.Events()
	if ev.Kind != events.KindCreated {
		t.Errorf("expected a Created event, got %v", ev.Kind)
	}
}

func TestSpawnRejectsNonexistentCwd(t *testing.T) {
	sup, _ := newTestSupervisor()

	_, err := sup.Spawn(SpawnOptions{Cwd: "/no/such/directory", Argv: []string{"claude"}})
	if err == nil {
		t.Error("expected an error for a nonexistent cwd")
	}
}

func TestSpawnRejectsDisallowedArgvFlag(t *testing.T) {
	sup, _ := newTestSupervisor()
	cwd := testCwd(t)

	_, err := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude", "--dangerous-flag"}})
	if err == nil {
		t.Error("expected an error for a disallowed argv flag")
	}
}

func TestSpawnAtCapacityFails(t *testing.T) {
	st := store.New(1, 50)
	drv := newFakeDriver()
	var sup *Supervisor
	det := detector.New(func(id string, newState, prevState store.State) { sup.OnStateChange(id, newState, prevState) })
	sup = New(st, det, drv, nil, Config{SessionCeiling: 1, DefaultCols: 80, DefaultRows: 24})
	cwd := testCwd(t)

	if _, err := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}}); err != nil {
		t.Fatalf("unexpected error on first spawn: %v", err)
	}
	if _, err := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}}); err == nil {
		t.Error("expected an error spawning past the session ceiling")
	}
}

func TestWriteAppendsUserTranscriptEntry(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	if err := sup.Write(desc.ID, []byte("hello\r")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(drv.written[desc.ID]) != 1 {
		t.Fatalf("expected the driver to have received 1 write, got %d", len(drv.written[desc.ID]))
	}

	transcript, err := sup.GetTranscript(desc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Role != store.RoleUser || transcript[0].Content != "hello" {
		t.Errorf("expected one trimmed user transcript entry, got %+v", transcript)
	}
}

func TestWriteToUnknownSessionFails(t *testing.T) {
	sup, _ := newTestSupervisor()
	if err := sup.Write("nope", []byte("x")); err == nil {
		t.Error("expected an error writing to an unknown session")
	}
}

func TestResizeClampsAndUpdatesDescriptor(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	if err := sup.Resize(desc.ID, 9999, -5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := drv.resized[desc.ID]
	if got[0] != 500 {
		t.Errorf("expected cols clamped to 500, got %d", got[0])
	}
	if got[1] != 1 {
		t.Errorf("expected rows clamped to 1, got %d", got[1])
	}

	updated, _ := sup.GetInfo(desc.ID)
	if updated.Cols != 500 || updated.Rows != 1 {
		t.Errorf("expected descriptor to reflect the clamped size, got %dx%d", updated.Cols, updated.Rows)
	}
}

func TestOnDriverOutputFeedsScrollbackAndDetector(t *testing.T) {
	sup, _ := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	sup.OnDriverOutput(desc.ID, []byte("running tests\n"))

	// "running tests" matches the detector's working pattern; the detector
	// reports that transition while the chunk is being fed, so the
	// StateChanged event is emitted before the chunk's Output event.
	ev := <-sup.Events()
	if ev.Kind != events.KindStateChanged || ev.NewState != store.StateWorking {
		t.Errorf("expected a StateChanged event to working, got %+v", ev)
	}

	ev = <-sup.Events()
	if ev.Kind != events.KindOutput {
		t.Errorf("expected an Output event, got %v", ev.Kind)
	}

	scrollback, err := sup.GetScrollback(desc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(scrollback) != "running tests\n" {
		t.Errorf("expected scrollback to contain the fed bytes, got %q", scrollback)
	}
}

func TestOnDriverExitMarksSessionExitedOnce(t *testing.T) {
	sup, _ := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	code := 1
	sup.OnDriverExit(desc.ID, &code)

	ev := <-sup.Events()
	if ev.Kind != events.KindExit || ev.ExitCode == nil || *ev.ExitCode != 1 {
		t.Errorf("expected an Exit event with code 1, got %+v", ev)
	}

	got, err := sup.GetInfo(desc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusExited {
		t.Errorf("expected status exited, got %s", got.Status)
	}

	// A second exit notification for the same session (the natural-exit vs
	// kill race, spec §9) must not emit a second event.
	sup.OnDriverExit(desc.ID, &code)
	select {
	case ev := <-sup.Events():
		t.Errorf("expected no second Exit event, got %+v", ev)
	default:
	}
}

func TestKillIsIdempotent(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	if !sup.Kill(desc.ID) {
		t.Error("expected the first Kill to return true")
	}
	if !drv.killed[desc.ID] {
		t.Error("expected the driver to have been asked to kill the session")
	}
	if sup.Kill(desc.ID) {
		t.Error("expected a second Kill on an already-removed session to return false")
	}
}

func TestKillAllClosesDriverBeforeKillingSessions(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)
	a, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()
	b, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	sup.KillAll()

	if !drv.closed {
		t.Error("expected KillAll to close the driver")
	}
	if drv.killedBeforeClose {
		t.Error("expected KillAll to close the driver before killing any session")
	}
	if !drv.killed[a.ID] || !drv.killed[b.ID] {
		t.Error("expected KillAll to kill every live session")
	}
	if sup.Count() != 0 {
		t.Errorf("expected no sessions left after KillAll, got %d", sup.Count())
	}
}

func TestSetTaskFiresOnceSessionGoesIdle(t *testing.T) {
	sup, drv := newTestSupervisor()
	cwd := testCwd(t)
	desc, _ := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	<-sup.Events()

	if err := sup.SetTask(desc.ID, "run the tests"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Drive the detector to idle directly; OnStateChange fires the queued task.
	sup.OnStateChange(desc.ID, store.StateIdle, store.StateWorking)

	found := false
	for _, w := range drv.written[desc.ID] {
		if string(w) == "run the tests\r" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the queued task to be written once idle, got %v", drv.written[desc.ID])
	}
}

func TestBuildArgvInjectsSkipPermissionsWhenDefaultEnabled(t *testing.T) {
	st := store.New(10, 50)
	drv := newFakeDriver()
	var sup *Supervisor
	det := detector.New(func(id string, newState, prevState store.State) { sup.OnStateChange(id, newState, prevState) })
	sup = New(st, det, drv, nil, Config{
		SessionCeiling:         10,
		SkipPermissionsDefault: true,
		DefaultCols:            80,
		DefaultRows:            24,
	})
	cwd := testCwd(t)

	desc, err := sup.Spawn(SpawnOptions{Cwd: cwd, Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	argv := drv.spawned[desc.ID].Argv
	found := false
	for _, a := range argv {
		if a == skipPermissionsFlag {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s to be injected into argv, got %v", skipPermissionsFlag, argv)
	}
}
