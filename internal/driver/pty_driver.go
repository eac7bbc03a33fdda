package driver

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// ptySession is the per-session bookkeeping the Direct-PTY driver keeps.
type ptySession struct {
	mu     sync.Mutex
	file   *os.File
	cmd    *exec.Cmd
	closed bool
}

// PTYDriver forks the agent as a child of this process, attached to a
// pseudoterminal master this process owns. Grounded on
// Hyper-Int-OrcaBot/sandbox/internal/pty/pty.go: github.com/creack/pty's
// StartWithSize/Setsize, a mutex-guarded *os.File, and a read-loop
// goroutine per session pushing output instead of the caller polling.
type PTYDriver struct {
	callbacks Callbacks

	mu       sync.Mutex
	sessions map[string]*ptySession
}

// NewPTYDriver constructs a Direct-PTY driver that invokes callbacks as
// output arrives and when sessions exit.
func NewPTYDriver(callbacks Callbacks) *PTYDriver {
	return &PTYDriver{
		callbacks: callbacks,
		sessions:  make(map[string]*ptySession),
	}
}

func (d *PTYDriver) Spawn(opts SpawnOptions) (int, error) {
	if len(opts.Argv) == 0 {
		return 0, errEmptyArgv
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = filterEnv(opts.Env, opts.SensitiveKeys)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(clampDim(opts.Rows)),
		Cols: uint16(clampDim(opts.Cols)),
	})
	if err != nil {
		return 0, err
	}

	sess := &ptySession{file: f, cmd: cmd}

	d.mu.Lock()
	d.sessions[opts.ID] = sess
	d.mu.Unlock()

	go d.readLoop(opts.ID, sess)
	go d.waitLoop(opts.ID, sess)

	return cmd.Process.Pid, nil
}

func (d *PTYDriver) readLoop(sessionID string, sess *ptySession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.file.Read(buf)
		if n > 0 && d.callbacks.OnOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.callbacks.OnOutput(sessionID, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (d *PTYDriver) waitLoop(sessionID string, sess *ptySession) {
	err := sess.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	sess.mu.Lock()
	sess.closed = true
	sess.file.Close()
	sess.mu.Unlock()

	if d.callbacks.OnExit != nil {
		c := code
		d.callbacks.OnExit(sessionID, &c)
	}
}

func (d *PTYDriver) Write(sessionID string, data []byte) error {
	sess := d.get(sessionID)
	if sess == nil {
		return errNotTracked
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return errClosed
	}
	_, err := sess.file.Write(data)
	return err
}

func (d *PTYDriver) Resize(sessionID string, cols, rows int) (bool, error) {
	sess := d.get(sessionID)
	if sess == nil {
		return false, errNotTracked
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false, nil
	}
	err := pty.Setsize(sess.file, &pty.Winsize{
		Rows: uint16(clampDim(rows)),
		Cols: uint16(clampDim(cols)),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *PTYDriver) Kill(sessionID string) error {
	sess := d.get(sessionID)
	if sess == nil {
		return errNotTracked
	}
	sess.mu.Lock()
	proc := sess.cmd.Process
	sess.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func (d *PTYDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sess := range d.sessions {
		sess.mu.Lock()
		if sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		sess.mu.Unlock()
		delete(d.sessions, id)
	}
}

func (d *PTYDriver) get(sessionID string) *ptySession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID]
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	if v > 500 {
		return 500
	}
	return v
}
