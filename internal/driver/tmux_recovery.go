package driver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RecoveredSession is what the recovery path hands back to the supervisor
// for each tmux session discovered on startup that the store does not
// already know about (spec §4.2.2 "Recovery on startup").
type RecoveredSession struct {
	ID           string
	Pid          int
	Cwd          string
	Cols, Rows   int
	Metadata     []byte // raw sessions/<id>.json contents, nil if absent
	PaneContent  string // last 50 lines of pane content, to bootstrap the State Detector
}

// Recover enumerates daemon sessions with this driver's prefix and returns
// one RecoveredSession per id not already tracked by this driver instance.
// For each, it re-creates the pipe file and re-attaches the tee; if
// re-attachment fails the pipe is unlinked and the id is skipped, matching
// spec §4.2.2 verbatim.
func (d *TmuxDriver) Recover() ([]RecoveredSession, error) {
	out, err := runTmux("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if daemonNotRunning(err) {
			return nil, nil
		}
		return nil, err
	}

	var recovered []RecoveredSession
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || !strings.HasPrefix(name, d.cfg.Prefix) {
			continue
		}
		id := strings.TrimPrefix(name, d.cfg.Prefix)

		d.mu.Lock()
		_, tracked := d.sessions[id]
		d.mu.Unlock()
		if tracked {
			continue
		}

		rs, err := d.recoverOne(id, name)
		if err != nil {
			continue // skip this id; pipe already unlinked by recoverOne
		}
		recovered = append(recovered, rs)
	}
	return recovered, nil
}

func (d *TmuxDriver) recoverOne(id, target string) (RecoveredSession, error) {
	rs := RecoveredSession{ID: id}

	if data, err := os.ReadFile(d.cfg.metadataPath(id)); err == nil {
		rs.Metadata = data
	}

	pid, err := d.panePid(target)
	if err != nil {
		return rs, err
	}
	rs.Pid = pid

	cwdOut, err := runTmux("display-message", "-p", "-t", target, "#{pane_current_path}")
	if err == nil {
		rs.Cwd = strings.TrimSpace(cwdOut)
	}

	colsOut, _ := runTmux("display-message", "-p", "-t", target, "#{pane_width}")
	rowsOut, _ := runTmux("display-message", "-p", "-t", target, "#{pane_height}")
	rs.Cols = atoiDefault(colsOut, 80)
	rs.Rows = atoiDefault(rowsOut, 24)

	pipePath := d.cfg.pipePath(id)
	if err := recreateEmptyFile(pipePath); err != nil {
		return rs, err
	}
	if _, err := runTmux("pipe-pane", "-t", target, "-O", "cat >> "+shellQuote(pipePath)); err != nil {
		os.Remove(pipePath)
		return rs, err
	}

	if content, err := runTmux("capture-pane", "-t", target, "-p", "-J", "-S", "-50"); err == nil {
		rs.PaneContent = content
	}

	sess := &tmuxSession{id: id, cols: rs.Cols, rows: rs.Rows}
	d.mu.Lock()
	d.sessions[id] = sess
	d.mu.Unlock()
	d.startPoller(id, sess)

	return rs, nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// Persist writes desc as JSON to sessions/<id>.json with owner-only
// permissions, rewritten on every descriptor mutation (spec §4.2.2
// "Persistence"). desc should already be JSON-serializable (store.Descriptor).
func (d *TmuxDriver) Persist(id string, desc any) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	path := d.cfg.metadataPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// WatchMetadata watches the sessions/ directory for externally-made
// changes (an operator manually editing or deleting a metadata file
// between recovery passes) and invokes onEvent with the affected session
// id. The watch runs until the driver's Close(); errors opening the
// watcher are returned, not panicked on, since metadata watching is a
// best-effort diagnostic, not a correctness requirement.
func (d *TmuxDriver) WatchMetadata(onEvent func(id string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Join(d.cfg.StateDir, "sessions")
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-d.stopExitPoll:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				id := strings.TrimSuffix(base, filepath.Ext(base))
				if onEvent != nil {
					onEvent(id)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
