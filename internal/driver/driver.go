// Package driver implements the two interchangeable backend drivers behind
// one contract (spec.md §4.2): a Direct-PTY driver and a Multiplexer
// (tmux) driver. The supervisor selects exactly one at startup and never
// mixes them within one instance (spec.md §9).
package driver

// SpawnOptions carries everything a driver needs to create a new session.
type SpawnOptions struct {
	ID   string
	Cols int
	Rows int
	Cwd  string
	// Env is the full child environment (already merged with the parent's
	// environment by the caller); the driver strips SensitiveKeys from it
	// before exec.
	Env          []string
	SensitiveKeys []string
	Argv         []string
}

// Callbacks are the two push notifications every driver delivers per
// session: raw output bytes, in order, and a terminal exit notification
// carrying an optional exit code (spec.md §4.2).
type Callbacks struct {
	OnOutput func(sessionID string, data []byte)
	OnExit   func(sessionID string, code *int)
}

// Driver is the common backend contract (spec.md §4.2).
type Driver interface {
	// Spawn creates the session and returns the agent's pid.
	Spawn(opts SpawnOptions) (pid int, err error)
	// Write sends bytes to the session's input.
	Write(sessionID string, data []byte) error
	// Resize changes the session's terminal dimensions. Returns false
	// (with a nil error) if the driver rejected the resize without it
	// being a hard failure, per the Multiplexer contract in spec §4.2.2.
	Resize(sessionID string, cols, rows int) (bool, error)
	// Kill terminates the session's agent process.
	Kill(sessionID string) error
	// Close releases any resources the driver itself owns (pollers,
	// timers) that are not per-session (e.g. the exit poller).
	Close()
}

// filterEnv returns env with every entry whose key (the part before "=")
// matches one of sensitiveKeys removed. Grounded on
// Hyper-Int-OrcaBot/sandbox/internal/pty/pty.go's filterSensitiveEnv,
// generalized to an arbitrary caller-supplied key set (this supervisor's
// own auth-token and bind-address variables) rather than a hardcoded map of
// a different product's broker secrets.
func filterEnv(env []string, sensitiveKeys []string) []string {
	if len(sensitiveKeys) == 0 {
		return env
	}
	sensitive := make(map[string]bool, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		sensitive[k] = true
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if sensitive[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}
