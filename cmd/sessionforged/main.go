// Command sessionforged is the supervisor's entrypoint: it wires config,
// the session store, the state detector, a backend driver, the supervisor
// core, the streaming bridge, and the HTTP control surface together and
// serves them.
//
// Grounded on Hyper-Int-OrcaBot/cmd/server/main.go's construct-then-serve
// wiring order and its plain stdlib log/flag/net-http usage.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/exec"

	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/bridge"
	"github.com/sessionforge/sessionforge/internal/browsefs"
	"github.com/sessionforge/sessionforge/internal/config"
	"github.com/sessionforge/sessionforge/internal/detector"
	"github.com/sessionforge/sessionforge/internal/driver"
	"github.com/sessionforge/sessionforge/internal/httpapi"
	"github.com/sessionforge/sessionforge/internal/store"
	"github.com/sessionforge/sessionforge/internal/supervisor"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("[main] loading config: %v", err)
	}

	backend := resolveBackend(cfg.Backend)
	log.Printf("[main] backend selected: %s", backend)

	st := store.New(cfg.SessionCeiling, cfg.TranscriptMaxEntries)

	// det and the driver's Callbacks both need to call back into the
	// supervisor, which in turn needs det and the driver to construct.
	// Both sides close over this variable, set once the supervisor exists.
	var sup *supervisor.Supervisor

	det := detector.New(func(id string, newState, prevState store.State) {
		sup.OnStateChange(id, newState, prevState)
	})

	callbacks := driver.Callbacks{
		OnOutput: func(id string, data []byte) { sup.OnDriverOutput(id, data) },
		OnExit:   func(id string, code *int) { sup.OnDriverExit(id, code) },
	}

	var drv driver.Driver
	var persist supervisor.Persister
	var tmuxDrv *driver.TmuxDriver

	switch backend {
	case config.BackendTmux:
		tmuxDrv, err = driver.NewTmuxDriver(driver.TmuxConfig{StateDir: cfg.StateDir}, callbacks)
		if err != nil {
			log.Fatalf("[main] starting multiplexer driver: %v", err)
		}
		drv = tmuxDrv
		persist = tmuxDrv
	default:
		drv = driver.NewPTYDriver(callbacks)
	}

	sup = supervisor.New(st, det, drv, persist, supervisor.Config{
		SessionCeiling:         cfg.SessionCeiling,
		TranscriptMax:          cfg.TranscriptMaxEntries,
		SkipPermissionsDefault: cfg.SkipPermissionsDefault,
		AllowedArgvFlags:       cfg.ExtraAllowedArgvFlags,
		SensitiveEnvKeys:       []string{"SESSIONFORGE_AUTH_TOKEN", "SESSIONFORGE_BIND_ADDRESS", "SESSIONFORGE_PORT"},
		DefaultCols:            80,
		DefaultRows:            24,
	})

	if tmuxDrv != nil {
		recoverTmuxSessions(tmuxDrv, st, det)
		if err := tmuxDrv.WatchMetadata(func(id string) {
			log.Printf("[main] metadata changed externally for session %s", id)
		}); err != nil {
			log.Printf("[main] watching metadata directory: %v", err)
		}
	}

	br := bridge.New(sup)
	authMW := auth.NewMiddleware(cfg.AuthToken)

	var browser *browsefs.Browser
	if cfg.BrowseEndpointEnabled {
		browser, err = browsefs.NewHomeBrowser()
		if err != nil {
			log.Printf("[main] browse endpoint disabled: %v", err)
			browser = nil
		}
	}

	srv := httpapi.New(sup, authMW, br, browser)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	log.Printf("[main] listening on %s (auth token length %d)", addr, len(cfg.AuthToken))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("[main] server exited: %v", err)
	}
}

func resolveBackend(b config.Backend) config.Backend {
	if b != config.BackendAuto {
		return b
	}
	if _, err := exec.LookPath("tmux"); err == nil {
		return config.BackendTmux
	}
	return config.BackendPTY
}

// recoverTmuxSessions re-adopts any multiplexer session the daemon already
// hosts at startup (spec.md §4.2.2 "Recovery on startup"): each recovered
// session's persisted descriptor is restored into the store and the State
// Detector is seeded with its last known pane content so classification
// resumes from a sensible state rather than cold.
func recoverTmuxSessions(tmuxDrv *driver.TmuxDriver, st *store.Store, det *detector.Detector) {
	recovered, err := tmuxDrv.Recover()
	if err != nil {
		log.Printf("[main] recovering multiplexer sessions: %v", err)
		return
	}
	for _, rs := range recovered {
		desc := &store.Descriptor{}
		if rs.Metadata != nil {
			if err := json.Unmarshal(rs.Metadata, desc); err != nil {
				log.Printf("[main] discarding unreadable metadata for session %s: %v", rs.ID, err)
				desc = &store.Descriptor{}
			}
		}
		desc.ID = rs.ID
		desc.Status = store.StatusRunning
		desc.DetailedState = store.StateIdle
		pid := rs.Pid
		desc.Pid = &pid
		if rs.Cwd != "" {
			desc.Cwd = rs.Cwd
		}
		desc.Cols, desc.Rows = rs.Cols, rs.Rows
		if desc.Name == "" {
			desc.Name = st.NextName()
		}

		st.Insert(desc)
		det.TrackRecovered(rs.ID)
		if rs.PaneContent != "" {
			det.Feed(rs.ID, []byte(rs.PaneContent))
		}
		log.Printf("[main] recovered session %s (pid %d)", rs.ID, rs.Pid)
	}
}
