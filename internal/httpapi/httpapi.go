// Package httpapi is the thin control-surface collaborator (spec.md §6):
// it translates HTTP requests into the Session Supervisor's §4.3
// operations and enforces the request-level policies that are its own
// responsibility, not the core's (auth, content-type, body size, rate
// limiting, CORS).
//
// Grounded on Hyper-Int-OrcaBot/cmd/server/main.go's plain
// http.ServeMux + Go 1.22 "METHOD /path/{param}" routing and
// json.NewEncoder(w).Encode response idiom. No retrieved repo reaches for
// a third-party HTTP router/framework for an internal control surface like
// this one, so this layer stays on the standard library by the same
// reasoning the teacher itself applies.
package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/browsefs"
	"github.com/sessionforge/sessionforge/internal/errs"
	"github.com/sessionforge/sessionforge/internal/supervisor"
)

const maxBodyBytes = 65536

// Bridge is the narrow surface this package needs from the streaming
// fan-out bridge.
type Bridge interface {
	ServeWS(w http.ResponseWriter, r *http.Request) error
}

// Server wires the Session Supervisor, the auth middleware, and (if
// configured) the browse endpoint into one http.Handler.
type Server struct {
	sup     *supervisor.Supervisor
	authMW  *auth.Middleware
	bridge  Bridge
	browser *browsefs.Browser // nil when the browse endpoint is disabled

	limiter *rateLimiter
}

// New constructs the control-surface Handler. browser may be nil.
func New(sup *supervisor.Supervisor, authMW *auth.Middleware, bridge Bridge, browser *browsefs.Browser) *Server {
	s := &Server{
		sup:     sup,
		authMW:  authMW,
		bridge:  bridge,
		browser: browser,
		limiter: newRateLimiter(10, time.Minute),
	}
	go s.limiter.sweepLoop()
	return s
}

// Handler returns the composed http.Handler (spec.md §6's full route set).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.withJSON(s.handleSpawn))
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("DELETE /sessions", s.handleKillAll)
	mux.HandleFunc("GET /sessions/groups", s.handleGroups)
	mux.HandleFunc("GET /sessions/count", s.handleCount)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetInfo)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleKill)
	mux.HandleFunc("POST /sessions/{id}/input", s.withJSON(s.handleWrite))
	mux.HandleFunc("POST /sessions/{id}/resize", s.withJSON(s.handleResize))
	mux.HandleFunc("POST /sessions/{id}/task", s.withJSON(s.handleSetTask))
	mux.HandleFunc("GET /sessions/{id}/scrollback", s.handleScrollback)
	mux.HandleFunc("GET /sessions/{id}/transcript", s.handleTranscript)

	if s.browser != nil {
		mux.HandleFunc("GET /browse", s.handleBrowse)
	}

	mux.HandleFunc("GET /ws", s.handleWS)

	return s.withCORS(s.withAuth(mux))
}

// withAuth applies spec §6's "every request carries an authentication
// token" rule. The /ws upgrade path authenticates itself separately via a
// query parameter (handleWS), so it is exempt here; /health is served
// without a token as well.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		s.authMW.RequireAuth(next).ServeHTTP(w, r)
	})
}

var localOrigin = regexp.MustCompile(`^http://(localhost|127\.0\.0\.1)(:\d+)?$`)

// withCORS implements spec §6's CORS rule.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !localOrigin.MatchString(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

// withJSON enforces spec §6's content-type and body-size rules before
// handing the (size-capped) body to next.
func (s *Server) withJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			ct := r.Header.Get("Content-Type")
			if !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "expected application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type spawnRequest struct {
	Name                    string   `json:"name"`
	Group                   string   `json:"group"`
	Cwd                     string   `json:"cwd"`
	Cols                    int      `json:"cols"`
	Rows                    int      `json:"rows"`
	Argv                    []string `json:"argv"`
	Task                    string   `json:"task"`
	SkipPermissionsOverride *bool    `json:"skipPermissionsOverride"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	addr := sourceAddress(r)
	if !s.limiter.allow(addr) {
		writeError(w, errs.New(errs.AtCapacity, "spawn rate limit exceeded"))
		return
	}

	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body"))
		return
	}

	desc, err := s.sup.Spawn(supervisor.SpawnOptions{
		Name:                    req.Name,
		Group:                   req.Group,
		Cwd:                     req.Cwd,
		Cols:                    req.Cols,
		Rows:                    req.Rows,
		Argv:                    req.Argv,
		Task:                    req.Task,
		SkipPermissionsOverride: req.SkipPermissionsOverride,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Groups())
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.sup.Count()})
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	desc, err := s.sup.GetInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok := s.sup.Kill(id)
	writeJSON(w, http.StatusOK, map[string]bool{"killed": ok})
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	s.sup.KillAll()
	w.WriteHeader(http.StatusNoContent)
}

type writeRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body"))
		return
	}
	if err := s.sup.Write(id, []byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body"))
		return
	}
	if err := s.sup.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskRequest struct {
	Task string `json:"task"`
}

func (s *Server) handleSetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body"))
		return
	}
	if err := s.sup.SetTask(id, req.Task); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScrollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.sup.GetScrollback(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"scrollback": data})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.sup.GetTranscript(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	entries, err := s.browser.List(path)
	if err != nil {
		writeError(w, translateBrowseErr(err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func translateBrowseErr(err error) error {
	switch err {
	case browsefs.ErrPathTraversal:
		return errs.New(errs.InvalidInput, "path outside browse root")
	case browsefs.ErrNotFound:
		return errs.New(errs.NotFound, "path not found")
	default:
		return errs.Wrap(errs.Transient, "browsing path", err)
	}
}

// handleWS authenticates via a query-parameter token (spec §6: "Upgrade
// path /ws with token in a query parameter, validated with constant-time
// comparison; failure responds with a 401 status line and closes") before
// handing off to the bridge.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authMW.CheckQueryToken(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.bridge.ServeWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an errs.Kind to the HTTP status spec §7 specifies.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.Error
	if errs.As(err, &e) {
		switch e.Kind {
		case errs.InvalidInput:
			status = http.StatusBadRequest
		case errs.NotFound:
			status = http.StatusNotFound
		case errs.AtCapacity:
			status = http.StatusTooManyRequests
		case errs.Unauthorized:
			status = http.StatusUnauthorized
		case errs.Transient, errs.Fatal:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func sourceAddress(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// rateLimiter enforces spec §6's "spawn operations ≤ 10 per 60 s per
// source address" rule, with a periodic sweep pruning emptied windows.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-rl.window)

	hits := prune(rl.hits[key], cutoff)
	if len(hits) >= rl.limit {
		rl.hits[key] = hits
		return false
	}
	rl.hits[key] = append(hits, now)
	return true
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	out := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (rl *rateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for key, hits := range rl.hits {
			pruned := prune(hits, cutoff)
			if len(pruned) == 0 {
				delete(rl.hits, key)
			} else {
				rl.hits[key] = pruned
			}
		}
		rl.mu.Unlock()
	}
}
