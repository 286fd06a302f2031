// Package control serves the loopback-only query and control API used by the
// CLI and desktop integrations.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/engine"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// Server is the loopback control listener.
type Server struct {
	st     *store.Store
	cache  *cache.Cache
	engine *engine.Engine

	httpSrv  *http.Server
	listener net.Listener
}

// Status is the GET /status payload.
type Status struct {
	Online       bool             `json:"online"`
	Paused       bool             `json:"paused"`
	AuthFailed   bool             `json:"auth_failed"`
	QueueDepth   int64            `json:"queue_depth"`
	States       map[string]int64 `json:"states"`
	CacheBytes   int64            `json:"cache_bytes"`
	Conflicts    int              `json:"conflicts"`
	FailedCount  int              `json:"failed_actions"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// ConflictEntry is one row of GET /conflicts.
type ConflictEntry struct {
	ObjectID string `json:"object_id"`
	Name     string `json:"name"`
	CloudID  string `json:"cloud_id,omitempty"`
	History  string `json:"conflict_history,omitempty"`
}

// New builds the control server.
func New(st *store.Store, c *cache.Cache, eng *engine.Engine) *Server {
	return &Server{st: st, cache: c, engine: eng}
}

// Start binds the loopback address and serves until Stop. Non-loopback
// addresses are rejected.
func (s *Server) Start(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("control address: %w", err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("control address %s is not loopback", addr)
	}

	mux := s.mux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("control server error", logging.Err(err))
		}
	}()
	logging.Info("control API listening", logging.String("addr", addr))
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux()
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	// route registers a plain path and answers other methods with 405.
	route := func(method, pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			h(w, r)
		})
	}
	route(http.MethodGet, "/status", s.handleStatus)
	route(http.MethodGet, "/conflicts", s.handleConflicts)
	route(http.MethodPost, "/resolve/", s.handleResolve)
	route(http.MethodPost, "/pin/", s.handlePin)
	route(http.MethodPost, "/pause", s.handlePause)
	route(http.MethodPost, "/resume", s.handleResume)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.st.CountByState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	depth, err := s.st.QueueDepth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	used, err := s.cache.Usage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failed, err := s.st.FailedActions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, Status{
		Online:      s.engine.Online(),
		Paused:      s.engine.Paused(),
		AuthFailed:  s.engine.AuthFailed(),
		QueueDepth:  depth,
		States:      states,
		CacheBytes:  used,
		Conflicts:   int(states[store.StateConflict]),
		FailedCount: len(failed),
		GeneratedAt: time.Now().UTC(),
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	objs, err := s.st.Conflicts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ConflictEntry, 0, len(objs))
	for i := range objs {
		e := ConflictEntry{
			ObjectID: objs[i].ID,
			Name:     objs[i].FullName(),
			History:  objs[i].ConflictHistory,
		}
		if objs[i].CloudID != nil {
			e.CloudID = *objs[i].CloudID
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/resolve/")
	choice := r.URL.Query().Get("choice")
	if id == "" || (choice != "local" && choice != "remote") {
		writeError(w, http.StatusBadRequest, "resolve requires an object id and choice=local|remote")
		return
	}
	if err := s.engine.Resolve(id, choice); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "unknown object")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"object_id": id, "resolution": choice})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/pin/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "pin requires an object id")
		return
	}
	if _, err := s.st.GetObject(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown object")
		return
	}

	unpin := r.URL.Query().Get("unpin") == "1"
	if err := s.st.Tx(func(tx *store.Store) error {
		entry, err := tx.GetCacheEntry(id)
		if err == store.ErrNotFound {
			entry = &store.CacheEntry{ObjectID: id, LocalPath: s.cache.Path(id)}
		} else if err != nil {
			return err
		}
		entry.Pinned = !unpin
		return tx.PutCacheEntry(entry)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object_id": id, "pinned": !unpin})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
