// Package profiling provides an optional pprof HTTP server for debugging.
package profiling

import (
	"net/http"
	"net/http/pprof"

	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/util"
)

// Server serves pprof endpoints on a dedicated bind address.
type Server struct {
	cfg    config.ProfilingConfig
	server *http.Server
}

// NewServer creates a profiling server from the process config.
func NewServer(cfg config.ProfilingConfig) *Server {
	return &Server{cfg: cfg}
}

// Start begins serving pprof endpoints, a no-op if disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	s.server = &http.Server{Addr: s.cfg.Bind, Handler: mux}

	util.Infof("profiling: listening on %s", s.cfg.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("profiling: server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the profiling server down.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
