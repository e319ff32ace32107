package adminapi

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugServerConfig configures StartDebugServer.
type DebugServerConfig struct {
	Enabled    bool
	ListenAddr string // forced to localhost unless LINEBUS_ALLOW_DEBUG_EXTERNAL=true
}

// DefaultDebugServerConfig returns a safe, localhost-only default.
func DefaultDebugServerConfig() DebugServerConfig {
	return DebugServerConfig{Enabled: true, ListenAddr: "127.0.0.1:6061"}
}

// StartDebugServer starts a pprof + /metrics server, forced to bind
// localhost-only unless explicitly overridden via environment variable —
// adapted from the teacher's internal/api/observability.go.
func StartDebugServer(cfg DebugServerConfig) error {
	if !cfg.Enabled {
		log.Println("adminapi: debug server disabled")
		return nil
	}
	if cfg.ListenAddr != "127.0.0.1:6061" && cfg.ListenAddr != "localhost:6061" {
		if os.Getenv("LINEBUS_ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("adminapi: debug server forced to localhost")
			cfg.ListenAddr = "127.0.0.1:6061"
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("adminapi: debug server listening on %s", cfg.ListenAddr)
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Printf("adminapi: debug server error: %v", err)
		}
	}()
	return nil
}
