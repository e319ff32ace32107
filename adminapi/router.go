// Package adminapi is the optional HTTP/WebSocket observability shell
// around a live Controller: connected-peer introspection, Prometheus
// metrics, and a live event feed for dashboards. None of it is part of
// the protocol core.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linebus/framepool"
	"linebus/wire"
)

// ControllerInterface is the subset of *controller.Controller the router
// depends on, kept as an interface (as the teacher's router.go does for
// its engine/streamer dependencies) so handlers can be tested against a
// fake.
type ControllerInterface interface {
	Connected() []uint64
	Send(mac uint64, frame *framepool.Handle) error
	RecvFrom(mac uint64) (wire.WireFrame, error)
}

// RouterConfig configures NewRouter. Building the router has no side
// effects; Server.Start is what opens a listener.
type RouterConfig struct {
	Controller   ControllerInterface
	RateLimiter  *IPRateLimiter
	EventHub     *EventHub
	CORSOrigins  []string
	DisableAuth  bool // not read by NewRouter: admin routes have no authentication, only the optional rate limiting
}

// NewRouter builds the admin HTTP surface: chi routing, CORS, and rate
// limiting middleware, in the same layering order as the teacher's
// router.go (logger -> recoverer -> rate limit -> CORS -> routes).
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/bus/connected", handleConnected(cfg.Controller))
	r.Post("/bus/send/{mac}", handleSend(cfg.Controller))
	r.Get("/bus/recv/{mac}", handleRecv(cfg.Controller))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.EventHub != nil {
		r.Get("/bus/events", cfg.EventHub.ServeWS)
	}
	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		recordRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

func handleConnected(c ControllerInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		macs := c.Connected()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"connected": macs, "count": len(macs)})
	}
}

func handleSend(c ControllerInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, err := strconv.ParseUint(chi.URLParam(r, "mac"), 10, 64)
		if err != nil {
			http.Error(w, "invalid mac", http.StatusBadRequest)
			return
		}
		var body struct {
			Payload []byte `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		pool := framepool.NewSlice(1)
		h, err := pool.Allocate()
		if err != nil {
			http.Error(w, "out of frame handles", http.StatusServiceUnavailable)
			return
		}
		sf, err := wire.NewSendFrame(h, len(body.Payload))
		if err != nil {
			h.Release()
			http.Error(w, "payload too large", http.StatusBadRequest)
			return
		}
		copy(sf.Payload(), body.Payload)
		if err := c.Send(mac, h); err != nil {
			h.Release()
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleRecv(c ControllerInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, err := strconv.ParseUint(chi.URLParam(r, "mac"), 10, 64)
		if err != nil {
			http.Error(w, "invalid mac", http.StatusBadRequest)
			return
		}
		wf, err := c.RecvFrom(mac)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer wf.Handle().Release()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"payload": wf.Payload()})
	}
}
