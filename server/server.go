// Package server exposes the container core over HTTP: lifecycle
// operations, image management, log streaming, and the observability
// surface (events, metrics, traces).
package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/codyaverett/wasm-container/image"
	"github.com/codyaverett/wasm-container/network"
	"github.com/codyaverett/wasm-container/runtime"
)

// Server routes API requests to the lifecycle controller.
type Server struct {
	log     zerolog.Logger
	ctrl    *runtime.Controller
	images  *image.Store
	net     *network.Manager
	mux     *http.ServeMux
	metrics *Metrics
	started time.Time
	version string
}

// New creates the server and registers all routes.
func New(log zerolog.Logger, ctrl *runtime.Controller, images *image.Store, net *network.Manager, version string) *Server {
	s := &Server{
		log:     log.With().Str("component", "server").Logger(),
		ctrl:    ctrl,
		images:  images,
		net:     net,
		mux:     http.NewServeMux(),
		metrics: NewMetrics(),
		started: time.Now(),
		version: version,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// System
	s.mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/info", s.handleInfo)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Containers
	s.mux.HandleFunc("POST /v1/containers", s.handleContainerCreate)
	s.mux.HandleFunc("GET /v1/containers", s.handleContainerList)
	s.mux.HandleFunc("GET /v1/containers/{id}", s.handleContainerInspect)
	s.mux.HandleFunc("POST /v1/containers/{id}/start", s.handleContainerStart)
	s.mux.HandleFunc("POST /v1/containers/{id}/stop", s.handleContainerStop)
	s.mux.HandleFunc("POST /v1/containers/{id}/kill", s.handleContainerKill)
	s.mux.HandleFunc("POST /v1/containers/{id}/wait", s.handleContainerWait)
	s.mux.HandleFunc("DELETE /v1/containers/{id}", s.handleContainerRemove)
	s.mux.HandleFunc("GET /v1/containers/{id}/logs", s.handleContainerLogs)
	s.mux.HandleFunc("GET /v1/containers/{id}/stats", s.handleContainerStats)
	s.mux.HandleFunc("POST /v1/containers/prune", s.handleContainerPrune)

	// Images
	s.mux.HandleFunc("GET /v1/images", s.handleImageList)
	s.mux.HandleFunc("POST /v1/images/load", s.handleImageLoad)
	s.mux.HandleFunc("DELETE /v1/images", s.handleImageRemove)
}

// Handler returns the fully wrapped HTTP handler: request tracing,
// request metrics, request logging, then the route mux.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(MetricsMiddleware(s.metrics, s.logRequests(s.mux)), "wasm-container")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
