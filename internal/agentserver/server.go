package agentserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/agentvm/internal/orchestrator"
)

const serverVersion = "1.0.0"

// Server is the HTTP surface: the MCP endpoint plus health and metrics.
type Server struct {
	router chi.Router
	logger zerolog.Logger
}

// New wires the MCP tool set over the orchestrator and mounts it.
func New(svc *orchestrator.Service, reg *prometheus.Registry, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "agentserver").Logger()

	tools := buildTools(svc, log)

	mcpSrv := server.NewMCPServer(
		"agentvm",
		serverVersion,
		server.WithInstructions("Safety-gated lifecycle management for ephemeral compute instances: check balance and runway, discover nodes, and create, extend, list, and destroy instances. Every spend-committing call is policy-checked first; expensive creates require an explicit confirmation round-trip."),
	)
	mcpSrv.AddTools(tools...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Mount("/mcp", server.NewStreamableHTTPServer(mcpSrv,
		server.WithEndpointPath("/"),
	))

	log.Info().Int("tools", len(tools)).Msg("mounted MCP endpoint at /mcp")

	return &Server{router: router, logger: log}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
