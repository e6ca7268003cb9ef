package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/panelfleet/panelfleet/internal/service"
)

// Server wraps the HTTP server and mux for the PanelFleet API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(
	listenAddress string,
	port int,
	adminToken string,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /subs/{file}", HandleSubscriptionFile(cp))

	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cp))

	// Services.
	authed.Handle("GET /api/v1/services", HandleListServices(cp))
	authed.Handle("POST /api/v1/services", HandleCreateService(cp))
	authed.Handle("POST /api/v1/services/actions/delete-inactive", HandleDeleteInactiveServices(cp))
	authed.Handle("GET /api/v1/services/{uuid}", HandleGetService(cp))
	authed.Handle("PATCH /api/v1/services/{uuid}", HandleUpdateService(cp))
	authed.Handle("DELETE /api/v1/services/{uuid}", HandleDeleteService(cp))
	authed.Handle("GET /api/v1/services/{uuid}/stats", HandleServiceStats(cp))

	// Panels.
	authed.Handle("GET /api/v1/panels", HandleListPanels(cp))
	authed.Handle("POST /api/v1/panels", HandleCreatePanel(cp))
	authed.Handle("GET /api/v1/panels/{id}", HandleGetPanel(cp))
	authed.Handle("PATCH /api/v1/panels/{id}", HandleUpdatePanel(cp))
	authed.Handle("DELETE /api/v1/panels/{id}", HandleDeletePanel(cp))
	authed.Handle("GET /api/v1/panels/{id}/stats", HandlePanelStats(cp))

	// Queue, tasks and workers.
	authed.Handle("GET /api/v1/queue/stats", HandleQueueStats(cp))
	authed.Handle("POST /api/v1/tasks", HandleTriggerTask(cp))
	authed.Handle("GET /api/v1/tasks/{id}", HandleGetTask(cp))
	authed.Handle("GET /api/v1/workers/status", HandleWorkersStatus(cp))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. It blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
