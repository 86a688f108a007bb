// Package gateway exposes the orchestrator over HTTP and streams hook events
// to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/workflow"
)

// ProtocolVersion is reported by /health.
const ProtocolVersion = 1

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrDisabled is returned by Start when the gateway is turned off.
var ErrDisabled = errors.New("gateway: server disabled")

// Service is the orchestrator surface the gateway serves.
type Service interface {
	RegisterAgent(agent registry.Agent) (string, error)
	DeregisterAgent(id string) error
	UpdateAgentCapabilities(id string, version uint64, capabilities []string) (registry.Agent, error)
	Heartbeat(id string) error
	Agents() []registry.Agent
	SubmitTask(ctx context.Context, spec scheduler.TaskSpec) (string, error)
	GetTaskStatus(ctx context.Context, id string) (orchestrator.TaskStatus, error)
	AssignmentsFor(ctx context.Context, agentID string) ([]scheduler.Task, error)
	ReportResult(ctx context.Context, taskID, agentID string, payload []byte) error
	CancelTask(ctx context.Context, id string) (scheduler.Task, error)
	CreateWorkflow(ctx context.Context, def workflow.Definition) (string, error)
	GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error)
	AdvanceWorkflow(ctx context.Context, id string) (int, error)
	RetryWorkflow(ctx context.Context, id string) (workflow.Workflow, error)
	RunSyncCycle(ctx context.Context) (orchestrator.SyncReport, error)
	GetConflicts(ctx context.Context, filter string) ([]conflict.Conflict, error)
	ResolveConflictManually(ctx context.Context, key string, chosen []byte) (conflict.Resolution, error)
}

// EventSource hands out event subscriptions for the stream endpoint.
type EventSource interface {
	Subscribe(types ...events.Type) events.Subscription
}

// Logger records gateway diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Server wraps the HTTP listener and handlers backing the gateway.
type Server struct {
	settings Settings
	svc      Service
	source   EventSource
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithEvents enables the WebSocket event stream.
func WithEvents(source EventSource) Option {
	return func(s *Server) {
		s.source = source
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a gateway over svc.
func NewServer(settings Settings, svc Service, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		svc:      svc,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed mux without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("PATCH /v1/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/agents/{id}/assignments", s.handleAssignments)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/results", s.handleReportResult)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/advance", s.handleAdvanceWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/retry", s.handleRetryWorkflow)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/conflicts", s.handleConflicts)
	mux.HandleFunc("POST /v1/conflicts/{key}/resolve", s.handleResolveConflict)
	mux.HandleFunc("GET /v1/events/stream", s.handleStream)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gateway: server is nil")
	}
	if !s.settings.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("gateway: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("gateway: serve error: %v", err)
		}
	}()
	s.logger.Printf("gateway: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Run starts the server and shuts it down when ctx ends. A disabled gateway
// returns nil immediately.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, ErrDisabled) {
			return nil
		}
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       int    `json:"version"`
	Agents        int    `json:"agents"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		Agents:        len(s.svc.Agents()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

// decode reads a size-limited JSON body into dst. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		badRequest(w, "empty body")
		return false
	}
	limit := s.settings.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: "payload_too_large", Error: "payload exceeds limit"})
			return false
		}
		badRequest(w, "unable to read body")
		return false
	}
	if len(body) == 0 {
		badRequest(w, "empty body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		badRequest(w, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
