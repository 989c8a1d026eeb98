// Package server exposes the scheduler over HTTP: the manual trigger, the
// execution status and completion endpoints, definition management and a
// WebSocket feed of execution events.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/dispatch"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/pulse/status"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Engine      *pass.Engine
	Dispatcher  *dispatch.Dispatcher
	Definitions *schedule.Store
	Logs        *execlog.Store
	Status      *status.Service

	// Observer receives the events the server emits itself (records created
	// and completed through the API).
	Observer observer.Observer

	// Scheduler is optional; when set /health reports the next timer pass.
	Scheduler *pass.Scheduler

	ConfigWatcher  *am.ConfigWatcher
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server is the cadence HTTP API
type Server struct {
	engine     *pass.Engine
	dispatcher *dispatch.Dispatcher
	defs       *schedule.Store
	logs       *execlog.Store
	status     *status.Service
	observer   observer.Observer
	scheduler  *pass.Scheduler

	originsMu      sync.RWMutex
	allowedOrigins []string

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger

	httpServer    *http.Server
	configWatcher *am.ConfigWatcher

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	passes         sync.WaitGroup
	stopOnce       sync.Once
	broadcastDrops atomic.Int64
	state          atomic.Int32
}

// New creates a server and starts its client hub. Call Stop to release it.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		engine:         deps.Engine,
		dispatcher:     deps.Dispatcher,
		defs:           deps.Definitions,
		logs:           deps.Logs,
		status:         deps.Status,
		observer:       observer.OrNop(deps.Observer),
		scheduler:      deps.Scheduler,
		allowedOrigins: deps.AllowedOrigins,
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		logger:         log,
		configWatcher:  deps.ConfigWatcher,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.state.Store(int32(ServerStateRunning))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()
	return s
}

// SetAllowedOrigins replaces the origins accepted for CORS and WebSocket upgrades.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.originsMu.Lock()
	s.allowedOrigins = origins
	s.originsMu.Unlock()
}

func (s *Server) origins() []string {
	s.originsMu.RLock()
	defer s.originsMu.RUnlock()
	return s.allowedOrigins
}

// handleClientRegister handles a new client connection
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()

	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}

	s.clients[client] = true
	totalClients := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", totalClients,
	)
}

// handleClientUnregister handles a client disconnection
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	totalClients := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", totalClients,
	)
}

// clientCount returns the number of connected feed clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run is the client hub event loop
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}
