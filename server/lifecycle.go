package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start listens on port, or a fallback when it is taken, and serves until Stop.
func (s *Server) Start(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.AddPulseOpenSymbol(s.logger).Infow("Server ready",
		logger.FieldURL, fmt.Sprintf("http://localhost:%d", actualPort),
		logger.FieldAddress, srv.Addr,
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Stop drains the HTTP listener, closes feed clients and waits for passes
// started over HTTP. Passes still running at ShutdownTimeout are cancelled
// and leave their records pending.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop()
	})
	return stopErr
}

func (s *Server) stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "http shutdown")
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
	}

	// Close client connections before cancelling so the pumps exit cleanly
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
			client.conn.Close()
		}
	}

	// Passes started over HTTP get the rest of the timeout to finish
	if !waitGroup(ctx, &s.passes) {
		s.logger.Warnw("Cancelling passes still running at shutdown")
	}
	s.cancel()

	grace, cancelGrace := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancelGrace()
	if waitGroup(grace, &s.wg) {
		s.logger.Infow("All goroutines stopped cleanly")
	} else {
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		} else {
			s.logger.Infow("Config watcher stopped")
		}
	}

	s.setState(ServerStateStopped)
	logger.AddPulseCloseSymbol(s.logger).Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return shutdownErr
}

// waitGroup waits for wg until ctx is done and reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
