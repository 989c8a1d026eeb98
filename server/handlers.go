package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/version"
)

// HandleWebSocket upgrades GET /ws/executions into an execution event feed
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	client := newClient(s, conn, fmt.Sprintf("%s_%s", r.RemoteAddr, uuid.NewString()[:8]))

	// Send hello before starting writePump (avoid concurrent writes)
	info := version.Get()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(helloMessage{Type: "hello", Version: info.Version, Commit: info.Short()}); err != nil {
		s.logger.Debugw("Failed to send hello", "client_id", client.id, logger.FieldError, err)
		conn.Close()
		return
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// HandleExecutionLogHealth serves GET /api/health/execution-log
func (s *Server) HandleExecutionLogHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if err := s.status.Health(r.Context()); err != nil {
		logger.FromContext(r.Context(), s.logger).Warnw("Execution log unhealthy", logger.FieldError, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleHealth serves the process health check with version info
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := map[string]interface{}{
		"status":          "ok",
		"state":           stateString(s.getState()),
		"version":         info.Version,
		"commit":          info.CommitHash,
		"build_time":      info.BuildTime,
		"clients":         s.clientCount(),
		"broadcast_drops": s.broadcastDrops.Load(),
	}
	if s.scheduler != nil {
		if next := s.scheduler.Next(); !next.IsZero() {
			health["next_pass"] = util.FormatTime(next)
		}
	}
	writeJSON(w, http.StatusOK, health)
}
