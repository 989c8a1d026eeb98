package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
)

// HandleStatus serves GET /api/status/{log_id}
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	view, err := s.status.GetStatus(r.Context(), r.PathValue("log_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleResult serves GET /api/result/{log_id}
func (s *Server) HandleResult(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	view, err := s.status.GetResult(r.Context(), r.PathValue("log_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleCreateExecution registers a pending record for an external actor
// (POST /api/executions). A record with a parent joins the parent's tree.
func (s *Server) HandleCreateExecution(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req createExecutionRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec, err := s.newExternalRecord(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.logs.Create(r.Context(), rec); err != nil {
		s.writeErr(w, r, errors.StoreUnavailable(err, "create execution record"))
		return
	}

	logger.FromContext(r.Context(), s.logger).Infow("External execution registered",
		logger.FieldLogID, rec.LogID,
		logger.FieldService, rec.ServiceName,
		logger.FieldTriggerSource, rec.TriggerSource,
	)
	s.observer.Observe(r.Context(), recordEvent(observer.EventRecordCreated, rec))
	writeJSON(w, http.StatusCreated, map[string]string{"log_id": rec.LogID})
}

func (s *Server) newExternalRecord(ctx context.Context, req createExecutionRequest) (*execlog.Record, error) {
	if strings.TrimSpace(req.ServiceName) == "" {
		return nil, errors.NewInvalidRequestError("service_name is required")
	}
	if req.DefinitionID != nil {
		if _, err := s.defs.Get(ctx, *req.DefinitionID); err != nil {
			return nil, err
		}
	}

	rec := &execlog.Record{
		LogID:         execlog.NewLogID(),
		DefinitionID:  req.DefinitionID,
		ServiceName:   req.ServiceName,
		TriggerSource: req.TriggerSource,
		Request:       req.Request,
		Metadata:      req.Metadata,
	}
	if rec.TriggerSource == "" {
		rec.TriggerSource = execlog.TriggerExternal
	}

	if req.ParentID == nil {
		rec.RootID = util.Ptr(rec.LogID)
		return rec, nil
	}
	parent, err := s.logs.Get(ctx, *req.ParentID)
	if err != nil {
		return nil, err
	}
	rec.ParentID = util.Ptr(parent.LogID)
	if parent.RootID != nil {
		rec.RootID = util.Ptr(*parent.RootID)
	} else {
		rec.RootID = util.Ptr(parent.LogID)
	}
	return rec, nil
}

// HandleCompleteExecution performs the terminal write for an external actor
// (POST /api/executions/{log_id}/complete). Repeating the same outcome is a
// no-op; a different outcome for a terminal record is a 409.
func (s *Server) HandleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	logID := r.PathValue("log_id")

	var req completeRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !req.Status.IsTerminal() {
		s.writeErr(w, r, errors.NewInvalidRequestError("status must be success or failed, got %q", req.Status))
		return
	}

	before, err := s.logs.Get(r.Context(), logID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	rec, err := s.logs.Complete(r.Context(), logID, execlog.Outcome{
		Status:       req.Status,
		Response:     req.Response,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	// Only the request that performed the transition reports it
	if !before.IsTerminal() {
		if rec.DefinitionID != nil {
			s.dispatcher.Reconcile(r.Context(), rec)
		}
		logger.FromContext(r.Context(), s.logger).Infow("Execution completed externally",
			logger.FieldLogID, rec.LogID,
			logger.FieldStatus, rec.Status,
		)
		s.observer.Observe(r.Context(), recordEvent(observer.EventRecordCompleted, rec))
	}

	view, err := s.status.GetStatus(r.Context(), logID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		StatusView:        view,
		DefinitionUpdated: rec.DefinitionID != nil && !before.IsTerminal(),
	})
}

// HandleExecutionChildren lists the records whose parent is log_id
// (GET /api/executions/{log_id}/children).
func (s *Server) HandleExecutionChildren(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	logID := r.PathValue("log_id")
	if _, err := s.logs.Get(r.Context(), logID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	children, err := s.logs.ListByParent(r.Context(), logID)
	if err != nil {
		s.writeErr(w, r, errors.StoreUnavailable(err, "list child records"))
		return
	}
	if children == nil {
		children = []*execlog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"log_id":   logID,
		"children": children,
	})
}

// recordEvent describes rec as an observer event
func recordEvent(t observer.EventType, rec *execlog.Record) observer.Event {
	ev := observer.Event{
		Type:          t,
		LogID:         rec.LogID,
		DefinitionID:  rec.DefinitionID,
		ServiceName:   rec.ServiceName,
		TriggerSource: rec.TriggerSource,
		Status:        string(rec.Status),
		DurationMS:    rec.DurationMS,
	}
	if rec.ParentID != nil {
		ev.ParentID = *rec.ParentID
	}
	if rec.RootID != nil {
		ev.RootID = *rec.RootID
	}
	if rec.ErrorMessage != nil {
		ev.Error = util.Truncate(*rec.ErrorMessage, 500)
	}
	return ev
}
