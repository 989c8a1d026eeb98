package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/pass"
)

// HandleManualTrigger starts a pass on demand (POST /api/scheduler/manual-trigger).
//
// The response is written once the due definitions have been dispatched; the
// pass keeps awaiting asynchronous runs in the background. With ?wait=true
// the handler blocks until the pass completes and includes its summary.
func (s *Server) HandleManualTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	req, err := parseTriggerRequest(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	p, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	log := logger.FromContext(logger.WithPassID(r.Context(), p.ID), s.logger)

	// The pass outlives the request; it runs on the server context
	p.Dispatch(s.ctx)

	done := make(chan struct{})
	var summary *pass.Summary
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		defer close(done)
		var runErr error
		summary, runErr = p.Run(s.ctx)
		if runErr != nil {
			log.Warnw("Manual pass ended early", logger.FieldError, runErr)
		}
	}()

	resp := triggerResponse{
		Status:        "triggered",
		ServicesFound: p.ServicesFound(),
		LogID:         p.LogID,
		PassID:        p.ID,
		NotFound:      p.NotFound,
		Diagnostics:   p.Diagnostics,
	}
	if resp.NotFound == nil {
		resp.NotFound = []int64{}
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = []pass.Diagnostic{}
	}

	if wait {
		select {
		case <-done:
			resp.Summary = summary
		case <-r.Context().Done():
			return
		}
	}

	log.Infow("Manual pass triggered",
		logger.FieldLogID, p.LogID,
		"services_found", resp.ServicesFound,
		"wait", wait,
	)
	writeJSON(w, http.StatusOK, resp)
}

// parseTriggerRequest validates the trigger body before anything is
// dispatched. An empty body triggers a normal window pass.
func parseTriggerRequest(w http.ResponseWriter, r *http.Request) (pass.Request, error) {
	req := pass.Request{TriggerSource: execlog.TriggerManual}

	var body triggerRequest
	if err := readJSON(w, r, &body); err != nil {
		return req, err
	}

	if len(body.ForceServiceIDs) > 0 && string(body.ForceServiceIDs) != "null" {
		var ids []int64
		if err := json.Unmarshal(body.ForceServiceIDs, &ids); err != nil {
			return req, errors.NewInvalidRequestError("force_service_ids must be a list of integers")
		}
		req.ForcedIDs = ids
	}
	req.BypassWindow = body.BypassWindowCheck

	if body.ScheduleID != nil {
		req.ForcedIDs = append(req.ForcedIDs, *body.ScheduleID)
		req.BypassWindow = true
	}
	return req, nil
}
