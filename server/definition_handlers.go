package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/schedule"
)

// HandleDefinitions lists (GET) or registers (POST) service definitions
func (s *Server) HandleDefinitions(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		defs, err := s.defs.List(r.Context())
		if err != nil {
			s.writeErr(w, r, errors.StoreUnavailable(err, "list definitions"))
			return
		}
		if defs == nil {
			defs = []*schedule.Definition{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"definitions": defs,
			"count":       len(defs),
		})
		return
	}

	var req definitionRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	def, err := req.toDefinition()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.defs.Create(r.Context(), def); err != nil {
		s.writeErr(w, r, err)
		return
	}

	logger.FromContext(r.Context(), s.logger).Infow("Definition registered",
		logger.FieldDefinitionID, def.ID,
		logger.FieldService, def.Name,
		logger.FieldFrequency, def.Frequency,
	)
	writeJSON(w, http.StatusCreated, def)
}

// HandleDefinition reads (GET) or toggles (PATCH {"is_active":bool}) one definition
func (s *Server) HandleDefinition(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPatch) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeErr(w, r, errors.NewInvalidRequestError("definition id must be an integer, got %q", r.PathValue("id")))
		return
	}

	if r.Method == http.MethodPatch {
		var patch definitionPatch
		if err := readJSON(w, r, &patch); err != nil {
			s.writeErr(w, r, err)
			return
		}
		if patch.IsActive == nil {
			s.writeErr(w, r, errors.NewInvalidRequestError("is_active is required"))
			return
		}
		if err := s.defs.SetActive(r.Context(), id, *patch.IsActive); err != nil {
			s.writeErr(w, r, err)
			return
		}
		logger.FromContext(r.Context(), s.logger).Infow("Definition updated",
			logger.FieldDefinitionID, id,
			"is_active", *patch.IsActive,
		)
	}

	def, err := s.defs.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (req definitionRequest) toDefinition() (*schedule.Definition, error) {
	def := &schedule.Definition{
		ID:             req.ID,
		Name:           req.Name,
		FunctionApp:    req.FunctionApp,
		TriggerURL:     req.TriggerURL,
		Frequency:      schedule.Frequency(req.Frequency),
		ScheduleConfig: req.ScheduleConfig,
		IsActive:       true,
		TriggerLimit:   req.TriggerLimit,
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}
	if req.StartDate != nil {
		def.StartDate = req.StartDate.UTC()
	}

	body := bytes.TrimSpace(req.JSONBody)
	switch {
	case len(body) == 0 || string(body) == "null":
	case body[0] == '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, errors.NewInvalidRequestError("json_body: %v", err)
		}
		def.JSONBody = s
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err != nil {
			return nil, errors.NewInvalidRequestError("json_body: %v", err)
		}
		def.JSONBody = compact.String()
	}
	return def, nil
}
