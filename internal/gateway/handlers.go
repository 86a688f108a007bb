package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/workflow"
)

type registerAgentRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Agents())
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.svc.RegisterAgent(registry.Agent{ID: strings.TrimSpace(req.ID), Capabilities: req.Capabilities})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeregisterAgent(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateAgentRequest struct {
	Version      uint64   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Version == 0 {
		badRequest(w, "version is required")
		return
	}
	agent, err := s.svc.UpdateAgentCapabilities(r.PathValue("id"), req.Version, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Heartbeat(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.AssignmentsFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type submitTaskRequest struct {
	RequiredCapabilities []string           `json:"required_capabilities"`
	Strategy             scheduler.Strategy `json:"strategy"`
	PayloadSpec          string             `json:"payload_spec"`
	Labels               map[string]string  `json:"labels"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.svc.SubmitTask(r.Context(), scheduler.TaskSpec{
		RequiredCapabilities: req.RequiredCapabilities,
		Strategy:             req.Strategy,
		PayloadSpec:          req.PayloadSpec,
		Labels:               req.Labels,
	})
	if err != nil {
		writeErrorWithID(w, err, id)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetTaskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type reportResultRequest struct {
	AgentID string `json:"agent_id"`
	Payload string `json:"payload"`
}

func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req reportResultRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		badRequest(w, "agent_id is required")
		return
	}
	if err := s.svc.ReportResult(r.Context(), r.PathValue("id"), req.AgentID, []byte(req.Payload)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if !s.decode(w, r, &def) {
		return
	}
	if err := def.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := s.svc.CreateWorkflow(r.Context(), def)
	if err != nil {
		writeErrorWithID(w, err, id)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type advanceResponse struct {
	Phase int `json:"phase"`
}

func (s *Server) handleAdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	phase, err := s.svc.AdvanceWorkflow(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, scheduler.ErrNoEligibleAgents) && !errors.Is(err, scheduler.ErrInsufficientAgents) {
		writeError(w, err)
		return
	}
	if err != nil {
		// The workflow moved to the next phase but could not staff it.
		status, code := classify(err)
		writeJSON(w, status, struct {
			errorBody
			Phase int `json:"phase"`
		}{errorBody{Code: code, Error: err.Error(), ID: r.PathValue("id")}, phase})
		return
	}
	writeJSON(w, http.StatusOK, advanceResponse{Phase: phase})
}

func (s *Server) handleRetryWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.RetryWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RunSyncCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	if filter == "" {
		filter = "open"
	}
	conflicts, err := s.svc.GetConflicts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Content *string `json:"content"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Content == nil {
		badRequest(w, "content is required")
		return
	}
	res, err := s.svc.ResolveConflictManually(r.Context(), r.PathValue("key"), []byte(*req.Content))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
