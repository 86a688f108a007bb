package gateway

import (
	"errors"
	"net/http"

	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/store"
	"github.com/kingrea/concord/internal/workflow"
)

// errorBody is the JSON shape of every failed response. Code is stable across
// releases; Error is for humans.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{scheduler.ErrNoEligibleAgents, http.StatusServiceUnavailable, "no_eligible_agents"},
	{scheduler.ErrInsufficientAgents, http.StatusServiceUnavailable, "insufficient_agents"},
	{scheduler.ErrUnknownTask, http.StatusNotFound, "unknown_task"},
	{scheduler.ErrTaskNotAssigned, http.StatusConflict, "task_not_assigned"},
	{scheduler.ErrAgentNotAssignee, http.StatusForbidden, "agent_not_assignee"},
	{scheduler.ErrDuplicateResult, http.StatusConflict, "duplicate_result"},
	{scheduler.ErrTaskClosed, http.StatusConflict, "task_closed"},
	{scheduler.ErrEmptyCapabilities, http.StatusBadRequest, "empty_capabilities"},
	{scheduler.ErrInvalidStrategy, http.StatusBadRequest, "invalid_strategy"},
	{consensus.ErrRoundRejected, http.StatusConflict, "consensus_rejected"},
	{consensus.ErrRoundTimedOut, http.StatusConflict, "consensus_timed_out"},
	{registry.ErrDuplicateAgent, http.StatusConflict, "duplicate_agent"},
	{registry.ErrUnknownAgent, http.StatusNotFound, "unknown_agent"},
	{registry.ErrVersionConflict, http.StatusConflict, "version_conflict"},
	{registry.ErrAgentBusy, http.StatusConflict, "agent_busy"},
	{workflow.ErrUnknownWorkflow, http.StatusNotFound, "unknown_workflow"},
	{workflow.ErrNotApproved, http.StatusConflict, "not_approved"},
	{workflow.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
	{workflow.ErrNotBlocked, http.StatusConflict, "not_blocked"},
	{workflow.ErrAlreadyStarted, http.StatusConflict, "already_started"},
	{workflow.ErrInvalidPhase, http.StatusBadRequest, "invalid_phase"},
	{conflict.ErrUnknownConflict, http.StatusNotFound, "unknown_conflict"},
	{conflict.ErrUnresolvedManualConflict, http.StatusConflict, "unresolved_manual_conflict"},
	{conflict.ErrInvalidFilter, http.StatusBadRequest, "invalid_filter"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrExists, http.StatusConflict, "exists"},
}

// classify maps an error to its HTTP status and stable code.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Code: code, Error: err.Error()})
}

// writeErrorWithID reports a failure that still produced a record, such as a
// task stored as failed for lack of agents.
func writeErrorWithID(w http.ResponseWriter, err error, id string) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Code: code, Error: err.Error(), ID: id})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Error: message})
}
