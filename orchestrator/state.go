// Package orchestrator is the checkpoint-driven state machine that turns a
// natural-language request into a validated, code-backed, deployed agent.
//
// The pipeline is a fixed graph of nodes. Each node reads the rolling state,
// emits a partial update, and is bracketed by checkpoints so an interrupted
// run resumes at the last incomplete step.
package orchestrator

import (
	"fmt"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
)

// DeploymentStatus tracks where a session's request stands.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
)

// IntentType classifies what the user asked for.
type IntentType string

const (
	IntentCreateAgent         IntentType = "CREATE_AGENT"
	IntentModifyAgent         IntentType = "MODIFY_AGENT"
	IntentDeleteAgent         IntentType = "DELETE_AGENT"
	IntentListAgents          IntentType = "LIST_AGENTS"
	IntentExecuteTask         IntentType = "EXECUTE_TASK"
	IntentClarificationNeeded IntentType = "CLARIFICATION_NEEDED"
	IntentCreateDepartment    IntentType = "CREATE_DEPARTMENT"
	IntentModifyDepartment    IntentType = "MODIFY_DEPARTMENT"
	IntentDeleteDepartment    IntentType = "DELETE_DEPARTMENT"
	IntentListDepartments     IntentType = "LIST_DEPARTMENT"
)

var knownIntents = map[IntentType]bool{
	IntentCreateAgent:         true,
	IntentModifyAgent:         true,
	IntentDeleteAgent:         true,
	IntentListAgents:          true,
	IntentExecuteTask:         true,
	IntentClarificationNeeded: true,
	IntentCreateDepartment:    true,
	IntentModifyDepartment:    true,
	IntentDeleteDepartment:    true,
	IntentListDepartments:     true,
}

// ParsedIntent is the classifier's verdict on a request.
type ParsedIntent struct {
	IntentType          IntentType             `json:"intent_type"`
	Parameters          map[string]interface{} `json:"parameters,omitempty"`
	Confidence          float64                `json:"confidence"`
	AlternateIntents    []string               `json:"alternate_intents,omitempty"`
	ClarificationNeeded bool                   `json:"clarification_needed,omitempty"`
}

// State is the rolling pipeline state carried from node to node. Every
// snapshot written to the checkpoint store is one of these.
type State struct {
	UserRequest            string                 `json:"user_request"`
	SessionID              string                 `json:"session_id"`
	ParsedIntent           *ParsedIntent          `json:"parsed_intent,omitempty"`
	ExistingAgents         []agentspec.AgentSpec  `json:"existing_agents,omitempty"`
	AgentSpec              *agentspec.AgentSpec   `json:"agent_spec,omitempty"`
	DeploymentStatus       DeploymentStatus       `json:"deployment_status"`
	ErrorMessage           string                 `json:"error_message,omitempty"`
	ExecutionContext       map[string]interface{} `json:"execution_context,omitempty"`
	RetryCount             int                    `json:"retry_count"`
	NeedsClarification     bool                   `json:"needs_clarification,omitempty"`
	ClarificationQuestions []string               `json:"clarification_questions,omitempty"`
	MissingInfo            []string               `json:"missing_info,omitempty"`
	Suggestions            []string               `json:"suggestions,omitempty"`
	ActiveDepartments      []string               `json:"active_departments,omitempty"`
	DepartmentCoordination map[string]interface{} `json:"department_coordination,omitempty"`
	CurrentDepartment      string                 `json:"current_department,omitempty"`
	DepartmentStates       map[string]interface{} `json:"department_states,omitempty"`
}

// NewState builds the initial state for one request.
func NewState(sessionID, request string) *State {
	return &State{
		UserRequest:      request,
		SessionID:        sessionID,
		DeploymentStatus: DeploymentPending,
		ExecutionContext: map[string]interface{}{},
	}
}

// Update is a node's partial contribution to the rolling state. Nil
// fields leave the state untouched; ExecutionContext entries are merged
// key by key.
type Update struct {
	UserRequest            *string
	ParsedIntent           *ParsedIntent
	ExistingAgents         []agentspec.AgentSpec
	AgentSpec              *agentspec.AgentSpec
	DeploymentStatus       *DeploymentStatus
	ErrorMessage           *string
	ExecutionContext       map[string]interface{}
	NeedsClarification     *bool
	ClarificationQuestions []string
	MissingInfo            []string
	Suggestions            []string
}

func status(s DeploymentStatus) *DeploymentStatus { return &s }

// Apply merges a partial update into the state.
func (s *State) Apply(u *Update) {
	if u == nil {
		return
	}
	if u.UserRequest != nil {
		s.UserRequest = *u.UserRequest
	}
	if u.ParsedIntent != nil {
		s.ParsedIntent = u.ParsedIntent
	}
	if u.ExistingAgents != nil {
		s.ExistingAgents = u.ExistingAgents
	}
	if u.AgentSpec != nil {
		s.AgentSpec = u.AgentSpec
	}
	if u.DeploymentStatus != nil {
		s.DeploymentStatus = *u.DeploymentStatus
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if len(u.ExecutionContext) > 0 {
		if s.ExecutionContext == nil {
			s.ExecutionContext = map[string]interface{}{}
		}
		for k, v := range u.ExecutionContext {
			s.ExecutionContext[k] = v
		}
	}
	if u.NeedsClarification != nil {
		s.NeedsClarification = *u.NeedsClarification
	}
	if u.ClarificationQuestions != nil {
		s.ClarificationQuestions = u.ClarificationQuestions
	}
	if u.MissingInfo != nil {
		s.MissingInfo = u.MissingInfo
	}
	if u.Suggestions != nil {
		s.Suggestions = u.Suggestions
	}
}

// validateIntent rejects classifications outside the closed intent set.
func validateIntent(t IntentType) error {
	if !knownIntents[t] {
		return fmt.Errorf("intent type %q: %w", t, core.ErrParse)
	}
	return nil
}
