// Package web provides the HTTP API of the execution engine.
package web

import "github.com/dukex/flowengine/pkg/models"

// ActorHeader names the caller recorded in the execution log.
const ActorHeader = "X-Actor"

// StartExecutionRequest represents the request body for starting an execution.
type StartExecutionRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	ExecutionKey string         `json:"execution_key"`
	Variables    map[string]any `json:"variables"`
	TriggerType  string         `json:"trigger_type"`
	TriggerData  map[string]any `json:"trigger_data"`
}

// ToStartRequest scopes the request to a tenant and actor.
func (r StartExecutionRequest) ToStartRequest(tenantID, actor string) models.StartRequest {
	triggerType := r.TriggerType
	if triggerType == "" {
		triggerType = "api"
	}

	return models.StartRequest{
		TenantID:     tenantID,
		DefinitionID: r.DefinitionID,
		ExecutionKey: r.ExecutionKey,
		Variables:    r.Variables,
		TriggerType:  triggerType,
		TriggerData:  r.TriggerData,
		Actor:        actor,
	}
}

// ResumeRequest carries the input of a human task or a variable patch.
// A null value removes the variable.
type ResumeRequest struct {
	Input map[string]any `json:"input"`
}

// ExecutionLogResponse is the audit trail of one execution.
type ExecutionLogResponse struct {
	ExecutionID string               `json:"execution_id"`
	Entries     []*models.AuditEntry `json:"entries"`
}

// RuleEvaluationResponse lists rule executions in firing order.
type RuleEvaluationResponse struct {
	EventID        string                  `json:"event_id"`
	RuleExecutions []*models.RuleExecution `json:"rule_executions"`
}
