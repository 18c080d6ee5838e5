package models

import "time"

// Condition languages understood by the expression package.
const (
	ConditionLanguageStarlark = "starlark"
	ConditionLanguageSimple   = "simple"
)

// ConditionExpression is a side-effect free predicate over an event snapshot.
type ConditionExpression struct {
	Language   string `json:"language"`
	Expression string `json:"expression"`
}

// RuleAction is one entry of a rule's ordered action list.
type RuleAction struct {
	Type   string         `json:"type"             validate:"required"`
	Config map[string]any `json:"config,omitempty"`
}

// BusinessRule is a tenant-defined condition/action pair. It is read-only to the rule engine.
type BusinessRule struct {
	ID         string              `json:"id"          validate:"required"`
	TenantID   string              `json:"tenant_id"   validate:"required"`
	Name       string              `json:"name"        validate:"required"`
	RuleType   string              `json:"rule_type"`
	EntityType string              `json:"entity_type" validate:"required"`
	Trigger    string              `json:"trigger,omitempty"`
	Condition  ConditionExpression `json:"condition"`
	Actions    []RuleAction        `json:"actions"     validate:"dive"`
	Active     bool                `json:"active"`
	Priority   int                 `json:"priority"`
	CreatedAt  time.Time           `json:"created_at"`
}

// MatchesTrigger reports whether the rule listens to the given trigger tag.
func (r *BusinessRule) MatchesTrigger(trigger string) bool {
	return r.Trigger == "" || r.Trigger == trigger
}

// RuleStats holds the running counters of a rule. Owned by the rule engine.
type RuleStats struct {
	TenantID        string     `json:"tenant_id"`
	RuleID          string     `json:"rule_id"`
	ExecutionCount  int64      `json:"execution_count"`
	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	Flagged         bool       `json:"flagged"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
}

// RuleExecutionStatus is the outcome of evaluating one rule against one event.
type RuleExecutionStatus string

const (
	RuleExecutionMatched   RuleExecutionStatus = "matched"
	RuleExecutionUnmatched RuleExecutionStatus = "unmatched"
	RuleExecutionSucceeded RuleExecutionStatus = "succeeded"
	RuleExecutionFailed    RuleExecutionStatus = "failed"
)

// RuleExecution is the immutable record of one rule evaluation.
type RuleExecution struct {
	ID              string              `json:"id"`
	TenantID        string              `json:"tenant_id"`
	RuleID          string              `json:"rule_id"`
	RuleName        string              `json:"rule_name"`
	Priority        int                 `json:"priority"`
	EventID         string              `json:"event_id"`
	EntityType      string              `json:"entity_type"`
	EntityID        string              `json:"entity_id"`
	Trigger         string              `json:"trigger"`
	Status          RuleExecutionStatus `json:"status"`
	Sequence        int                 `json:"sequence"`
	EvaluatedAt     time.Time           `json:"evaluated_at"`
	CompletedAt     time.Time           `json:"completed_at"`
	DurationMs      int64               `json:"duration_ms"`
	ActionsExecuted int                 `json:"actions_executed"`
	Error           *ErrorDetail        `json:"error,omitempty"`
}

// Failed reports whether the evaluation counts against the rule's failure ratio.
func (r *RuleExecution) Failed() bool {
	return r.Status == RuleExecutionFailed
}
