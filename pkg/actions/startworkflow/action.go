// Package startworkflow provides the rule action that starts a workflow execution.
package startworkflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/protocol"
)

var ErrMissingDefinition = errors.New("start_workflow requires 'definition_id'")

// Starter is implemented by the execution coordinator.
type Starter interface {
	Start(ctx context.Context, req models.StartRequest) (*models.ExecutionHandle, error)
}

type Action struct {
	DefinitionID string
	Variables    map[string]any

	starter Starter
}

func NewAction(config map[string]any, starter Starter) (*Action, error) {
	definitionID, _ := config["definition_id"].(string)
	if definitionID == "" {
		return nil, ErrMissingDefinition
	}

	variables, _ := config["variables"].(map[string]any)

	return &Action{DefinitionID: definitionID, Variables: variables, starter: starter}, nil
}

// ExecutionKey makes redelivered events start the workflow once per rule.
func ExecutionKey(ruleID, eventID string) string {
	return "rule:" + ruleID + ":" + eventID
}

func (a *Action) Execute(ctx context.Context, input protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	if input.Event == nil || input.Rule == nil {
		return nil, errors.New("start_workflow needs the firing event and rule")
	}

	handle, err := a.starter.Start(ctx, models.StartRequest{
		TenantID:     input.Event.TenantID,
		DefinitionID: a.DefinitionID,
		ExecutionKey: ExecutionKey(input.Rule.ID, input.Event.ID),
		Variables:    a.Variables,
		TriggerType:  "rule",
		TriggerData:  input.Event.Data(),
		Actor:        "rule:" + input.Rule.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow %s: %w", a.DefinitionID, err)
	}

	logger.InfoContext(ctx, "Started workflow from rule",
		"definition_id", a.DefinitionID, "execution_id", handle.ExecutionID, "created", handle.Created)

	return map[string]any{
		"execution_id": handle.ExecutionID,
		"status":       string(handle.Status),
		"created":      handle.Created,
	}, nil
}

type ActionFactory struct {
	starter Starter
}

func NewActionFactory(starter Starter) *ActionFactory {
	return &ActionFactory{starter: starter}
}

func (*ActionFactory) ID() string {
	return "start_workflow"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config, f.starter)
}
