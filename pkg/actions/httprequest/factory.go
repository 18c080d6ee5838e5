package httprequest

import (
	"net/http"

	"github.com/dukex/flowengine/pkg/protocol"
)

// ActionFactory creates Action instances that share one HTTP client.
type ActionFactory struct {
	client *http.Client
}

// NewActionFactory creates a new ActionFactory. A nil client gives every action its own.
func NewActionFactory(client *http.Client) *ActionFactory {
	return &ActionFactory{client: client}
}

// Create creates a new Action from the given configuration.
func (h *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	action, err := NewAction(config)
	if err != nil {
		return nil, err
	}

	return action.WithClient(h.client), nil
}

// ID returns the unique identifier for the action.
func (h *ActionFactory) ID() string {
	return "http_request"
}
