// Package enqueue provides the rule action that pushes a job onto a Redis list.
package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/redis/go-redis/v9"
)

var ErrMissingQueue = errors.New("enqueue requires 'queue'")

const keyPrefix = "flowengine:queue:"

type Action struct {
	Queue   string
	Payload any

	client redis.UniversalClient
}

func NewAction(config map[string]any, client redis.UniversalClient) (*Action, error) {
	queue, _ := config["queue"].(string)
	if queue == "" {
		return nil, ErrMissingQueue
	}

	return &Action{Queue: queue, Payload: config["payload"], client: client}, nil
}

// Key returns the Redis list holding queue.
func Key(queue string) string {
	return keyPrefix + queue
}

func (a *Action) Execute(ctx context.Context, input protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	job := map[string]any{"payload": a.Payload}

	if input.Event != nil {
		job["event_id"] = input.Event.ID
		job["tenant_id"] = input.Event.TenantID
	}

	if input.Rule != nil {
		job["rule_id"] = input.Rule.ID
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	length, err := a.client.RPush(ctx, Key(a.Queue), raw).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to push to queue %s: %w", a.Queue, err)
	}

	logger.DebugContext(ctx, "Enqueued job", "queue", a.Queue, "length", length)

	return map[string]any{"queue": a.Queue, "length": length}, nil
}

type ActionFactory struct {
	client redis.UniversalClient
}

func NewActionFactory(client redis.UniversalClient) *ActionFactory {
	return &ActionFactory{client: client}
}

func (*ActionFactory) ID() string {
	return "enqueue"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config, f.client)
}
