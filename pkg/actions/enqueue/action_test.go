package enqueue_test

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/flowengine/pkg/actions/enqueue"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAction_Execute(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	factory := enqueue.NewActionFactory(client)
	assert.Equal(t, "enqueue", factory.ID())

	action, err := factory.Create(map[string]any{
		"queue":   "follow-ups",
		"payload": map[string]any{"deal": "deal-42"},
	})
	require.NoError(t, err)

	input := protocol.ActionInput{
		Event: &models.DomainEvent{ID: "evt-1", TenantID: "acme"},
		Rule:  &models.BusinessRule{ID: "r1"},
	}

	result, err := action.Execute(t.Context(), input, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result["length"])

	_, err = action.Execute(t.Context(), input, slog.Default())
	require.NoError(t, err)

	items, err := server.List(enqueue.Key("follow-ups"))
	require.NoError(t, err)
	require.Len(t, items, 2)

	var job map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[0]), &job))
	assert.Equal(t, "evt-1", job["event_id"])
	assert.Equal(t, "r1", job["rule_id"])
	assert.Equal(t, map[string]any{"deal": "deal-42"}, job["payload"])
}

func TestAction_RedisDown(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})

	t.Cleanup(func() {
		_ = client.Close()
	})

	action, err := enqueue.NewAction(map[string]any{"queue": "q"}, client)
	require.NoError(t, err)

	server.Close()

	_, err = action.Execute(t.Context(), protocol.ActionInput{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push to queue q")
}

func TestNewAction_MissingQueue(t *testing.T) {
	_, err := enqueue.NewAction(map[string]any{}, nil)
	require.ErrorIs(t, err, enqueue.ErrMissingQueue)
}
