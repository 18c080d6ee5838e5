package kafka_test

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowengine/pkg/channels/kafka"
	"github.com/stretchr/testify/require"
)

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, nil, "flowengine")
	require.ErrorIs(t, err, kafka.ErrNoBrokers)

	_, _, err = kafka.CreateChannel(watermill.NopLogger{}, []string{""}, "flowengine")
	require.ErrorIs(t, err, kafka.ErrNoBrokers)
}
