package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowengine/pkg/lease"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/persistence/file"
	"github.com/dukex/flowengine/pkg/persistence/memory"
	"github.com/dukex/flowengine/pkg/persistence/postgresql"
	"github.com/redis/go-redis/v9"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

var supportedPersistenceProviders = []string{"memory", "file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL. A URL without a known
// scheme is a directory of the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(ctx, strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// NewRedis connects to redisURL. It returns nil when no URL is configured.
func NewRedis(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	if redisURL == "" {
		return nil, nil //nolint:nilnil // redis is optional
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// NewLeases returns Redis leases when a client is given, the store's own otherwise.
func NewLeases(client redis.UniversalClient, store persistence.LeaseRepository) persistence.LeaseRepository {
	if client == nil {
		return store
	}

	return lease.NewRepository(client)
}
