// Package cache keeps recently read definitions and rules in memory for a short TTL.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 30 * time.Second
)

// DefinitionStore caches the reads of another DefinitionStore per tenant.
// Lookup errors are never cached.
type DefinitionStore struct {
	next persistence.DefinitionStore

	published   *expirable.LRU[string, *models.WorkflowDefinition]
	definitions *expirable.LRU[string, *models.WorkflowDefinition]
	triggers    *expirable.LRU[string, []*models.WorkflowDefinition]
	rules       *expirable.LRU[string, []*models.BusinessRule]
}

var _ persistence.DefinitionStore = (*DefinitionStore)(nil)

func NewDefinitionStore(next persistence.DefinitionStore, size int, ttl time.Duration) *DefinitionStore {
	if size <= 0 {
		size = DefaultSize
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &DefinitionStore{
		next:        next,
		published:   expirable.NewLRU[string, *models.WorkflowDefinition](size, nil, ttl),
		definitions: expirable.NewLRU[string, *models.WorkflowDefinition](size, nil, ttl),
		triggers:    expirable.NewLRU[string, []*models.WorkflowDefinition](size, nil, ttl),
		rules:       expirable.NewLRU[string, []*models.BusinessRule](size, nil, ttl),
	}
}

func key(tenantID, id string) string {
	return tenantID + "/" + id
}

func (s *DefinitionStore) PublishedDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	return lookup(s.published, key(tenantID, id), func() (*models.WorkflowDefinition, error) {
		return s.next.PublishedDefinition(ctx, tenantID, id)
	})
}

// DefinitionVersion entries never go stale; published snapshots are immutable.
func (s *DefinitionStore) DefinitionVersion(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	return lookup(s.definitions, key(tenantID, id+"@"+strconv.Itoa(version)), func() (*models.WorkflowDefinition, error) {
		return s.next.DefinitionVersion(ctx, tenantID, id, version)
	})
}

func (s *DefinitionStore) DefinitionsByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	return lookup(s.triggers, key(tenantID, eventType), func() ([]*models.WorkflowDefinition, error) {
		return s.next.DefinitionsByTrigger(ctx, tenantID, eventType)
	})
}

func (s *DefinitionStore) ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	return lookup(s.rules, key(tenantID, entityType), func() ([]*models.BusinessRule, error) {
		return s.next.ActiveRules(ctx, tenantID, entityType)
	})
}

// Invalidate drops every cached entry of tenantID.
func (s *DefinitionStore) Invalidate(tenantID string) {
	prefix := tenantID + "/"

	invalidate(s.published, prefix)
	invalidate(s.definitions, prefix)
	invalidate(s.triggers, prefix)
	invalidate(s.rules, prefix)
}

func lookup[V any](cache *expirable.LRU[string, V], k string, load func() (V, error)) (V, error) {
	if value, ok := cache.Get(k); ok {
		return value, nil
	}

	value, err := load()
	if err != nil {
		return value, err
	}

	cache.Add(k, value)

	return value, nil
}

func invalidate[V any](cache *expirable.LRU[string, V], prefix string) {
	for _, k := range cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			cache.Remove(k)
		}
	}
}
