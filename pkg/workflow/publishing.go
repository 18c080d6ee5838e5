package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
)

var (
	// ErrDefinitionImmutable indicates an edit of a published definition.
	ErrDefinitionImmutable = errors.New("published definitions are immutable")
	// ErrNotPublished indicates an unpublish of a definition that is not published.
	ErrNotPublished = errors.New("definition is not published")
)

// Store is the part of the persistence layer authoring needs.
type Store interface {
	Definition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error)
	SaveDefinition(ctx context.Context, definition *models.WorkflowDefinition) error
	SaveRule(ctx context.Context, rule *models.BusinessRule) error
}

// PublishingService moves definitions through draft, published and unpublished.
// Executions pin the version they started with.
type PublishingService struct {
	logger    *slog.Logger
	store     Store
	validator *Validator
	now       func() time.Time
	changed   func(tenantID string)
}

type PublishingOption func(*PublishingService)

// WithChangeHook is called with the tenant after every successful write, e.g. to
// invalidate a definition cache.
func WithChangeHook(hook func(tenantID string)) PublishingOption {
	return func(s *PublishingService) {
		s.changed = hook
	}
}

func WithClock(now func() time.Time) PublishingOption {
	return func(s *PublishingService) {
		s.now = now
	}
}

func NewPublishingService(logger *slog.Logger, store Store, validator *Validator, opts ...PublishingOption) *PublishingService {
	s := &PublishingService{
		logger:    logger.With("module", "publishing"),
		store:     store,
		validator: validator,
		now:       time.Now,
		changed:   func(string) {},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SaveDraft stores def as a draft. A published definition must be unpublished first.
func (s *PublishingService) SaveDraft(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}

	existing, err := s.store.Definition(ctx, def.TenantID, def.ID)

	switch {
	case persistence.IsDefinitionNotFound(err):
		def.Version = 1
		def.CreatedAt = s.now().UTC()
	case err != nil:
		return nil, fmt.Errorf("failed to load definition: %w", err)
	case existing.IsPublished():
		return nil, fmt.Errorf("%w: %s", ErrDefinitionImmutable, def.ID)
	case existing.Status == models.DefinitionStatusUnpublished:
		def.Version = existing.Version + 1
		def.CreatedAt = existing.CreatedAt
	default:
		def.Version = existing.Version
		def.CreatedAt = existing.CreatedAt
	}

	def.Status = models.DefinitionStatusDraft
	def.PublishedAt = nil

	if err := s.validator.validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidDefinition, def.ID, err)
	}

	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	s.changed(def.TenantID)

	return def, nil
}

// Publish validates the draft and makes it executable. Drafts created from an
// unpublished definition carry the next version.
func (s *PublishingService) Publish(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	existing, err := s.store.Definition(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get definition for publishing: %w", err)
	}

	if existing.IsPublished() {
		return existing, nil
	}

	if err := s.validator.ValidateDefinition(existing); err != nil {
		return nil, err
	}

	published := *existing
	published.Steps = append([]*models.StepDefinition(nil), existing.Steps...)
	published.Status = models.DefinitionStatusPublished

	publishedAt := s.now().UTC()
	published.PublishedAt = &publishedAt

	if err := s.store.SaveDefinition(ctx, &published); err != nil {
		return nil, fmt.Errorf("failed to save published definition: %w", err)
	}

	s.changed(tenantID)

	s.logger.InfoContext(ctx, "Definition published",
		log.TenantID(tenantID), log.DefinitionID(id), "version", published.Version)

	return &published, nil
}

// Unpublish stops new executions of a definition. Running executions keep going.
func (s *PublishingService) Unpublish(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	existing, err := s.store.Definition(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	if !existing.IsPublished() {
		return nil, fmt.Errorf("%w: %s", ErrNotPublished, id)
	}

	unpublished := *existing
	unpublished.Status = models.DefinitionStatusUnpublished

	if err := s.store.SaveDefinition(ctx, &unpublished); err != nil {
		return nil, fmt.Errorf("failed to update definition after unpublishing: %w", err)
	}

	s.changed(tenantID)

	s.logger.InfoContext(ctx, "Definition unpublished", log.TenantID(tenantID), log.DefinitionID(id))

	return &unpublished, nil
}

// SaveRule validates and stores a business rule.
func (s *PublishingService) SaveRule(ctx context.Context, rule *models.BusinessRule) (*models.BusinessRule, error) {
	if err := s.validator.ValidateRule(rule); err != nil {
		return nil, err
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now().UTC()
	}

	if err := s.store.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to save rule: %w", err)
	}

	s.changed(rule.TenantID)

	return rule, nil
}
