// Package memory provides an arena style in-memory persistence implementation.
// Records are stored by id and cross references are plain ids.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
)

type recordKey struct {
	tenantID string
	id       string
}

type versionKey struct {
	recordKey
	version int
}

// Persistence keeps every record in maps guarded by one RWMutex.
type Persistence struct {
	mu  sync.RWMutex
	now func() time.Time

	definitions map[recordKey]*models.WorkflowDefinition
	versions    map[versionKey]*models.WorkflowDefinition // published snapshots, never replaced
	rules       map[recordKey]*models.BusinessRule

	executions    map[recordKey]*models.WorkflowExecution
	executionKeys map[string]string
	steps         map[string][]*models.StepExecution // execution id -> attempts
	stepSequence  int64

	ruleExecutions map[recordKey][]*models.RuleExecution // (tenant, event id)
	ruleStats      map[recordKey]*models.RuleStats

	audit         map[recordKey][]*models.AuditEntry // (tenant, execution id)
	auditSequence int64

	leases map[string]*persistence.Lease
}

type Option func(*Persistence)

// WithClock sets the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Persistence) {
		p.now = now
	}
}

func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{
		now:            time.Now,
		definitions:    make(map[recordKey]*models.WorkflowDefinition),
		versions:       make(map[versionKey]*models.WorkflowDefinition),
		rules:          make(map[recordKey]*models.BusinessRule),
		executions:     make(map[recordKey]*models.WorkflowExecution),
		executionKeys:  make(map[string]string),
		steps:          make(map[string][]*models.StepExecution),
		ruleExecutions: make(map[recordKey][]*models.RuleExecution),
		ruleStats:      make(map[recordKey]*models.RuleStats),
		audit:          make(map[recordKey][]*models.AuditEntry),
		leases:         make(map[string]*persistence.Lease),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// Definition store

func (p *Persistence) PublishedDefinition(_ context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	def, ok := p.definitions[recordKey{tenantID, id}]
	if !ok || !def.IsPublished() {
		return nil, persistence.NewDefinitionError("PublishedDefinition", tenantID, id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

func (p *Persistence) Definition(_ context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	def, ok := p.definitions[recordKey{tenantID, id}]
	if !ok {
		return nil, persistence.NewDefinitionError("Definition", tenantID, id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

func (p *Persistence) DefinitionVersion(_ context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if def, ok := p.versions[versionKey{recordKey{tenantID, id}, version}]; ok {
		return def, nil
	}

	return nil, persistence.NewDefinitionError("DefinitionVersion", tenantID, id, persistence.ErrDefinitionNotFound)
}

func (p *Persistence) DefinitionsByTrigger(_ context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.WorkflowDefinition, 0)

	for key, def := range p.definitions {
		if key.tenantID != tenantID || !def.IsPublished() || def.Trigger.EventType != eventType {
			continue
		}

		result = append(result, def)
	}

	slices.SortFunc(result, func(a, b *models.WorkflowDefinition) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return result, nil
}

func (p *Persistence) ActiveRules(_ context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.BusinessRule, 0)

	for key, rule := range p.rules {
		if key.tenantID == tenantID && rule.Active && rule.EntityType == entityType {
			result = append(result, rule)
		}
	}

	persistence.SortRules(result)

	return result, nil
}

func (p *Persistence) SaveDefinition(_ context.Context, definition *models.WorkflowDefinition) error {
	if definition.ID == "" || definition.TenantID == "" {
		return persistence.ErrInvalidID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey{definition.TenantID, definition.ID}
	p.definitions[key] = definition

	vkey := versionKey{key, definition.Version}
	if _, ok := p.versions[vkey]; !ok && definition.IsPublished() {
		p.versions[vkey] = definition.Snapshot()
	}

	return nil
}

func (p *Persistence) SaveRule(_ context.Context, rule *models.BusinessRule) error {
	if rule.ID == "" || rule.TenantID == "" {
		return persistence.ErrInvalidID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rules[recordKey{rule.TenantID, rule.ID}] = rule

	return nil
}

func (p *Persistence) Definitions(_ context.Context) ([]*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.WorkflowDefinition, 0, len(p.definitions))
	for _, def := range p.definitions {
		result = append(result, def)
	}

	return result, nil
}

func (p *Persistence) Rules(_ context.Context) ([]*models.BusinessRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.BusinessRule, 0, len(p.rules))
	for _, rule := range p.rules {
		result = append(result, rule)
	}

	persistence.SortRules(result)

	return result, nil
}

// Executions

func (p *Persistence) CreateExecution(_ context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, bool, error) {
	if execution.ID == "" || execution.TenantID == "" {
		return nil, false, persistence.ErrInvalidID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idem := persistence.ExecutionKey(execution.TenantID, execution.DefinitionID, execution.ExecutionKey)
	if existingID, ok := p.executionKeys[idem]; ok {
		return p.executions[recordKey{execution.TenantID, existingID}].Clone(), false, nil
	}

	stored := execution.Clone()
	stored.Version = 1

	p.executions[recordKey{execution.TenantID, execution.ID}] = stored
	p.executionKeys[idem] = execution.ID
	execution.Version = stored.Version

	return stored.Clone(), true, nil
}

func (p *Persistence) ExecutionByID(_ context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[recordKey{tenantID, id}]
	if !ok {
		return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (p *Persistence) ExecutionByKey(_ context.Context, tenantID, definitionID, key string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.executionKeys[persistence.ExecutionKey(tenantID, definitionID, key)]
	if !ok {
		return nil, persistence.NewExecutionError("ExecutionByKey", key, persistence.ErrExecutionNotFound)
	}

	return p.executions[recordKey{tenantID, id}].Clone(), nil
}

func (p *Persistence) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey{execution.TenantID, execution.ID}

	current, ok := p.executions[key]
	if !ok {
		return persistence.NewExecutionError("SaveExecution", execution.ID, persistence.ErrExecutionNotFound)
	}

	if current.Version != execution.Version {
		return persistence.NewExecutionError("SaveExecution", execution.ID, persistence.ErrConcurrentModification)
	}

	execution.Version++
	p.executions[key] = execution.Clone()

	return nil
}

func (p *Persistence) ExecutionsByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.WorkflowExecution, 0)

	for _, execution := range p.executions {
		if slices.Contains(statuses, execution.Status) {
			result = append(result, execution.Clone())
		}
	}

	slices.SortFunc(result, func(a, b *models.WorkflowExecution) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	return result, nil
}

// Restore loads a previously persisted execution and its attempts without version checks.
func (p *Persistence) Restore(execution *models.WorkflowExecution, steps []*models.StepExecution) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.executions[recordKey{execution.TenantID, execution.ID}] = execution.Clone()
	p.executionKeys[persistence.ExecutionKey(execution.TenantID, execution.DefinitionID, execution.ExecutionKey)] = execution.ID

	for _, step := range steps {
		if step.Sequence > p.stepSequence {
			p.stepSequence = step.Sequence
		}

		c := *step
		p.steps[execution.ID] = append(p.steps[execution.ID], &c)
	}
}

// Step executions

func (p *Persistence) SaveStepExecution(_ context.Context, step *models.StepExecution) error {
	if step.ID == "" || step.ExecutionID == "" {
		return persistence.ErrInvalidID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := p.steps[step.ExecutionID]
	for i, existing := range attempts {
		if existing.ID == step.ID {
			step.Sequence = existing.Sequence
			stored := *step
			attempts[i] = &stored

			return nil
		}
	}

	p.stepSequence++
	step.Sequence = p.stepSequence
	stored := *step
	p.steps[step.ExecutionID] = append(attempts, &stored)

	return nil
}

func (p *Persistence) StepExecutions(_ context.Context, tenantID, executionID string) ([]*models.StepExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.StepExecution, 0, len(p.steps[executionID]))

	for _, step := range p.steps[executionID] {
		if step.TenantID != tenantID {
			continue
		}

		c := *step
		result = append(result, &c)
	}

	return result, nil
}

// Rule executions

func (p *Persistence) SaveRuleExecution(_ context.Context, execution *models.RuleExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey{execution.TenantID, execution.EventID}
	stored := *execution
	p.ruleExecutions[key] = append(p.ruleExecutions[key], &stored)

	return nil
}

func (p *Persistence) RuleExecutions(_ context.Context, tenantID, eventID string) ([]*models.RuleExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records := p.ruleExecutions[recordKey{tenantID, eventID}]
	result := make([]*models.RuleExecution, 0, len(records))

	for _, r := range records {
		c := *r
		result = append(result, &c)
	}

	slices.SortStableFunc(result, func(a, b *models.RuleExecution) int {
		return a.Sequence - b.Sequence
	})

	return result, nil
}

func (p *Persistence) RecordRuleOutcome(_ context.Context, tenantID, ruleID string, failed bool, at time.Time) (*models.RuleStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.statsLocked(tenantID, ruleID)
	stats.ExecutionCount++

	if failed {
		stats.FailureCount++
	} else {
		stats.SuccessCount++
	}

	stats.LastEvaluatedAt = &at

	c := *stats

	return &c, nil
}

func (p *Persistence) FlagRule(_ context.Context, tenantID, ruleID string, flagged bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.statsLocked(tenantID, ruleID).Flagged = flagged

	return nil
}

func (p *Persistence) RuleStats(_ context.Context, tenantID, ruleID string) (*models.RuleStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats, ok := p.ruleStats[recordKey{tenantID, ruleID}]
	if !ok {
		return &models.RuleStats{TenantID: tenantID, RuleID: ruleID}, nil
	}

	c := *stats

	return &c, nil
}

func (p *Persistence) statsLocked(tenantID, ruleID string) *models.RuleStats {
	key := recordKey{tenantID, ruleID}

	stats, ok := p.ruleStats[key]
	if !ok {
		stats = &models.RuleStats{TenantID: tenantID, RuleID: ruleID}
		p.ruleStats[key] = stats
	}

	return stats
}

// Audit log

func (p *Persistence) Append(_ context.Context, entry *models.AuditEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.auditSequence++
	entry.Sequence = p.auditSequence

	owner := entry.ExecutionID
	if owner == "" {
		owner = entry.RuleID
	}

	key := recordKey{entry.TenantID, owner}
	stored := *entry
	p.audit[key] = append(p.audit[key], &stored)

	return nil
}

// Entries returns the log of an execution, or of a rule when id is a rule id.
func (p *Persistence) Entries(_ context.Context, tenantID, id string) ([]*models.AuditEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records := p.audit[recordKey{tenantID, id}]
	result := make([]*models.AuditEntry, 0, len(records))

	for _, entry := range records {
		c := *entry
		result = append(result, &c)
	}

	return result, nil
}

// Leases

func (p *Persistence) AcquireLease(_ context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	current, ok := p.leases[executionID]
	if ok && current.Owner != owner && current.ExpiresAt.After(now) {
		return nil, persistence.ErrLeaseHeld
	}

	lease := &persistence.Lease{ExecutionID: executionID, Owner: owner, ExpiresAt: now.Add(ttl)}
	p.leases[executionID] = lease

	c := *lease

	return &c, nil
}

func (p *Persistence) RenewLease(_ context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	current, ok := p.leases[executionID]
	if !ok || current.Owner != owner || !current.ExpiresAt.After(now) {
		return nil, persistence.ErrLeaseLost
	}

	current.ExpiresAt = now.Add(ttl)
	c := *current

	return &c, nil
}

func (p *Persistence) ReleaseLease(_ context.Context, executionID, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.leases[executionID]; ok && current.Owner == owner {
		delete(p.leases, executionID)
	}

	return nil
}

func (p *Persistence) CurrentLease(_ context.Context, executionID string) (*persistence.Lease, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	current, ok := p.leases[executionID]
	if !ok || !current.ExpiresAt.After(p.now()) {
		return nil, nil
	}

	c := *current

	return &c, nil
}
