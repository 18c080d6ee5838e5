package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukex/flowengine/pkg/models"
)

const (
	definitionsDir = "definitions"
	versionsDir    = "definition_versions"
	rulesDir       = "rules"
)

// DefinitionRepository handles definition and rule file operations.
type DefinitionRepository struct {
	root string
}

func NewDefinitionRepository(root string) *DefinitionRepository {
	return &DefinitionRepository{root: root}
}

// validateID validates that an identifier is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("identifier contains invalid characters")
	}

	return nil
}

// Definition returns nil when the file does not exist.
func (dr *DefinitionRepository) Definition(_ context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	found, err := dr.read(definitionsDir, tenantID, id, &def)
	if err != nil || !found {
		return nil, err
	}

	return &def, nil
}

// Version returns the published snapshot of one version, nil when none was taken.
// Definitions published by hand on disk have no snapshot; their current file
// stands in while it still carries the version.
func (dr *DefinitionRepository) Version(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	found, err := dr.read(versionsDir, tenantID, versionFile(id, version), &def)
	if err != nil {
		return nil, err
	}

	if found {
		return &def, nil
	}

	current, err := dr.Definition(ctx, tenantID, id)
	if err != nil || current == nil {
		return nil, err
	}

	if current.Version != version || current.Status == models.DefinitionStatusDraft {
		return nil, nil
	}

	return current, nil
}

func versionFile(id string, version int) string {
	return fmt.Sprintf("%s.v%d", id, version)
}

func (dr *DefinitionRepository) TenantDefinitions(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error) {
	if err := validateID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	ids, err := dr.list(definitionsDir, tenantID)
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		def, err := dr.Definition(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
		}

		if def != nil {
			result = append(result, def)
		}
	}

	return result, nil
}

func (dr *DefinitionRepository) TenantRules(_ context.Context, tenantID string) ([]*models.BusinessRule, error) {
	if err := validateID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	ids, err := dr.list(rulesDir, tenantID)
	if err != nil {
		return nil, err
	}

	result := make([]*models.BusinessRule, 0, len(ids))

	for _, id := range ids {
		var rule models.BusinessRule

		found, err := dr.read(rulesDir, tenantID, id, &rule)
		if err != nil {
			return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
		}

		if found {
			result = append(result, &rule)
		}
	}

	return result, nil
}

func (dr *DefinitionRepository) AllDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	tenants, err := dr.tenants(definitionsDir)
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowDefinition, 0)

	for _, tenantID := range tenants {
		defs, err := dr.TenantDefinitions(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		result = append(result, defs...)
	}

	return result, nil
}

func (dr *DefinitionRepository) AllRules(ctx context.Context) ([]*models.BusinessRule, error) {
	tenants, err := dr.tenants(rulesDir)
	if err != nil {
		return nil, err
	}

	result := make([]*models.BusinessRule, 0)

	for _, tenantID := range tenants {
		rules, err := dr.TenantRules(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		result = append(result, rules...)
	}

	return result, nil
}

func (dr *DefinitionRepository) SaveDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	if err := dr.write(definitionsDir, def.TenantID, def.ID, def); err != nil {
		return err
	}

	if !def.IsPublished() {
		return nil
	}

	var existing models.WorkflowDefinition

	name := versionFile(def.ID, def.Version)

	found, err := dr.read(versionsDir, def.TenantID, name, &existing)
	if err != nil || found {
		return err
	}

	return dr.write(versionsDir, def.TenantID, name, def)
}

func (dr *DefinitionRepository) SaveRule(_ context.Context, rule *models.BusinessRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	return dr.write(rulesDir, rule.TenantID, rule.ID, rule)
}

func (dr *DefinitionRepository) read(kind, tenantID, id string, target any) (bool, error) {
	if err := validateID(tenantID); err != nil {
		return false, fmt.Errorf("invalid tenant ID: %w", err)
	}

	if err := validateID(id); err != nil {
		return false, fmt.Errorf("invalid ID: %w", err)
	}

	filePath := filepath.Join(dr.root, kind, tenantID, id+".json")

	body, err := os.ReadFile(filePath) // #nosec G304 -- filePath is validated and constructed safely
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}

	return true, nil
}

func (dr *DefinitionRepository) write(kind, tenantID, id string, value any) error {
	if err := validateID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid ID: %w", err)
	}

	dir := filepath.Join(dr.root, kind, tenantID)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	return nil
}

func (dr *DefinitionRepository) list(kind, tenantID string) ([]string, error) {
	root := os.DirFS(filepath.Join(dr.root, kind, tenantID))

	files, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", kind, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

func (dr *DefinitionRepository) tenants(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dr.root, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	tenants := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}

	return tenants, nil
}
