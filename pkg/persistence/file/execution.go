package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/flowengine/pkg/models"
)

const executionsDir = "executions"

// ExecutionSnapshot is the on-disk form of an execution and its step attempts.
type ExecutionSnapshot struct {
	Execution *models.WorkflowExecution `json:"execution"`
	Steps     []*models.StepExecution   `json:"steps"`
}

// ExecutionRepository handles execution snapshot file operations.
type ExecutionRepository struct {
	root string
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

// Save overwrites the snapshot of one execution.
func (er *ExecutionRepository) Save(_ context.Context, snapshot *ExecutionSnapshot) error {
	execution := snapshot.Execution

	if err := validateID(execution.TenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	if err := validateID(execution.ID); err != nil {
		return fmt.Errorf("invalid execution ID: %w", err)
	}

	dir := filepath.Join(er.root, executionsDir, execution.TenantID)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create executions directory: %w", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}

	err = os.WriteFile(filepath.Join(dir, execution.ID+".json"), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write execution %s: %w", execution.ID, err)
	}

	return nil
}

// LoadAll reads every snapshot under the executions directory.
func (er *ExecutionRepository) LoadAll(_ context.Context) ([]*ExecutionSnapshot, error) {
	base := filepath.Join(er.root, executionsDir)

	tenants, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSnapshot{}, nil
		}

		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var snapshots []*ExecutionSnapshot

	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(base, tenant.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read executions of tenant %s: %w", tenant.Name(), err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			filePath := filepath.Join(base, tenant.Name(), entry.Name())

			data, err := os.ReadFile(filePath) // #nosec G304 -- path built from directory listing
			if err != nil {
				return nil, fmt.Errorf("failed to read execution %s: %w", entry.Name(), err)
			}

			var snapshot ExecutionSnapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution %s: %w", entry.Name(), err)
			}

			if snapshot.Execution != nil {
				snapshots = append(snapshots, &snapshot)
			}
		}
	}

	return snapshots, nil
}
