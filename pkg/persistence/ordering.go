package persistence

import (
	"cmp"
	"slices"

	"github.com/dukex/flowengine/pkg/models"
)

// SortRules orders rules by priority desc, creation asc, id asc.
func SortRules(rules []*models.BusinessRule) {
	slices.SortStableFunc(rules, func(a, b *models.BusinessRule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}

		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// ExecutionKey identifies an execution for idempotent starts.
func ExecutionKey(tenantID, definitionID, key string) string {
	return tenantID + "\x00" + definitionID + "\x00" + key
}
