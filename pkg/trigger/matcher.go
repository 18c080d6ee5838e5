// Package trigger matches domain events against the trigger of published definitions.
package trigger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/tidwall/gjson"
)

// Matcher selects the definitions a domain event starts.
type Matcher struct {
	logger *slog.Logger
}

// MatchResult is one definition started by an event.
type MatchResult struct {
	Definition *models.WorkflowDefinition
	// Score grows with the number of trigger criteria the event satisfied.
	Score int
}

func NewMatcher(logger *slog.Logger) *Matcher {
	return &Matcher{logger: logger.With("module", "trigger_matcher")}
}

// ExecutionKey makes redelivery of the same event start each definition once.
func ExecutionKey(eventID, definitionID string) string {
	return fmt.Sprintf("event:%s:%s", eventID, definitionID)
}

// Match returns the published definitions whose trigger listens to the event
// type and entity type of event and whose filters all hold, best match first.
func (m *Matcher) Match(event *models.DomainEvent, definitions []*models.WorkflowDefinition) []MatchResult {
	doc, err := json.Marshal(event.Data())
	if err != nil {
		m.logger.Warn("Failed to encode event for matching", "event_id", event.ID, "error", err)

		return nil
	}

	var results []MatchResult

	for _, def := range definitions {
		if !def.IsPublished() || def.TenantID != event.TenantID {
			continue
		}

		score, ok := m.matchTrigger(def.Trigger, event, doc)
		if !ok {
			continue
		}

		results = append(results, MatchResult{Definition: def, Score: score})

		m.logger.Debug("Found matching definition",
			"definition_id", def.ID,
			"event_id", event.ID,
			"score", score)
	}

	slices.SortStableFunc(results, func(a, b MatchResult) int {
		return b.Score - a.Score
	})

	m.logger.Info("Completed trigger matching",
		"event_id", event.ID,
		"trigger", event.Trigger,
		"matches_found", len(results))

	return results
}

func (m *Matcher) matchTrigger(spec models.TriggerSpec, event *models.DomainEvent, doc []byte) (int, bool) {
	if spec.EventType == "" || spec.EventType != event.Trigger {
		return 0, false
	}

	score := 100

	if spec.EntityType != "" {
		if spec.EntityType != event.EntityType {
			return 0, false
		}

		score += 50
	}

	for path, expected := range spec.Filter {
		if !matchFilter(doc, path, expected) {
			return 0, false
		}

		score += 10
	}

	return score, true
}

// matchFilter compares the value at path with expected. A list of expected
// values matches any of them.
func matchFilter(doc []byte, path string, expected any) bool {
	actual := gjson.GetBytes(doc, path)
	if !actual.Exists() {
		return expected == nil
	}

	if options, ok := expected.([]any); ok {
		return slices.ContainsFunc(options, func(option any) bool {
			return equal(actual, option)
		})
	}

	return equal(actual, expected)
}

// equal compares through JSON so 3 and 3.0 are the same value.
func equal(actual gjson.Result, expected any) bool {
	raw, err := json.Marshal(expected)
	if err != nil {
		return false
	}

	return reflect.DeepEqual(actual.Value(), gjson.ParseBytes(raw).Value())
}
