// Package template provides templating functionality for step and rule action configuration.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/flowengine/pkg/models"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)

		_, err := rand.Read(num)
		if err != nil {
			return 0
		}

		return int(num[0]) % max
	},
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)

		return string(raw), err
	},
}

// ExecutionData builds the template data of a step running inside execution.
// stepResults maps step id to the output of its latest completed attempt.
func ExecutionData(execution *models.WorkflowExecution, stepResults map[string]any) map[string]any {
	return map[string]any{
		"step_results": stepResults,
		"variables":    execution.Variables,
		"vars":         execution.Variables,
		"trigger_data": execution.TriggerData,
		"env":          getEnvVars(),
		"execution": map[string]any{
			"id":            execution.ID,
			"tenant_id":     execution.TenantID,
			"definition_id": execution.DefinitionID,
			"attempt":       execution.Attempt,
		},
	}
}

// EventData builds the template data of a rule action fired by event.
func EventData(event *models.DomainEvent, rule *models.BusinessRule) map[string]any {
	data := map[string]any{
		"event": map[string]any{
			"id":          event.ID,
			"tenant_id":   event.TenantID,
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
			"trigger":     event.Trigger,
		},
		"snapshot": event.Snapshot,
		"env":      getEnvVars(),
	}

	if rule != nil {
		data["rule"] = map[string]any{
			"id":       rule.ID,
			"name":     rule.Name,
			"priority": rule.Priority,
		}
	}

	return data
}

func Parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.New("transform").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RenderString executes templateStr and returns the raw text.
func RenderString(templateStr string, data any) (string, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// Render executes templateStr and decodes the result as JSON, number or boolean when it looks like one.
func Render(templateStr string, data any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	// Try to parse as JSON if it looks like JSON
	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// NeedsTemplating checks if a string contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderConfig returns a copy of config where every templated string, at any depth,
// is replaced by its rendered value. Other values are copied as they are.
func RenderConfig(config map[string]any, data any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}

	out := make(map[string]any, len(config))

	for key, value := range config {
		rendered, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		return RenderConfig(v, data)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
