package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

func evaluateSimple(expr string, data map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if literal, ok := simpleLiteral(expr); ok {
		return literal, nil
	}

	doc, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	for _, op := range []string{"==", "!="} {
		left, right, found := strings.Cut(expr, op)
		if !found {
			continue
		}

		path := strings.TrimSpace(left)
		if !gjson.ValidBytes(doc) || path == "" {
			return false, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
		}

		equal := reflect.DeepEqual(gjson.GetBytes(doc, path).Value(), parseLiteral(strings.TrimSpace(right)))
		if op == "!=" {
			return !equal, nil
		}

		return equal, nil
	}

	negate := strings.HasPrefix(expr, "!")
	if negate {
		expr = strings.TrimSpace(expr[1:])
	}

	result := truthy(gjson.GetBytes(doc, expr))
	if negate {
		return !result, nil
	}

	return result, nil
}

func validateSimple(expr string) error {
	expr = strings.TrimSpace(expr)

	for _, op := range []string{"==", "!="} {
		if left, _, found := strings.Cut(expr, op); found && strings.TrimSpace(left) == "" {
			return fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
		}
	}

	return nil
}

func simpleLiteral(expr string) (bool, bool) {
	if b, err := strconv.ParseBool(expr); err == nil {
		return b, true
	}

	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f != 0, true
	}

	return false, false
}

// parseLiteral decodes a JSON literal, falling back to the raw text as a string.
func parseLiteral(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return strings.Trim(raw, `'`)
	}

	return value
}

func truthy(result gjson.Result) bool {
	switch result.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return result.Num != 0
	case gjson.String:
		s := result.String()

		return s != "" && s != "false" && s != "0"
	case gjson.JSON:
		if result.IsArray() {
			return len(result.Array()) > 0
		}

		return len(result.Map()) > 0
	default:
		return false
	}
}
