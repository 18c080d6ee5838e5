package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var fileOptions = &syntax.FileOptions{}

func (e *Evaluator) evaluateStarlark(ctx context.Context, expr string, data map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	env, err := toEnv(data)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	thread := &starlark.Thread{
		Name:  "condition",
		Print: func(_ *starlark.Thread, _ string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load of %q is not allowed", module)
		},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("timeout")
		case <-done:
		}
	}()

	value, err := starlark.EvalOptions(fileOptions, thread, "condition", expr, env)
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "too many steps") {
			return false, fmt.Errorf("%w: %w", ErrConditionTimeout, err)
		}

		return false, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	return bool(value.Truth()), nil
}

func validateStarlark(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}

	if _, err := fileOptions.ParseExpr("condition", expr, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	return nil
}

func toEnv(data map[string]any) (starlark.StringDict, error) {
	env := make(starlark.StringDict, len(data))

	for key, value := range data {
		converted, err := toStarlark(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		env[key] = converted
	}

	for _, value := range env {
		value.Freeze()
	}

	return env, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}

		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}

		f, err := val.Float64()
		if err != nil {
			return nil, err
		}

		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, 0, len(val))

		for _, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}

			list = append(list, converted)
		}

		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))

		for k, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}

			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}

		return dict, nil
	default:
		// Normalise structs and typed slices through JSON.
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}

		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}

		return toStarlark(generic)
	}
}
