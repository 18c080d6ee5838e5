package log

import "log/slog"

func TenantID(id string) slog.Attr {
	return slog.String("tenant_id", id)
}

func ExecutionID(id string) slog.Attr {
	return slog.String("execution_id", id)
}

func DefinitionID(id string) slog.Attr {
	return slog.String("definition_id", id)
}

func StepID(id string) slog.Attr {
	return slog.String("step_id", id)
}

func RuleID(id string) slog.Attr {
	return slog.String("rule_id", id)
}

func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return slog.String("error", msg)
}
