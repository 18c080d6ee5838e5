package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/flowengine/pkg/cmd"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/workflow"
	"github.com/urfave/cli/v3"
)

var ErrInvalidDefinitions = errors.New("invalid definitions or rules found")

// catalog lists everything the store holds across tenants.
type catalog interface {
	Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
	Rules(ctx context.Context) ([]*models.BusinessRule, error)
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate every stored definition and rule",
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := slog.With(
				"module", serviceName,
				"action", "validate",
			)

			rt, err := cmd.NewRuntime(ctx, logger, cmd.EngineConfig(command), serviceName)
			if err != nil {
				return err
			}

			defer rt.Close(context.WithoutCancel(ctx))

			return validateCatalog(ctx, os.Stdout, rt.Store, rt.Validator)
		},
	}
}

// validateCatalog prints one line per definition and rule. Problems of drafts are
// printed but only published definitions and rules fail the run.
func validateCatalog(ctx context.Context, out io.Writer, store catalog, validator *workflow.Validator) error {
	definitions, err := store.Definitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch definitions: %w", err)
	}

	rules, err := store.Rules(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch rules: %w", err)
	}

	_, _ = fmt.Fprintln(out, "Definition and Rule Validation Results:")
	_, _ = fmt.Fprintln(out, "=======================================")

	invalid := 0

	for _, def := range definitions {
		err := validator.ValidateDefinition(def)
		if err != nil && !def.IsPublished() {
			report(out, "draft", def.TenantID, def.ID, err)

			continue
		}

		invalid += report(out, "definition", def.TenantID, def.ID, err)
	}

	for _, rule := range rules {
		invalid += report(out, "rule", rule.TenantID, rule.ID, validator.ValidateRule(rule))
	}

	_, _ = fmt.Fprintf(out, "\nSummary: %d definitions, %d rules, %d invalid\n", len(definitions), len(rules), invalid)

	if invalid > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDefinitions, invalid)
	}

	return nil
}

func report(out io.Writer, kind, tenantID, id string, err error) int {
	if err != nil {
		_, _ = fmt.Fprintf(out, "  ✗ %s %s/%s: %v\n", kind, tenantID, id, err)

		return 1
	}

	_, _ = fmt.Fprintf(out, "  ✓ %s %s/%s\n", kind, tenantID, id)

	return 0
}
