// Package schema validates execution variables against the JSON Schema of a definition.
package schema

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

const defaultCacheSize = 256

var (
	// ErrInvalidSchema indicates a variable schema that cannot be compiled.
	ErrInvalidSchema = errors.New("invalid variable schema")

	// ErrSchemaViolation indicates variables that do not satisfy the schema.
	ErrSchemaViolation = errors.New("variables do not match schema")
)

// ViolationError lists every schema violation of a document.
type ViolationError struct {
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSchemaViolation, strings.Join(e.Violations, "; "))
}

func (e *ViolationError) Unwrap() error {
	return ErrSchemaViolation
}

// Validator compiles schemas once per cache key.
type Validator struct {
	compiled *lru.Cache[string, *gojsonschema.Schema]
}

func NewValidator() *Validator {
	cache, err := lru.New[string, *gojsonschema.Schema](defaultCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}

	return &Validator{compiled: cache}
}

// Compile checks that schema is a usable JSON Schema.
func (v *Validator) Compile(schema map[string]any) error {
	_, err := compile(schema)

	return err
}

// Validate checks variables against schema. An empty schema accepts anything.
// key identifies the schema in the compile cache, e.g. tenant, definition and version.
func (v *Validator) Validate(key string, schema map[string]any, variables map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, ok := v.compiled.Get(key)
	if !ok {
		var err error

		compiled, err = compile(schema)
		if err != nil {
			return err
		}

		v.compiled.Add(key, compiled)
	}

	if variables == nil {
		variables = map[string]any{}
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(variables))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		violations = append(violations, resultErr.String())
	}

	return &ViolationError{Violations: violations}
}

func compile(schema map[string]any) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	return compiled, nil
}
