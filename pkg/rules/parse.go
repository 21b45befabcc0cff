package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

//go:embed schema/rules.schema.json
var schemaJSON string

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func ruleSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("rules.schema.json", strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("failed to add rule schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("rules.schema.json")
	})
	return compiled, compileErr
}

// ParseRules validates a rule collection against the embedded schema and decodes it
func ParseRules(data []byte) (RuleSet, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return RuleSet{}, errors.NewFatal(errors.CodeConfiguration, "rule collection is not valid JSON", err)
	}

	schema, err := ruleSchema()
	if err != nil {
		return RuleSet{}, errors.NewFatal(errors.CodeConfiguration, "rule schema unavailable", err)
	}
	if err := schema.Validate(doc); err != nil {
		msgs := extractValidationErrors(err)
		return RuleSet{}, errors.NewFatal(errors.CodeConfiguration,
			"invalid rule collection: "+strings.Join(msgs, "; "), errors.ErrConfiguration)
	}

	var set RuleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return RuleSet{}, errors.NewFatal(errors.CodeConfiguration, "decode rule collection", err)
	}
	return set, nil
}

// extractValidationErrors flattens a schema validation error into messages
func extractValidationErrors(err error) []string {
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		return flattenValidationErrors(validationErr)
	}
	return []string{err.Error()}
}

func flattenValidationErrors(err *jsonschema.ValidationError) []string {
	var msgs []string
	if len(err.Causes) == 0 {
		if msg := buildErrorMessage(err); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	for _, cause := range err.Causes {
		msgs = append(msgs, flattenValidationErrors(cause)...)
	}
	return msgs
}

func buildErrorMessage(err *jsonschema.ValidationError) string {
	var parts []string
	if err.InstanceLocation != "" {
		parts = append(parts, fmt.Sprintf("at '%s'", err.InstanceLocation))
	}
	if err.Message != "" {
		parts = append(parts, err.Message)
	}
	return strings.Join(parts, ": ")
}
