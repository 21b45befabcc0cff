package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Outcome is the result of applying a rule set to one record
type Outcome struct {
	// Preview keeps duplicate values added by ADD_TO_EXISTING
	Preview json.RawMessage

	// Updated is the record to write back
	Updated json.RawMessage

	// Changed is false when Updated equals the original by value
	Changed bool

	// Errors holds one entry per option that could not be applied
	Errors []*errors.SkippableError
}

type compiledRule struct {
	rule    Rule
	field   Field
	invalid string
}

// Engine applies generic record rules for one entity type. Rule validation happens once
// in NewEngine; the result is reported on every record the engine sees.
type Engine struct {
	kind   domain.EntityType
	rules  []compiledRule
	setErr string
	logger *zap.Logger
}

// NewEngine validates the rules against the option catalogue of kind
func NewEngine(kind domain.EntityType, rules []Rule, logger *zap.Logger) (*Engine, error) {
	if _, ok := optionCatalog[kind]; !ok {
		return nil, errors.NewFatal(errors.CodeConfiguration,
			fmt.Sprintf("no editable options for %s records", kind), errors.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{kind: kind, logger: logger}
	perOption := make(map[Option]int)
	removeAll := make(map[Option]bool)

	for _, r := range rules {
		if err := CheckDeleteActions(r); err != nil {
			return nil, err
		}
		field, ok := LookupField(kind, r.Option)
		cr := compiledRule{rule: r, field: field}
		if !ok {
			cr.invalid = fmt.Sprintf("Option %s is not supported for %s records", r.Option, kind.Label())
		} else {
			cr.invalid = e.validateActions(r, field)
		}
		perOption[r.Option] += len(r.Actions)
		for _, a := range r.Actions {
			if a.Type == ActionRemoveAll && field.Shape.Multi() {
				removeAll[r.Option] = true
			}
		}
		if cr.invalid != "" {
			logger.Warn("Rule is not applicable",
				zap.String("option", string(r.Option)),
				zap.String("reason", cr.invalid))
		}
		e.rules = append(e.rules, cr)
	}

	for option := range removeAll {
		if perOption[option] > 1 {
			e.setErr = fmt.Sprintf("Action REMOVE_ALL on %s cannot be combined with other actions on the same field", option)
			logger.Warn("Rule set rejected", zap.String("reason", e.setErr))
			break
		}
	}
	return e, nil
}

// CheckDeleteActions rejects SET_RECORDS_FOR_DELETE rules with anything but SET_TO_TRUE or SET_TO_FALSE
func CheckDeleteActions(r Rule) error {
	if r.Option != OptionSetRecordsForDelete {
		return nil
	}
	for _, a := range r.Actions {
		if a.Type != ActionSetToTrue && a.Type != ActionSetToFalse {
			return errors.NewFatal(errors.CodeConfiguration,
				fmt.Sprintf("Unsupported action %s for option %s", a.Type, r.Option), errors.ErrConfiguration)
		}
	}
	return nil
}

func (e *Engine) validateActions(r Rule, f Field) string {
	if len(r.Actions) == 0 {
		return fmt.Sprintf("Rule for %s has no actions", r.Option)
	}
	for _, a := range r.Actions {
		if _, ok := handlers[handlerKey{f.Shape, a.Type}]; !ok {
			return fmt.Sprintf("Action %s is not supported for %s", a.Type, r.Option)
		}
		switch {
		case a.Type == ActionChangeType && a.Updated == "":
			return fmt.Sprintf("Action %s for %s requires a target type", a.Type, r.Option)
		case a.Type == ActionChangeType && f.Shape == ShapeStringList && r.Option != OptionAdministrativeNote:
			return fmt.Sprintf("Action %s is not supported for %s", a.Type, r.Option)
		case a.Type == ActionAddToExisting && f.Shape == ShapeNoteList && a.Parameters.NoteType == "":
			return fmt.Sprintf("Action %s for %s requires a note type", a.Type, r.Option)
		case (a.Type == ActionFindAndReplace || a.Type == ActionFindAndRemoveThese) && a.Initial == "":
			return fmt.Sprintf("Action %s for %s requires a value to find", a.Type, r.Option)
		}
	}
	return ""
}

// Problems returns the validation messages found when the engine was built
func (e *Engine) Problems() []string {
	var out []string
	if e.setErr != "" {
		out = append(out, e.setErr)
	}
	for _, cr := range e.rules {
		if cr.invalid != "" {
			out = append(out, cr.invalid)
		}
	}
	return out
}

// Apply runs every rule in order against the entity document
func (e *Engine) Apply(entity json.RawMessage) Outcome {
	identifier := recordIdentifier(entity)
	out := Outcome{Preview: entity, Updated: entity}

	if e.setErr != "" {
		out.Errors = append(out.Errors, validationError(identifier, e.setErr))
		return out
	}

	marcSource := e.kind == domain.EntityInstance && gjson.GetBytes(entity, "source").String() == "MARC"
	preview := []byte(entity)
	updated := []byte(entity)

	for _, cr := range e.rules {
		if cr.invalid != "" {
			out.Errors = append(out.Errors, validationError(identifier, cr.invalid))
			continue
		}
		if marcSource && marcControlled[cr.rule.Option] {
			out.Errors = append(out.Errors, validationError(identifier,
				fmt.Sprintf("Bulk edit of %s is not supported for MARC Instances", cr.rule.Option)))
			continue
		}

		p, perr := e.applyRule(preview, cr, marcSource, false)
		u, uerr := e.applyRule(updated, cr, marcSource, true)
		if err := errors.Join(perr, uerr); err != nil {
			out.Errors = append(out.Errors, validationError(identifier, firstMessage(uerr, perr)))
			continue
		}
		preview, updated = p, u
	}

	out.Preview = preview
	out.Updated = updated
	out.Changed = !semanticEqual(entity, updated)
	return out
}

func (e *Engine) applyRule(doc []byte, cr compiledRule, marcSource, dedupe bool) ([]byte, error) {
	ctx := &applyContext{kind: e.kind, option: cr.rule.Option, marcSource: marcSource, dedupe: dedupe}
	var err error
	for _, a := range cr.rule.Actions {
		h := handlers[handlerKey{cr.field.Shape, a.Type}]
		if doc, err = h(doc, cr.field, a, ctx); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func firstMessage(errs ...error) string {
	for _, err := range errs {
		if err != nil {
			return err.Error()
		}
	}
	return ""
}

func validationError(identifier, msg string) *errors.SkippableError {
	return errors.NewSkippable(identifier, errors.CodeRuleValidation, msg, errors.ErrRuleValidation)
}

func recordIdentifier(entity []byte) string {
	if hrid := gjson.GetBytes(entity, "hrid").String(); hrid != "" {
		return hrid
	}
	if barcode := gjson.GetBytes(entity, "barcode").String(); barcode != "" {
		return barcode
	}
	return gjson.GetBytes(entity, "id").String()
}

// semanticEqual compares two JSON documents by value, ignoring key order and whitespace
func semanticEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
