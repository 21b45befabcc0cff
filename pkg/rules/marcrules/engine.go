// Package marcrules applies MARC bulk edit rules to binary bibliographic records.
package marcrules

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/marc"
	"github.com/wehubfusion/Daedalus/pkg/rules"
)

var dataFieldTag = regexp.MustCompile(`^[1-9]\d{2}$`)

// Result reports what a rule pass did to one record
type Result struct {
	Changed bool
	Errors  []*errors.SkippableError
}

// Engine applies MARC rules plus the SET_RECORDS_FOR_DELETE option
type Engine struct {
	rules  []rules.MarcRule
	delete *bool
	logger *zap.Logger
}

// NewEngine builds an engine from a rule collection. An unsupported SET_RECORDS_FOR_DELETE action is fatal.
func NewEngine(set rules.RuleSet, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{rules: set.MarcRules, logger: logger}
	for _, r := range set.Rules {
		if r.Option != rules.OptionSetRecordsForDelete {
			continue
		}
		if err := rules.CheckDeleteActions(r); err != nil {
			return nil, err
		}
		for _, a := range r.Actions {
			v := a.Type == rules.ActionSetToTrue
			e.delete = &v
		}
	}
	return e, nil
}

// Empty reports whether the engine would never modify a record
func (e *Engine) Empty() bool {
	return len(e.rules) == 0 && e.delete == nil
}

// Apply mutates rec in place. The 005 timestamp is rewritten only when the encoded record changed.
func (e *Engine) Apply(rec *marc.Record, now time.Time) (Result, error) {
	var res Result
	before, err := rec.Marshal()
	if err != nil {
		return res, err
	}

	if e.delete != nil {
		if *e.delete {
			rec.Leader.SetStatus(marc.StatusDeleted)
		} else {
			rec.Leader.SetStatus(marc.StatusCorrected)
		}
	}

	identifier := rec.Identifier()
	for _, r := range e.rules {
		if err := e.applyRule(rec, r); err != nil {
			e.logger.Debug("MARC rule skipped",
				zap.String("identifier", identifier),
				zap.String("tag", r.Tag),
				zap.Error(err))
			res.Errors = append(res.Errors,
				errors.NewSkippable(identifier, errors.CodeMarcValidation, err.Error(), errors.ErrMarcValidation))
		}
	}

	after, err := rec.Marshal()
	if err != nil {
		return res, err
	}
	if !bytes.Equal(before, after) {
		rec.Stamp(now)
		res.Changed = true
	}
	return res, nil
}

func (e *Engine) applyRule(rec *marc.Record, r rules.MarcRule) error {
	if !dataFieldTag.MatchString(r.Tag) {
		return fmt.Errorf("Bulk edit of %s field is not supported", r.Tag)
	}
	shape := shapeOf(r.Actions)
	h, ok := dispatch[shape]
	if !ok {
		return fmt.Errorf("Action %s is not supported for field %s", shape, r.Tag)
	}
	return h(rec, target{
		rule: r,
		ind1: indicator(r.Ind1),
		ind2: indicator(r.Ind2),
	})
}

// shapeOf joins action names, e.g. "FIND+APPEND"
func shapeOf(actions []rules.MarcAction) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a.Name)
	}
	return strings.Join(names, "+")
}

// indicator maps the rule literal to an indicator byte; `\` and empty mean blank
func indicator(s string) byte {
	if s == "" || s == `\` {
		return marc.Blank
	}
	return s[0]
}
