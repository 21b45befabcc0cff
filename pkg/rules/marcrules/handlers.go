package marcrules

import (
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/marc"
	"github.com/wehubfusion/Daedalus/pkg/rules"
)

type target struct {
	rule       rules.MarcRule
	ind1, ind2 byte
}

func (t target) matches(f *marc.DataField) bool {
	return f.Matches(t.rule.Tag, t.ind1, t.ind2)
}

func (t target) subfield() (byte, error) {
	if t.rule.Subfield == "" {
		return 0, fmt.Errorf("Subfield is absent for field %s", t.rule.Tag)
	}
	return t.rule.Subfield[0], nil
}

// containsIn reports whether the field has a subfield with the code whose value contains find
func containsIn(f *marc.DataField, code byte, find string) bool {
	for _, s := range f.Subfields {
		if s.Code == code && strings.Contains(s.Value, find) {
			return true
		}
	}
	return false
}

type ruleHandler func(rec *marc.Record, t target) error

var dispatch = map[string]ruleHandler{
	"FIND+APPEND":          findAndAppend,
	"FIND+REPLACE_WITH":    findAndReplace,
	"FIND+REMOVE_FIELD":    findAndRemoveField,
	"FIND+REMOVE_SUBFIELD": findAndRemoveSubfield,
	"REMOVE_ALL":           removeAll,
	"ADD_TO_EXISTING":      addToExisting,
}

func requireData(a rules.MarcAction, key rules.DataKey) (string, error) {
	v, ok := a.Get(key)
	if !ok || v == "" {
		return "", fmt.Errorf("Action data %s is absent", key)
	}
	return v, nil
}

// findValue returns the subfield code and FIND value of a two-step rule
func findValue(t target) (byte, string, error) {
	code, err := t.subfield()
	if err != nil {
		return 0, "", err
	}
	find, err := requireData(t.rule.Actions[0], rules.DataValue)
	if err != nil {
		return 0, "", err
	}
	return code, find, nil
}

func findAndAppend(rec *marc.Record, t target) error {
	code, find, err := findValue(t)
	if err != nil {
		return err
	}
	appendAction := t.rule.Actions[1]
	value, err := requireData(appendAction, rules.DataValue)
	if err != nil {
		return err
	}
	newCode, err := requireData(appendAction, rules.DataSubfield)
	if err != nil {
		return err
	}

	for _, f := range rec.DataFields {
		if !t.matches(f) || !containsIn(f, code, find) {
			continue
		}
		f.Subfields = append(f.Subfields, marc.Subfield{Code: newCode[0], Value: value})
		f.SortSubfields()
	}
	return nil
}

func findAndReplace(rec *marc.Record, t target) error {
	code, find, err := findValue(t)
	if err != nil {
		return err
	}
	replacement, err := requireData(t.rule.Actions[1], rules.DataValue)
	if err != nil {
		return err
	}

	for _, f := range rec.DataFields {
		if !t.matches(f) {
			continue
		}
		for i := range f.Subfields {
			if f.Subfields[i].Code == code && strings.Contains(f.Subfields[i].Value, find) {
				f.Subfields[i].Value = strings.ReplaceAll(f.Subfields[i].Value, find, replacement)
			}
		}
	}
	return nil
}

func findAndRemoveField(rec *marc.Record, t target) error {
	code, find, err := findValue(t)
	if err != nil {
		return err
	}
	rec.RemoveFields(func(f *marc.DataField) bool {
		return t.matches(f) && containsIn(f, code, find)
	})
	return nil
}

func findAndRemoveSubfield(rec *marc.Record, t target) error {
	code, find, err := findValue(t)
	if err != nil {
		return err
	}
	for _, f := range rec.DataFields {
		if !t.matches(f) {
			continue
		}
		kept := f.Subfields[:0]
		for _, s := range f.Subfields {
			if s.Code == code && strings.Contains(s.Value, find) {
				continue
			}
			kept = append(kept, s)
		}
		f.Subfields = kept
	}
	rec.RemoveFields(func(f *marc.DataField) bool {
		return t.matches(f) && len(f.Subfields) == 0
	})
	return nil
}

func removeAll(rec *marc.Record, t target) error {
	code, err := t.subfield()
	if err != nil {
		return err
	}
	rec.RemoveFields(func(f *marc.DataField) bool {
		return t.matches(f) && f.HasSubfield(code)
	})
	return nil
}

func addToExisting(rec *marc.Record, t target) error {
	code, err := t.subfield()
	if err != nil {
		return err
	}
	value, err := requireData(t.rule.Actions[0], rules.DataValue)
	if err != nil {
		return err
	}

	field := &marc.DataField{
		Tag:       t.rule.Tag,
		Ind1:      t.ind1,
		Ind2:      t.ind2,
		Subfields: []marc.Subfield{{Code: code, Value: value}},
	}
	for _, extra := range t.rule.Subfields {
		if extra.Subfield == "" {
			return fmt.Errorf("Subfield is absent for field %s", t.rule.Tag)
		}
		for _, a := range extra.Actions {
			if a.Name != rules.ActionAddToExisting {
				return fmt.Errorf("Action %s is not supported for additional subfields", a.Name)
			}
			v, err := requireData(a, rules.DataValue)
			if err != nil {
				return err
			}
			field.Subfields = append(field.Subfields, marc.Subfield{Code: extra.Subfield[0], Value: v})
		}
	}

	field.SortSubfields()
	rec.DataFields = append(rec.DataFields, field)
	rec.SortDataFields()
	return nil
}
