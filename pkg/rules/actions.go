package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

type applyContext struct {
	kind       domain.EntityType
	option     Option
	marcSource bool
	dedupe     bool
}

type handler func(doc []byte, f Field, a Action, ctx *applyContext) ([]byte, error)

type handlerKey struct {
	shape  Shape
	action ActionType
}

// handlers is the complete set of supported (shape, action) pairs
var handlers = map[handlerKey]handler{
	{ShapeScalar, ActionClearField}:         clearScalar,
	{ShapeScalar, ActionReplaceWith}:        replaceScalar,
	{ShapeScalar, ActionFindAndReplace}:     findAndReplaceScalar,
	{ShapeScalar, ActionFindAndRemoveThese}: findAndRemoveScalar,

	{ShapeStringList, ActionClearField}:         clearList,
	{ShapeStringList, ActionRemoveAll}:          clearList,
	{ShapeStringList, ActionReplaceWith}:        replaceList,
	{ShapeStringList, ActionAddToExisting}:      addToList,
	{ShapeStringList, ActionRemoveSome}:         removeFromList,
	{ShapeStringList, ActionFindAndRemoveThese}: removeFromList,
	{ShapeStringList, ActionFindAndReplace}:     findAndReplaceList,
	{ShapeStringList, ActionChangeType}:         changeListType,

	{ShapeNoteList, ActionClearField}:            removeNotes,
	{ShapeNoteList, ActionRemoveAll}:             removeNotes,
	{ShapeNoteList, ActionReplaceWith}:           replaceNotes,
	{ShapeNoteList, ActionAddToExisting}:         addNote,
	{ShapeNoteList, ActionRemoveSome}:            removeSomeNotes,
	{ShapeNoteList, ActionFindAndRemoveThese}:    findAndRemoveNotes,
	{ShapeNoteList, ActionFindAndReplace}:        findAndReplaceNotes,
	{ShapeNoteList, ActionChangeType}:            changeNoteType,
	{ShapeNoteList, ActionMarkAsStaffOnly}:       markStaffOnly(true),
	{ShapeNoteList, ActionRemoveMarkAsStaffOnly}: markStaffOnly(false),

	{ShapeBoolean, ActionSetToTrue}:  setBoolean(true),
	{ShapeBoolean, ActionSetToFalse}: setBoolean(false),
}

// scalar

func clearScalar(doc []byte, f Field, _ Action, _ *applyContext) ([]byte, error) {
	if !gjson.GetBytes(doc, f.Path).Exists() {
		return doc, nil
	}
	return sjson.DeleteBytes(doc, f.Path)
}

func replaceScalar(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return sjson.SetBytes(doc, f.Path, a.Updated)
}

func findAndReplaceScalar(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	cur := gjson.GetBytes(doc, f.Path)
	if !cur.Exists() || !strings.Contains(cur.String(), a.Initial) {
		return doc, nil
	}
	return sjson.SetBytes(doc, f.Path, strings.ReplaceAll(cur.String(), a.Initial, a.Updated))
}

func findAndRemoveScalar(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	cur := gjson.GetBytes(doc, f.Path)
	if !cur.Exists() || !strings.Contains(cur.String(), a.Initial) {
		return doc, nil
	}
	return sjson.SetBytes(doc, f.Path, strings.TrimSpace(strings.ReplaceAll(cur.String(), a.Initial, "")))
}

// string list

func readStrings(doc []byte, path string) ([]string, bool) {
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	var out []string
	for _, v := range res.Array() {
		out = append(out, v.String())
	}
	return out, true
}

func writeStrings(doc []byte, path string, values []string, existed bool) ([]byte, error) {
	if len(values) == 0 && !existed {
		return doc, nil
	}
	if values == nil {
		values = []string{}
	}
	return sjson.SetBytes(doc, path, values)
}

func clearList(doc []byte, f Field, _ Action, _ *applyContext) ([]byte, error) {
	_, existed := readStrings(doc, f.Path)
	return writeStrings(doc, f.Path, nil, existed)
}

func replaceList(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	_, existed := readStrings(doc, f.Path)
	return writeStrings(doc, f.Path, a.Values(a.Updated), existed)
}

func addToList(doc []byte, f Field, a Action, ctx *applyContext) ([]byte, error) {
	cur, existed := readStrings(doc, f.Path)
	cur = append(cur, a.Values(a.Updated)...)
	if ctx.dedupe {
		cur = uniqueStrings(cur)
	}
	return writeStrings(doc, f.Path, cur, existed)
}

func removeFromList(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	cur, existed := readStrings(doc, f.Path)
	if !existed {
		return doc, nil
	}
	drop := make(map[string]bool)
	for _, v := range a.Values(a.Initial) {
		drop[v] = true
	}
	kept := cur[:0:0]
	for _, v := range cur {
		if !drop[v] {
			kept = append(kept, v)
		}
	}
	return writeStrings(doc, f.Path, kept, existed)
}

func findAndReplaceList(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	cur, existed := readStrings(doc, f.Path)
	if !existed {
		return doc, nil
	}
	out := make([]string, len(cur))
	for i, v := range cur {
		if v == a.Initial {
			v = a.Updated
		} else {
			v = strings.ReplaceAll(v, a.Initial, a.Updated)
		}
		out[i] = v
	}
	return writeStrings(doc, f.Path, out, existed)
}

// changeListType moves administrative notes into the typed note list
func changeListType(doc []byte, f Field, a Action, ctx *applyContext) ([]byte, error) {
	target, ok := noteField(ctx.kind)
	if !ok {
		return nil, fmt.Errorf("%s records have no typed notes", ctx.kind.Label())
	}
	if ctx.marcSource && marcControlled[OptionInstanceNote] {
		return nil, fmt.Errorf("bulk edit of %s is not supported for MARC Instances", OptionInstanceNote)
	}
	cur, existed := readStrings(doc, f.Path)
	if len(cur) == 0 {
		return doc, nil
	}
	notes, notesExisted := readNotes(doc, target.Path)
	for _, text := range cur {
		notes = append(notes, map[string]interface{}{
			target.TypeKey: a.Updated,
			"note":         text,
			"staffOnly":    false,
		})
	}
	doc, err := writeStrings(doc, f.Path, nil, existed)
	if err != nil {
		return nil, err
	}
	return writeNotes(doc, target.Path, notes, notesExisted)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// typed notes

type note = map[string]interface{}

func readNotes(doc []byte, path string) ([]note, bool) {
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	var notes []note
	if err := json.Unmarshal([]byte(res.Raw), &notes); err != nil {
		return nil, false
	}
	return notes, true
}

func writeNotes(doc []byte, path string, notes []note, existed bool) ([]byte, error) {
	if len(notes) == 0 && !existed {
		return doc, nil
	}
	if notes == nil {
		notes = []note{}
	}
	return sjson.SetBytes(doc, path, notes)
}

func noteText(n note) string {
	s, _ := n["note"].(string)
	return s
}

func selected(n note, f Field, a Action) bool {
	if a.Parameters.NoteType == "" {
		return true
	}
	t, _ := n[f.TypeKey].(string)
	return t == a.Parameters.NoteType
}

// editNotes rewrites selected notes; fn returns false to drop the note
func editNotes(doc []byte, f Field, a Action, fn func(n note) bool) ([]byte, error) {
	notes, existed := readNotes(doc, f.Path)
	if !existed {
		return doc, nil
	}
	kept := notes[:0:0]
	for _, n := range notes {
		if !selected(n, f, a) || fn(n) {
			kept = append(kept, n)
		}
	}
	return writeNotes(doc, f.Path, kept, existed)
}

func removeNotes(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return editNotes(doc, f, a, func(note) bool { return false })
}

func replaceNotes(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return editNotes(doc, f, a, func(n note) bool {
		n["note"] = a.Updated
		return true
	})
}

func removeSomeNotes(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return editNotes(doc, f, a, func(n note) bool {
		return noteText(n) != a.Initial
	})
}

func findAndRemoveNotes(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return editNotes(doc, f, a, func(n note) bool {
		text := noteText(n)
		if !strings.Contains(text, a.Initial) {
			return true
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, a.Initial, ""))
		n["note"] = text
		return text != ""
	})
}

func findAndReplaceNotes(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	return editNotes(doc, f, a, func(n note) bool {
		if text := noteText(n); strings.Contains(text, a.Initial) {
			n["note"] = strings.ReplaceAll(text, a.Initial, a.Updated)
		}
		return true
	})
}

func addNote(doc []byte, f Field, a Action, ctx *applyContext) ([]byte, error) {
	notes, existed := readNotes(doc, f.Path)
	if ctx.dedupe && hasNote(notes, f, a.Parameters.NoteType, a.Updated) {
		return doc, nil
	}
	notes = append(notes, note{
		f.TypeKey:   a.Parameters.NoteType,
		"note":      a.Updated,
		"staffOnly": a.Parameters.StaffOnly != nil && *a.Parameters.StaffOnly,
	})
	return writeNotes(doc, f.Path, notes, existed)
}

func hasNote(notes []note, f Field, noteType, text string) bool {
	for _, n := range notes {
		if t, _ := n[f.TypeKey].(string); t == noteType && noteText(n) == text {
			return true
		}
	}
	return false
}

// changeNoteType retypes selected notes; the ADMINISTRATIVE_NOTE target moves them out of the list
func changeNoteType(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
	if a.Updated != string(OptionAdministrativeNote) {
		return editNotes(doc, f, a, func(n note) bool {
			n[f.TypeKey] = a.Updated
			return true
		})
	}

	var moved []string
	doc, err := editNotes(doc, f, a, func(n note) bool {
		moved = append(moved, noteText(n))
		return false
	})
	if err != nil || len(moved) == 0 {
		return doc, err
	}
	admin, existed := readStrings(doc, administrativeNotesPath)
	return writeStrings(doc, administrativeNotesPath, append(admin, moved...), existed)
}

func markStaffOnly(value bool) handler {
	return func(doc []byte, f Field, a Action, _ *applyContext) ([]byte, error) {
		return editNotes(doc, f, a, func(n note) bool {
			n["staffOnly"] = value
			return true
		})
	}
}

// boolean

func setBoolean(value bool) handler {
	return func(doc []byte, f Field, _ Action, _ *applyContext) ([]byte, error) {
		return sjson.SetBytes(doc, f.Path, value)
	}
}
