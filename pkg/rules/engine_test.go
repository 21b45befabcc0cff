package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

const itemDoc = `{
	"id": "it-1",
	"hrid": "it00001",
	"status": {"name": "Available"},
	"permanentLocationId": "loc-main",
	"administrativeNotes": ["old note"],
	"formerIds": ["f1", "f2", "f3"],
	"notes": [
		{"itemNoteTypeId": "binding", "note": "Red cloth binding", "staffOnly": false},
		{"itemNoteTypeId": "provenance", "note": "Gift of Smith", "staffOnly": false}
	]
}`

func newEngine(t *testing.T, kind domain.EntityType, rules ...Rule) *Engine {
	t.Helper()
	e, err := NewEngine(kind, rules, nil)
	require.NoError(t, err)
	return e
}

func rule(option Option, actions ...Action) Rule {
	return Rule{Option: option, Actions: actions}
}

func TestEngineScalarActions(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		path   string
		want   string
		exists bool
	}{
		{"replace", rule(OptionStatus, Action{Type: ActionReplaceWith, Updated: "Missing"}), "status.name", "Missing", true},
		{"clear", rule(OptionPermanentLocation, Action{Type: ActionClearField}), "permanentLocationId", "", false},
		{"find and replace", rule(OptionStatus, Action{Type: ActionFindAndReplace, Initial: "Avail", Updated: "Unavail"}), "status.name", "Unavailable", true},
		{"find and remove", rule(OptionStatus, Action{Type: ActionFindAndRemoveThese, Initial: "able"}), "status.name", "Avail", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newEngine(t, domain.EntityItem, tt.rule).Apply(json.RawMessage(itemDoc))
			require.Empty(t, out.Errors)
			assert.True(t, out.Changed)
			res := gjson.GetBytes(out.Updated, tt.path)
			assert.Equal(t, tt.exists, res.Exists())
			assert.Equal(t, tt.want, res.String())
		})
	}
}

func TestEngineAddToExistingPreviewKeepsDuplicates(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionAdministrativeNote, Action{Type: ActionAddToExisting, Updated: "old note"}))

	out := e.Apply(json.RawMessage(itemDoc))
	require.Empty(t, out.Errors)

	assert.Equal(t, int64(2), gjson.GetBytes(out.Preview, "administrativeNotes.#").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(out.Updated, "administrativeNotes.#").Int())
	assert.False(t, out.Changed)
}

func TestEngineListActions(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionFormerIDs,
			Action{Type: ActionRemoveSome, Initial: "f1, f3"},
			Action{Type: ActionFindAndReplace, Initial: "f2", Updated: "g2"},
			Action{Type: ActionAddToExisting, Updated: "h1"}))

	out := e.Apply(json.RawMessage(itemDoc))
	require.Empty(t, out.Errors)
	assert.True(t, out.Changed)
	assert.Equal(t, `["g2","h1"]`, gjson.GetBytes(out.Updated, "formerIds").Raw)
}

func TestEngineNoteActions(t *testing.T) {
	staff := true
	e := newEngine(t, domain.EntityItem,
		rule(OptionItemNote,
			Action{Type: ActionMarkAsStaffOnly, Parameters: Parameters{NoteType: "binding"}},
			Action{Type: ActionFindAndReplace, Initial: "Smith", Updated: "Jones", Parameters: Parameters{NoteType: "provenance"}},
			Action{Type: ActionAddToExisting, Updated: "Rebound", Parameters: Parameters{NoteType: "binding", StaffOnly: &staff}}))

	out := e.Apply(json.RawMessage(itemDoc))
	require.Empty(t, out.Errors)

	notes := gjson.GetBytes(out.Updated, "notes").Array()
	require.Len(t, notes, 3)
	assert.True(t, notes[0].Get("staffOnly").Bool())
	assert.Equal(t, "Gift of Jones", notes[1].Get("note").String())
	assert.False(t, notes[1].Get("staffOnly").Bool())
	assert.Equal(t, "Rebound", notes[2].Get("note").String())
	assert.True(t, notes[2].Get("staffOnly").Bool())
}

func TestEngineChangeNoteTypeToAdministrative(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionItemNote, Action{Type: ActionChangeType, Updated: "ADMINISTRATIVE_NOTE", Parameters: Parameters{NoteType: "provenance"}}))

	out := e.Apply(json.RawMessage(itemDoc))
	require.Empty(t, out.Errors)
	assert.Equal(t, int64(1), gjson.GetBytes(out.Updated, "notes.#").Int())
	assert.Equal(t, `["old note","Gift of Smith"]`, gjson.GetBytes(out.Updated, "administrativeNotes").Raw)
}

func TestEngineChangeAdministrativeToTypedNote(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionAdministrativeNote, Action{Type: ActionChangeType, Updated: "binding"}))

	out := e.Apply(json.RawMessage(itemDoc))
	require.Empty(t, out.Errors)
	assert.Equal(t, `[]`, gjson.GetBytes(out.Updated, "administrativeNotes").Raw)
	notes := gjson.GetBytes(out.Updated, "notes").Array()
	require.Len(t, notes, 3)
	assert.Equal(t, "old note", notes[2].Get("note").String())
	assert.Equal(t, "binding", notes[2].Get("itemNoteTypeId").String())
}

func TestEngineUnchangedRecord(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionStatus, Action{Type: ActionReplaceWith, Updated: "Available"}))

	out := e.Apply(json.RawMessage(itemDoc))
	assert.Empty(t, out.Errors)
	assert.False(t, out.Changed)
}

func TestEngineRemoveAllCannotCombine(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionAdministrativeNote, Action{Type: ActionRemoveAll}),
		rule(OptionAdministrativeNote, Action{Type: ActionAddToExisting, Updated: "x"}),
		rule(OptionStatus, Action{Type: ActionReplaceWith, Updated: "Missing"}))

	require.Len(t, e.Problems(), 1)

	out := e.Apply(json.RawMessage(itemDoc))
	require.Len(t, out.Errors, 1)
	assert.Equal(t, errors.CodeRuleValidation, out.Errors[0].Code)
	assert.Equal(t, "it00001", out.Errors[0].Identifier)
	assert.False(t, out.Changed)
	assert.Equal(t, "Available", gjson.GetBytes(out.Updated, "status.name").String())
}

func TestEngineRemoveAllAlone(t *testing.T) {
	e := newEngine(t, domain.EntityItem, rule(OptionItemNote, Action{Type: ActionRemoveAll}))
	assert.Empty(t, e.Problems())

	out := e.Apply(json.RawMessage(itemDoc))
	assert.True(t, out.Changed)
	assert.Equal(t, `[]`, gjson.GetBytes(out.Updated, "notes").Raw)
}

func TestEngineUnsupportedOptionSkipsRuleOnly(t *testing.T) {
	e := newEngine(t, domain.EntityItem,
		rule(OptionPatronGroup, Action{Type: ActionReplaceWith, Updated: "staff"}),
		rule(OptionStatus, Action{Type: ActionSetToTrue}),
		rule(OptionStatus, Action{Type: ActionReplaceWith, Updated: "Missing"}))

	assert.Len(t, e.Problems(), 2)

	out := e.Apply(json.RawMessage(itemDoc))
	assert.Len(t, out.Errors, 2)
	assert.True(t, out.Changed)
	assert.Equal(t, "Missing", gjson.GetBytes(out.Updated, "status.name").String())
	assert.False(t, gjson.GetBytes(out.Updated, "patronGroup").Exists())
}

func TestEngineMarcInstanceNotes(t *testing.T) {
	doc := `{"id":"in-1","hrid":"in001","source":"MARC","notes":[{"instanceNoteTypeId":"gen","note":"n"}],"staffSuppress":false}`
	e := newEngine(t, domain.EntityInstance,
		rule(OptionInstanceNote, Action{Type: ActionRemoveAll}),
		rule(OptionStaffSuppress, Action{Type: ActionSetToTrue}))

	out := e.Apply(json.RawMessage(doc))
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0].Message, "INSTANCE_NOTE")
	assert.Equal(t, int64(1), gjson.GetBytes(out.Updated, "notes.#").Int())
	assert.True(t, gjson.GetBytes(out.Updated, "staffSuppress").Bool())
	assert.True(t, out.Changed)
}

func TestEngineFolioInstanceNotes(t *testing.T) {
	doc := `{"id":"in-1","hrid":"in001","source":"FOLIO","notes":[{"instanceNoteTypeId":"gen","note":"n"}]}`
	e := newEngine(t, domain.EntityInstance, rule(OptionInstanceNote, Action{Type: ActionRemoveAll}))

	out := e.Apply(json.RawMessage(doc))
	assert.Empty(t, out.Errors)
	assert.Equal(t, int64(0), gjson.GetBytes(out.Updated, "notes.#").Int())
}

func TestEngineSetRecordsForDelete(t *testing.T) {
	_, err := NewEngine(domain.EntityInstance, []Rule{
		rule(OptionSetRecordsForDelete, Action{Type: ActionClearField}),
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	e := newEngine(t, domain.EntityInstance, rule(OptionSetRecordsForDelete, Action{Type: ActionSetToTrue}))
	out := e.Apply(json.RawMessage(`{"id":"in-1","deleted":false}`))
	assert.True(t, gjson.GetBytes(out.Updated, "deleted").Bool())
}

func TestEngineUserRules(t *testing.T) {
	doc := `{"id":"u-1","barcode":"111","active":true,"personal":{"email":"a@old.org"}}`
	e := newEngine(t, domain.EntityUser,
		rule(OptionEmailAddress, Action{Type: ActionFindAndReplace, Initial: "@old.org", Updated: "@new.org"}),
		rule(OptionActive, Action{Type: ActionSetToFalse}))

	out := e.Apply(json.RawMessage(doc))
	require.Empty(t, out.Errors)
	assert.Equal(t, "a@new.org", gjson.GetBytes(out.Updated, "personal.email").String())
	assert.False(t, gjson.GetBytes(out.Updated, "active").Bool())
}

func TestSemanticEqual(t *testing.T) {
	assert.True(t, semanticEqual([]byte(`{"a":1,"b":[1,2]}`), []byte(`{ "b":[1,2], "a":1 }`)))
	assert.False(t, semanticEqual([]byte(`{"a":1}`), []byte(`{"a":2}`)))
}
