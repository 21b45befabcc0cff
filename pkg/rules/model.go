// Package rules holds the rule model shared by the record and MARC engines, parses and
// validates rule collections, and implements the generic record rule engine.
package rules

import "strings"

// Option names the field (or field group) a rule edits
type Option string

const (
	OptionStatus                Option = "STATUS"
	OptionPermanentLocation     Option = "PERMANENT_LOCATION"
	OptionTemporaryLocation     Option = "TEMPORARY_LOCATION"
	OptionItemNote              Option = "ITEM_NOTE"
	OptionHoldingsNote          Option = "HOLDINGS_NOTE"
	OptionInstanceNote          Option = "INSTANCE_NOTE"
	OptionAdministrativeNote    Option = "ADMINISTRATIVE_NOTE"
	OptionSuppressFromDiscovery Option = "SUPPRESS_FROM_DISCOVERY"
	OptionStaffSuppress         Option = "STAFF_SUPPRESS"
	OptionFormerIDs             Option = "FORMER_IDS"
	OptionCallNumber            Option = "CALL_NUMBER"
	OptionStatisticalCode       Option = "STATISTICAL_CODE"
	OptionSetRecordsForDelete   Option = "SET_RECORDS_FOR_DELETE"
	OptionEmailAddress          Option = "EMAIL_ADDRESS"
	OptionPatronGroup           Option = "PATRON_GROUP"
	OptionExpirationDate        Option = "EXPIRATION_DATE"
	OptionActive                Option = "ACTIVE"
)

// ActionType is the tag of an action
type ActionType string

const (
	ActionClearField            ActionType = "CLEAR_FIELD"
	ActionReplaceWith           ActionType = "REPLACE_WITH"
	ActionFindAndReplace        ActionType = "FIND_AND_REPLACE"
	ActionFindAndRemoveThese    ActionType = "FIND_AND_REMOVE_THESE"
	ActionAddToExisting         ActionType = "ADD_TO_EXISTING"
	ActionRemoveSome            ActionType = "REMOVE_SOME"
	ActionRemoveAll             ActionType = "REMOVE_ALL"
	ActionChangeType            ActionType = "CHANGE_TYPE"
	ActionMarkAsStaffOnly       ActionType = "MARK_AS_STAFF_ONLY"
	ActionRemoveMarkAsStaffOnly ActionType = "REMOVE_MARK_AS_STAFF_ONLY"
	ActionSetToTrue             ActionType = "SET_TO_TRUE"
	ActionSetToFalse            ActionType = "SET_TO_FALSE"

	// MARC only
	ActionFind               ActionType = "FIND"
	ActionAppend             ActionType = "APPEND"
	ActionRemoveField        ActionType = "REMOVE_FIELD"
	ActionRemoveSubfield     ActionType = "REMOVE_SUBFIELD"
	ActionAdditionalSubfield ActionType = "ADDITIONAL_SUBFIELD"
)

// Parameters is the typed payload of a record action
type Parameters struct {
	// NoteType restricts note actions to one note type
	NoteType string `json:"noteType,omitempty"`

	// StaffOnly is applied to notes added by ADD_TO_EXISTING
	StaffOnly *bool `json:"staffOnly,omitempty"`
}

// Action is one edit step of a record rule
type Action struct {
	Type       ActionType `json:"type"`
	Initial    string     `json:"initial,omitempty"`
	Updated    string     `json:"updated,omitempty"`
	Parameters Parameters `json:"parameters,omitempty"`
}

// Values splits a comma separated action argument
func (a Action) Values(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Rule edits one option with an ordered list of actions
type Rule struct {
	Option  Option   `json:"option"`
	Actions []Action `json:"actions"`
}

// DataKey names a parameter of a MARC action
type DataKey string

const (
	DataValue    DataKey = "VALUE"
	DataSubfield DataKey = "SUBFIELD"
)

// MarcActionData is one key/value parameter of a MARC action
type MarcActionData struct {
	Key   DataKey `json:"key"`
	Value string  `json:"value"`
}

// MarcAction is one step of a MARC rule
type MarcAction struct {
	Name ActionType       `json:"name"`
	Data []MarcActionData `json:"data,omitempty"`
}

// Get returns the parameter for key
func (a MarcAction) Get(key DataKey) (string, bool) {
	for _, d := range a.Data {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// MarcSubfieldAction adds further subfields to a field created by ADD_TO_EXISTING
type MarcSubfieldAction struct {
	Subfield string       `json:"subfield"`
	Actions  []MarcAction `json:"actions"`
}

// MarcRule targets the fields matching tag, indicators and subfield
type MarcRule struct {
	Tag       string               `json:"tag"`
	Ind1      string               `json:"ind1,omitempty"`
	Ind2      string               `json:"ind2,omitempty"`
	Subfield  string               `json:"subfield,omitempty"`
	Actions   []MarcAction         `json:"actions"`
	Subfields []MarcSubfieldAction `json:"subfields,omitempty"`
}

// RuleSet is a complete rule collection of a run
type RuleSet struct {
	Rules     []Rule     `json:"rules,omitempty"`
	MarcRules []MarcRule `json:"marcRules,omitempty"`
}

// IsEmpty reports whether the set has no rules at all
func (s RuleSet) IsEmpty() bool {
	return len(s.Rules) == 0 && len(s.MarcRules) == 0
}
