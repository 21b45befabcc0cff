package rules

import "github.com/wehubfusion/Daedalus/pkg/domain"

// Shape is the JSON shape of an editable field
type Shape int

const (
	ShapeScalar Shape = iota
	ShapeStringList
	ShapeNoteList
	ShapeBoolean
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeStringList:
		return "list"
	case ShapeNoteList:
		return "notes"
	case ShapeBoolean:
		return "boolean"
	}
	return "unknown"
}

// Multi reports whether the shape holds several values
func (s Shape) Multi() bool {
	return s == ShapeStringList || s == ShapeNoteList
}

// Field locates an option inside an entity document
type Field struct {
	Path  string
	Shape Shape

	// TypeKey is the note type property of note list entries
	TypeKey string
}

const administrativeNotesPath = "administrativeNotes"

var optionCatalog = map[domain.EntityType]map[Option]Field{
	domain.EntityItem: {
		OptionStatus:                {Path: "status.name", Shape: ShapeScalar},
		OptionPermanentLocation:     {Path: "permanentLocationId", Shape: ShapeScalar},
		OptionTemporaryLocation:     {Path: "temporaryLocationId", Shape: ShapeScalar},
		OptionItemNote:              {Path: "notes", Shape: ShapeNoteList, TypeKey: "itemNoteTypeId"},
		OptionAdministrativeNote:    {Path: administrativeNotesPath, Shape: ShapeStringList},
		OptionSuppressFromDiscovery: {Path: "discoverySuppress", Shape: ShapeBoolean},
		OptionFormerIDs:             {Path: "formerIds", Shape: ShapeStringList},
	},
	domain.EntityHolding: {
		OptionPermanentLocation:     {Path: "permanentLocationId", Shape: ShapeScalar},
		OptionCallNumber:            {Path: "callNumber", Shape: ShapeScalar},
		OptionHoldingsNote:          {Path: "notes", Shape: ShapeNoteList, TypeKey: "holdingsNoteTypeId"},
		OptionAdministrativeNote:    {Path: administrativeNotesPath, Shape: ShapeStringList},
		OptionSuppressFromDiscovery: {Path: "discoverySuppress", Shape: ShapeBoolean},
	},
	domain.EntityInstance: {
		OptionStaffSuppress:         {Path: "staffSuppress", Shape: ShapeBoolean},
		OptionSuppressFromDiscovery: {Path: "discoverySuppress", Shape: ShapeBoolean},
		OptionAdministrativeNote:    {Path: administrativeNotesPath, Shape: ShapeStringList},
		OptionInstanceNote:          {Path: "notes", Shape: ShapeNoteList, TypeKey: "instanceNoteTypeId"},
		OptionStatisticalCode:       {Path: "statisticalCodeIds", Shape: ShapeStringList},
		OptionSetRecordsForDelete:   {Path: "deleted", Shape: ShapeBoolean},
	},
	domain.EntityUser: {
		OptionEmailAddress:   {Path: "personal.email", Shape: ShapeScalar},
		OptionPatronGroup:    {Path: "patronGroup", Shape: ShapeScalar},
		OptionExpirationDate: {Path: "expirationDate", Shape: ShapeScalar},
		OptionActive:         {Path: "active", Shape: ShapeBoolean},
	},
}

// LookupField returns the field an option edits for the entity type
func LookupField(kind domain.EntityType, option Option) (Field, bool) {
	f, ok := optionCatalog[kind][option]
	return f, ok
}

// noteField returns the typed note list of the entity type, if it has one
func noteField(kind domain.EntityType) (Field, bool) {
	for _, f := range optionCatalog[kind] {
		if f.Shape == ShapeNoteList {
			return f, true
		}
	}
	return Field{}, false
}

// marcControlled lists options that cannot be edited on MARC sourced instances
var marcControlled = map[Option]bool{
	OptionInstanceNote: true,
}
