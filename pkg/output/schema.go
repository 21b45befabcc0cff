// Package output renders resolved records into the per-partition CSV, JSON-lines and
// MARC temp files of a run.
package output

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

// Column is one CSV column of an entity type
type Column struct {
	Header  string
	Visible bool
	Value   func(rec domain.ResolvedRecord) string
}

// Columns is the ordered CSV schema of an entity type
type Columns []Column

// Headers returns the header names in order
func (c Columns) Headers() []string {
	out := make([]string, len(c))
	for i, col := range c {
		out[i] = col.Header
	}
	return out
}

// Visible returns only the columns shown in previews
func (c Columns) Visible() Columns {
	var out Columns
	for _, col := range c {
		if col.Visible {
			out = append(out, col)
		}
	}
	return out
}

// Row renders a record in column order
func (c Columns) Row(rec domain.ResolvedRecord) []string {
	out := make([]string, len(c))
	for i, col := range c {
		out[i] = col.Value(rec)
	}
	return out
}

// listSeparator joins multi-valued cells
const listSeparator = " | "

func path(p string) func(domain.ResolvedRecord) string {
	return func(rec domain.ResolvedRecord) string {
		return rec.Get(p).String()
	}
}

func list(p string) func(domain.ResolvedRecord) string {
	return func(rec domain.ResolvedRecord) string {
		var parts []string
		for _, v := range rec.Get(p).Array() {
			parts = append(parts, v.String())
		}
		return strings.Join(parts, listSeparator)
	}
}

// notes renders typed notes as "type;note;staffOnly" entries
func notes(typeKey string) func(domain.ResolvedRecord) string {
	return func(rec domain.ResolvedRecord) string {
		var parts []string
		rec.Get("notes").ForEach(func(_, n gjson.Result) bool {
			parts = append(parts, fmt.Sprintf("%s;%s;%t",
				n.Get(typeKey).String(), n.Get("note").String(), n.Get("staffOnly").Bool()))
			return true
		})
		return strings.Join(parts, listSeparator)
	}
}

func boolean(p string) func(domain.ResolvedRecord) string {
	return func(rec domain.ResolvedRecord) string {
		return fmt.Sprintf("%t", rec.Get(p).Bool())
	}
}

func tenant(rec domain.ResolvedRecord) string { return rec.Tenant }

var schemas = map[domain.EntityType]Columns{
	domain.EntityItem: {
		{Header: "Item UUID", Value: path("id")},
		{Header: "Item HRID", Visible: true, Value: path("hrid")},
		{Header: "Barcode", Visible: true, Value: path("barcode")},
		{Header: "Member", Visible: true, Value: tenant},
		{Header: "Instance (Title, Publisher, Publication date)", Visible: true, Value: path("title")},
		{Header: "Holdings (Location, Call number)", Visible: true, Value: path("holdingsData")},
		{Header: "Status", Visible: true, Value: path("status.name")},
		{Header: "Item permanent location", Visible: true, Value: path("permanentLocationId")},
		{Header: "Item temporary location", Visible: true, Value: path("temporaryLocationId")},
		{Header: "Accession number", Value: path("accessionNumber")},
		{Header: "Former identifier", Value: list("formerIds")},
		{Header: "Administrative note", Visible: true, Value: list("administrativeNotes")},
		{Header: "Notes", Visible: true, Value: notes("itemNoteTypeId")},
		{Header: "Suppress from discovery", Visible: true, Value: boolean("discoverySuppress")},
	},
	domain.EntityHolding: {
		{Header: "Holdings UUID", Value: path("id")},
		{Header: "Holdings HRID", Visible: true, Value: path("hrid")},
		{Header: "Member", Visible: true, Value: tenant},
		{Header: "Instance (Title, Publisher, Publication date)", Visible: true, Value: path("instanceTitle")},
		{Header: "Permanent location", Visible: true, Value: path("permanentLocationId")},
		{Header: "Call number", Visible: true, Value: path("callNumber")},
		{Header: "Administrative note", Visible: true, Value: list("administrativeNotes")},
		{Header: "Notes", Visible: true, Value: notes("holdingsNoteTypeId")},
		{Header: "Suppress from discovery", Visible: true, Value: boolean("discoverySuppress")},
	},
	domain.EntityInstance: {
		{Header: "Instance UUID", Value: path("id")},
		{Header: "Instance HRID", Visible: true, Value: path("hrid")},
		{Header: "Source", Visible: true, Value: path("source")},
		{Header: "Resource title", Visible: true, Value: path("title")},
		{Header: "Staff suppress", Visible: true, Value: boolean("staffSuppress")},
		{Header: "Suppress from discovery", Visible: true, Value: boolean("discoverySuppress")},
		{Header: "Set for deletion", Visible: true, Value: boolean("deleted")},
		{Header: "Statistical code", Value: list("statisticalCodeIds")},
		{Header: "Administrative note", Visible: true, Value: list("administrativeNotes")},
		{Header: "Notes", Visible: true, Value: notes("instanceNoteTypeId")},
	},
	domain.EntityUser: {
		{Header: "User id", Value: path("id")},
		{Header: "User name", Visible: true, Value: path("username")},
		{Header: "External system id", Value: path("externalSystemId")},
		{Header: "Barcode", Visible: true, Value: path("barcode")},
		{Header: "Active", Visible: true, Value: boolean("active")},
		{Header: "Patron group", Visible: true, Value: path("patronGroup")},
		{Header: "Last name", Visible: true, Value: path("personal.lastName")},
		{Header: "First name", Visible: true, Value: path("personal.firstName")},
		{Header: "Email", Visible: true, Value: path("personal.email")},
		{Header: "Expiration date", Visible: true, Value: path("expirationDate")},
	},
}

// Schema returns the CSV columns of the entity type
func Schema(kind domain.EntityType) (Columns, error) {
	c, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("no CSV schema for entity type %s", kind)
	}
	return c, nil
}
