package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// EntityType is the kind of record a run edits.
type EntityType string

const (
	EntityItem     EntityType = "ITEM"
	EntityHolding  EntityType = "HOLDINGS_RECORD"
	EntityInstance EntityType = "INSTANCE"
	EntityUser     EntityType = "USER"
)

func (e EntityType) String() string { return string(e) }

// IsValid reports whether e is a known entity type.
func (e EntityType) IsValid() bool {
	_, ok := identifierCatalog[e]
	return ok
}

// Label is the lower-case noun used in user facing messages.
func (e EntityType) Label() string {
	switch e {
	case EntityItem:
		return "item"
	case EntityHolding:
		return "holdings"
	case EntityInstance:
		return "instance"
	case EntityUser:
		return "user"
	}
	return strings.ToLower(string(e))
}

// SupportsConsortium reports whether records of this type may live in member tenants
// and are therefore resolved through the cross-tenant index from the central tenant.
func (e EntityType) SupportsConsortium() bool {
	return e == EntityItem || e == EntityHolding
}

// HasMarc reports whether runs of this type produce binary MARC output.
func (e EntityType) HasMarc() bool {
	return e == EntityInstance
}

// ReadPermission is the permission required to view records of this type.
func (e EntityType) ReadPermission() string {
	switch e {
	case EntityItem:
		return "inventory-storage.items.item.get"
	case EntityHolding:
		return "inventory-storage.holdings.item.get"
	case EntityInstance:
		return "inventory-storage.instances.item.get"
	case EntityUser:
		return "users.item.get"
	}
	return ""
}

// WritePermission is the permission required to update records of this type.
func (e EntityType) WritePermission() string {
	switch e {
	case EntityItem:
		return "inventory-storage.items.item.put"
	case EntityHolding:
		return "inventory-storage.holdings.item.put"
	case EntityInstance:
		return "inventory-storage.instances.item.put"
	case EntityUser:
		return "users.item.put"
	}
	return ""
}

// IdentifierType is the declared kind of the raw identifier values.
type IdentifierType string

const (
	IdentifierID               IdentifierType = "ID"
	IdentifierBarcode          IdentifierType = "BARCODE"
	IdentifierHRID             IdentifierType = "HRID"
	IdentifierFormerIDs        IdentifierType = "FORMER_IDS"
	IdentifierAccessionNumber  IdentifierType = "ACCESSION_NUMBER"
	IdentifierHoldingsRecordID IdentifierType = "HOLDINGS_RECORD_ID"
	IdentifierInstanceHRID     IdentifierType = "INSTANCE_HRID"
	IdentifierItemBarcode      IdentifierType = "ITEM_BARCODE"
	IdentifierISBN             IdentifierType = "ISBN"
	IdentifierISSN             IdentifierType = "ISSN"
	IdentifierUserName         IdentifierType = "USER_NAME"
	IdentifierExternalSystemID IdentifierType = "EXTERNAL_SYSTEM_ID"
)

// IdentifierSpec describes how an identifier type resolves for one entity type.
type IdentifierSpec struct {
	// Field is the query field the identifier value is matched against
	Field string

	// OneToMany is true when one identifier may legitimately match many records
	OneToMany bool

	// Exact wraps the value in quotes in the query (values that may contain spaces)
	Exact bool
}

// MaxMatches returns the number of records an identifier may resolve to; 0 means unbounded.
func (s IdentifierSpec) MaxMatches() int {
	if s.OneToMany {
		return 0
	}
	return 1
}

var identifierCatalog = map[EntityType]map[IdentifierType]IdentifierSpec{
	EntityItem: {
		IdentifierID:               {Field: "id"},
		IdentifierBarcode:          {Field: "barcode", Exact: true},
		IdentifierHRID:             {Field: "hrid"},
		IdentifierFormerIDs:        {Field: "formerIds", Exact: true},
		IdentifierAccessionNumber:  {Field: "accessionNumber", Exact: true},
		IdentifierHoldingsRecordID: {Field: "holdingsRecordId", OneToMany: true},
	},
	EntityHolding: {
		IdentifierID:           {Field: "id"},
		IdentifierHRID:         {Field: "hrid"},
		IdentifierInstanceHRID: {Field: "instanceHrid", OneToMany: true},
		IdentifierItemBarcode:  {Field: "itemBarcode", Exact: true},
	},
	EntityInstance: {
		IdentifierID:   {Field: "id"},
		IdentifierHRID: {Field: "hrid"},
		IdentifierISBN: {Field: "isbn", OneToMany: true},
		IdentifierISSN: {Field: "issn", OneToMany: true},
	},
	EntityUser: {
		IdentifierID:               {Field: "id"},
		IdentifierBarcode:          {Field: "barcode", Exact: true},
		IdentifierUserName:         {Field: "username", Exact: true},
		IdentifierExternalSystemID: {Field: "externalSystemId", Exact: true},
	},
}

// Supports reports whether the identifier type is valid for this entity type.
func (e EntityType) Supports(t IdentifierType) bool {
	_, ok := identifierCatalog[e][t]
	return ok
}

// IdentifierSpec returns the resolution spec of t for this entity type.
func (e EntityType) IdentifierSpec(t IdentifierType) (IdentifierSpec, bool) {
	spec, ok := identifierCatalog[e][t]
	return spec, ok
}

// Identifier is one raw key read from the uploaded file.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// Key is the dedup key; equality is by (type, raw value) within a run.
func (i Identifier) Key() string {
	return string(i.Type) + "=" + i.Value
}

func (i Identifier) String() string { return i.Value }

// Query builds the CQL query for the identifier against the given field spec.
func (i Identifier) Query(spec IdentifierSpec) string {
	value := strings.ReplaceAll(i.Value, `"`, `\"`)
	if spec.Exact {
		return fmt.Sprintf(`%s=="%s"`, spec.Field, value)
	}
	return fmt.Sprintf("%s==%s", spec.Field, value)
}

// ResolvedRecord is an entity document plus the tenant it was fetched from.
// Marc carries the binary MARC source of an instance between phases.
type ResolvedRecord struct {
	Tenant string          `json:"tenantId"`
	Entity json.RawMessage `json:"entity"`
	Marc   []byte          `json:"marc,omitempty"`
}

// ID returns the durable entity id.
func (r ResolvedRecord) ID() string {
	return gjson.GetBytes(r.Entity, "id").String()
}

// HRID returns the human readable id, falling back to the entity id.
func (r ResolvedRecord) HRID() string {
	if hrid := gjson.GetBytes(r.Entity, "hrid").String(); hrid != "" {
		return hrid
	}
	return r.ID()
}

// Get reads a gjson path from the entity.
func (r ResolvedRecord) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Entity, path)
}

// MarshalLine encodes the record as one JSON-lines entry.
func (r ResolvedRecord) MarshalLine() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecordLine decodes one JSON-lines entry.
func ParseRecordLine(line []byte) (ResolvedRecord, error) {
	var rec ResolvedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return ResolvedRecord{}, fmt.Errorf("decode record line: %w", err)
	}
	if len(rec.Entity) == 0 {
		return ResolvedRecord{}, fmt.Errorf("decode record line: entity is empty")
	}
	return rec, nil
}

// ErrorRecord is one recorded per-identifier failure. Append only.
type ErrorRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Identifier string    `json:"identifier"`
	Message    string    `json:"message"`
	Severity   string    `json:"severity"`
	Code       string    `json:"code"`
	CreatedAt  time.Time `json:"created_at"`
}
