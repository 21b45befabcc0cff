// Package marc implements an ISO 2709 (MARC 21) record model and binary codec.
package marc

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	LeaderLength      = 24
	SubfieldDelimiter = 0x1F
	FieldTerminator   = 0x1E
	RecordTerminator  = 0x1D

	// Blank is the blank indicator value
	Blank = ' '

	TagControlNumber = "001"
	TagTimestamp     = "005"
	TagLocal         = "999"

	// TimestampLayout is the MARC 005 encoding: yyyyMMddHHmmss.f
	TimestampLayout = "20060102150405.0"
)

// Record status values stored at leader position 5
const (
	StatusCorrected = 'c'
	StatusDeleted   = 'd'
	StatusNew       = 'n'
)

// Leader is the fixed-length header of a record
type Leader [LeaderLength]byte

// Status returns the record status byte
func (l Leader) Status() byte { return l[5] }

// SetStatus sets the record status byte
func (l *Leader) SetStatus(s byte) { l[5] = s }

// DefaultLeader returns a leader for a new bibliographic record
func DefaultLeader() Leader {
	var l Leader
	copy(l[:], "00000nam a2200000 a 4500")
	return l
}

// ControlField is a 00X field without indicators or subfields
type ControlField struct {
	Tag   string
	Value string
}

// Subfield is one coded element of a data field
type Subfield struct {
	Code  byte
	Value string
}

// String renders the subfield as "$<code> <value>"
func (s Subfield) String() string {
	return "$" + string(s.Code) + " " + s.Value
}

// DataField is a variable field with two indicators and subfields
type DataField struct {
	Tag       string
	Ind1      byte
	Ind2      byte
	Subfields []Subfield
}

// String renders the field as "<tag> <ind1><ind2> $a ... $b ..."
func (f *DataField) String() string {
	var b strings.Builder
	b.WriteString(f.Tag)
	b.WriteByte(' ')
	b.WriteByte(f.Ind1)
	b.WriteByte(f.Ind2)
	for _, s := range f.Subfields {
		b.WriteByte(' ')
		b.WriteString(s.String())
	}
	return b.String()
}

// Matches reports whether the field has the tag and indicators
func (f *DataField) Matches(tag string, ind1, ind2 byte) bool {
	return f.Tag == tag && f.Ind1 == ind1 && f.Ind2 == ind2
}

// HasSubfield reports whether any subfield has the code
func (f *DataField) HasSubfield(code byte) bool {
	for _, s := range f.Subfields {
		if s.Code == code {
			return true
		}
	}
	return false
}

// SubfieldValue returns the first value of the code
func (f *DataField) SubfieldValue(code byte) (string, bool) {
	for _, s := range f.Subfields {
		if s.Code == code {
			return s.Value, true
		}
	}
	return "", false
}

// Record is a decoded MARC record
type Record struct {
	Leader        Leader
	ControlFields []*ControlField
	DataFields    []*DataField
}

// NewRecord returns an empty record with a default leader
func NewRecord() *Record {
	return &Record{Leader: DefaultLeader()}
}

// ControlField returns the first control field with the tag
func (r *Record) ControlField(tag string) (*ControlField, bool) {
	for _, cf := range r.ControlFields {
		if cf.Tag == tag {
			return cf, true
		}
	}
	return nil, false
}

// SetControlField replaces the value of the tag or inserts it in tag order
func (r *Record) SetControlField(tag, value string) {
	if cf, ok := r.ControlField(tag); ok {
		cf.Value = value
		return
	}
	i := 0
	for i < len(r.ControlFields) && r.ControlFields[i].Tag <= tag {
		i++
	}
	r.ControlFields = append(r.ControlFields, nil)
	copy(r.ControlFields[i+1:], r.ControlFields[i:])
	r.ControlFields[i] = &ControlField{Tag: tag, Value: value}
}

// Fields returns the data fields with the tag
func (r *Record) Fields(tag string) []*DataField {
	var out []*DataField
	for _, f := range r.DataFields {
		if f.Tag == tag {
			out = append(out, f)
		}
	}
	return out
}

// RemoveFields drops every data field for which drop returns true and reports how many were removed
func (r *Record) RemoveFields(drop func(*DataField) bool) int {
	kept := r.DataFields[:0]
	removed := 0
	for _, f := range r.DataFields {
		if drop(f) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(r.DataFields); i++ {
		r.DataFields[i] = nil
	}
	r.DataFields = kept
	return removed
}

// HRID returns the 001 control number
func (r *Record) HRID() string {
	if cf, ok := r.ControlField(TagControlNumber); ok {
		return strings.TrimSpace(cf.Value)
	}
	return ""
}

// InstanceID returns the 999 ff $i instance UUID, if present and well formed
func (r *Record) InstanceID() string {
	for _, f := range r.DataFields {
		if !f.Matches(TagLocal, 'f', 'f') {
			continue
		}
		if v, ok := f.SubfieldValue('i'); ok {
			if id, err := uuid.Parse(strings.TrimSpace(v)); err == nil {
				return id.String()
			}
		}
	}
	return ""
}

// Identifier is the HRID, falling back to the instance UUID
func (r *Record) Identifier() string {
	if hrid := r.HRID(); hrid != "" {
		return hrid
	}
	return r.InstanceID()
}

// Timestamp parses the 005 field
func (r *Record) Timestamp() (time.Time, bool) {
	cf, ok := r.ControlField(TagTimestamp)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(cf.Value))
	return t, err == nil
}

// Stamp writes now into the 005 field
func (r *Record) Stamp(now time.Time) {
	r.SetControlField(TagTimestamp, now.UTC().Format(TimestampLayout))
}
