package marc

import (
	"sort"
	"unicode"
)

func subfieldGroup(code byte) int {
	switch r := rune(code); {
	case unicode.IsLetter(r):
		return 0
	case unicode.IsDigit(r):
		return 1
	}
	return 2
}

// SortSubfields orders letter codes before digit codes, ties broken by rendered text
func (f *DataField) SortSubfields() {
	sort.SliceStable(f.Subfields, func(i, j int) bool {
		a, b := f.Subfields[i], f.Subfields[j]
		if ga, gb := subfieldGroup(a.Code), subfieldGroup(b.Code); ga != gb {
			return ga < gb
		}
		return a.String() < b.String()
	})
}

// SortDataFields orders data fields by their rendered form
func (r *Record) SortDataFields() {
	sort.SliceStable(r.DataFields, func(i, j int) bool {
		return r.DataFields[i].String() < r.DataFields[j].String()
	})
}
