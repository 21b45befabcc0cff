package marc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	directoryEntryLength = 12
	maxRecordLength      = 99999
	maxFieldLength       = 9999
	maxFieldStart        = 99999
)

// Unmarshal decodes one binary record
func Unmarshal(data []byte) (*Record, error) {
	if len(data) < LeaderLength+1 {
		return nil, fmt.Errorf("marc: record too short (%d bytes)", len(data))
	}

	rec := &Record{}
	copy(rec.Leader[:], data[:LeaderLength])

	base, err := strconv.Atoi(string(data[12:17]))
	if err != nil || base <= LeaderLength || base > len(data) {
		return nil, fmt.Errorf("marc: invalid base address %q", data[12:17])
	}

	directory := data[LeaderLength : base-1]
	if len(directory)%directoryEntryLength != 0 {
		return nil, fmt.Errorf("marc: directory length %d is not a multiple of %d", len(directory), directoryEntryLength)
	}

	for i := 0; i < len(directory); i += directoryEntryLength {
		entry := directory[i : i+directoryEntryLength]
		tag := string(entry[:3])
		length, err := strconv.Atoi(string(entry[3:7]))
		if err != nil {
			return nil, fmt.Errorf("marc: field %s: invalid length %q", tag, entry[3:7])
		}
		start, err := strconv.Atoi(string(entry[7:12]))
		if err != nil {
			return nil, fmt.Errorf("marc: field %s: invalid start %q", tag, entry[7:12])
		}
		from, to := base+start, base+start+length
		if to > len(data) || length < 1 {
			return nil, fmt.Errorf("marc: field %s exceeds record bounds", tag)
		}
		body := bytes.TrimSuffix(data[from:to], []byte{FieldTerminator})

		if isControlTag(tag) {
			rec.ControlFields = append(rec.ControlFields, &ControlField{Tag: tag, Value: string(body)})
			continue
		}
		field, err := decodeDataField(tag, body)
		if err != nil {
			return nil, err
		}
		rec.DataFields = append(rec.DataFields, field)
	}
	return rec, nil
}

func decodeDataField(tag string, body []byte) (*DataField, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("marc: field %s has no indicators", tag)
	}
	field := &DataField{Tag: tag, Ind1: body[0], Ind2: body[1]}
	for _, part := range bytes.Split(body[2:], []byte{SubfieldDelimiter}) {
		if len(part) == 0 {
			continue
		}
		field.Subfields = append(field.Subfields, Subfield{Code: part[0], Value: string(part[1:])})
	}
	return field, nil
}

func isControlTag(tag string) bool {
	return len(tag) == 3 && tag[0] == '0' && tag[1] == '0'
}

// Marshal encodes the record, recomputing record length, base address and directory
func (r *Record) Marshal() ([]byte, error) {
	var (
		directory bytes.Buffer
		fields    bytes.Buffer
	)

	addEntry := func(tag string, body []byte) error {
		if len(tag) != 3 {
			return fmt.Errorf("marc: invalid tag %q", tag)
		}
		start := fields.Len()
		if len(body)+1 > maxFieldLength {
			return fmt.Errorf("marc: field %s length %d exceeds %d", tag, len(body)+1, maxFieldLength)
		}
		if start > maxFieldStart {
			return fmt.Errorf("marc: field %s starts at %d, beyond %d", tag, start, maxFieldStart)
		}
		fields.Write(body)
		fields.WriteByte(FieldTerminator)
		fmt.Fprintf(&directory, "%s%04d%05d", tag, len(body)+1, start)
		return nil
	}

	for _, cf := range r.ControlFields {
		if err := addEntry(cf.Tag, []byte(cf.Value)); err != nil {
			return nil, err
		}
	}
	for _, df := range r.DataFields {
		if err := addEntry(df.Tag, encodeDataField(df)); err != nil {
			return nil, err
		}
	}

	base := LeaderLength + directory.Len() + 1
	total := base + fields.Len() + 1
	if total > maxRecordLength {
		return nil, fmt.Errorf("marc: record length %d exceeds %d", total, maxRecordLength)
	}

	leader := r.Leader
	copy(leader[0:5], fmt.Sprintf("%05d", total))
	leader[10], leader[11] = '2', '2'
	copy(leader[12:17], fmt.Sprintf("%05d", base))
	copy(leader[20:24], "4500")

	out := make([]byte, 0, total)
	out = append(out, leader[:]...)
	out = append(out, directory.Bytes()...)
	out = append(out, FieldTerminator)
	out = append(out, fields.Bytes()...)
	out = append(out, RecordTerminator)
	return out, nil
}

func encodeDataField(df *DataField) []byte {
	var b bytes.Buffer
	b.WriteByte(indicator(df.Ind1))
	b.WriteByte(indicator(df.Ind2))
	for _, s := range df.Subfields {
		b.WriteByte(SubfieldDelimiter)
		b.WriteByte(s.Code)
		b.WriteString(s.Value)
	}
	return b.Bytes()
}

func indicator(b byte) byte {
	if b == 0 {
		return Blank
	}
	return b
}

// Reader reads consecutive records from a binary stream
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record or io.EOF
func (rd *Reader) Next() (*Record, error) {
	for {
		chunk, err := rd.r.ReadBytes(RecordTerminator)
		trimmed := bytes.TrimLeft(chunk, "\r\n \t")
		if len(trimmed) > 0 {
			if err != nil && err != io.EOF {
				return nil, err
			}
			if err == io.EOF && trimmed[len(trimmed)-1] != RecordTerminator {
				return nil, fmt.Errorf("marc: truncated record (%d bytes)", len(trimmed))
			}
			return Unmarshal(trimmed)
		}
		if err != nil {
			return nil, err
		}
	}
}
