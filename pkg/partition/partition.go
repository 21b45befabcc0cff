// Package partition splits an identifier file of T lines into contiguous, disjoint
// windows that are processed independently by the partition workers.
package partition

import (
	"fmt"
	"path"
)

// File extensions of the per-partition temporary outputs
const (
	ExtCSV  = "csv"
	ExtJSON = "json"
	ExtMarc = "mrc"
)

// Descriptor is one partition of the input: lines [Offset, Offset+Count)
type Descriptor struct {
	Index    int
	Offset   int64
	Count    int64
	CSVPath  string
	JSONPath string
	// MarcPath is empty unless the run produces MARC output
	MarcPath string
}

// End returns the exclusive upper bound of the partition window
func (d Descriptor) End() int64 {
	return d.Offset + d.Count
}

// Paths returns every temporary output path of the partition
func (d Descriptor) Paths() []string {
	paths := []string{d.CSVPath, d.JSONPath}
	if d.MarcPath != "" {
		paths = append(paths, d.MarcPath)
	}
	return paths
}

// Partitioner computes partition descriptors for a fixed partition size
type Partitioner struct {
	size int64
}

// New creates a partitioner producing windows of at most size lines
func New(size int64) (*Partitioner, error) {
	if size <= 0 {
		return nil, fmt.Errorf("partition size must be greater than 0, got %d", size)
	}
	return &Partitioner{size: size}, nil
}

// Size returns the configured partition size
func (p *Partitioner) Size() int64 {
	return p.size
}

// Split returns ceil(total/size) descriptors, at least one. Windows are increasing and
// non-overlapping, sum to total, and the last one absorbs the remainder.
// Temp files are named <base>_<index>.<ext> and live next to base.
func (p *Partitioner) Split(total int64, base string, withMarc bool) []Descriptor {
	if total < 0 {
		total = 0
	}
	count := int((total + p.size - 1) / p.size)
	if count < 1 {
		count = 1
	}

	descriptors := make([]Descriptor, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * p.size
		n := p.size
		if i == count-1 {
			n = total - offset
		}
		d := Descriptor{
			Index:    i,
			Offset:   offset,
			Count:    n,
			CSVPath:  TempPath(base, i, ExtCSV),
			JSONPath: TempPath(base, i, ExtJSON),
		}
		if withMarc {
			d.MarcPath = TempPath(base, i, ExtMarc)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors
}

// TempPath builds the name of a partition temp file
func TempPath(base string, index int, ext string) string {
	dir, file := path.Split(base)
	return dir + fmt.Sprintf("%s_%d.%s", file, index, ext)
}
