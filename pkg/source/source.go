// Package source reads windows of lines from objects in storage: raw identifier
// uploads and the JSON-lines record files produced by earlier phases.
package source

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// maxLineSize bounds a single line; MARC-heavy JSON records can be large
const maxLineSize = 16 << 20

// LineFunc handles one non-blank line. index is the zero-based position among non-blank lines.
type LineFunc func(index int64, line string) error

// Source iterates the non-blank lines of one object
type Source struct {
	store     storage.Store
	path      string
	normalize func(string) string
}

// NewIdentifierSource reads an uploaded identifier file
func NewIdentifierSource(store storage.Store, path string) *Source {
	return &Source{store: store, path: path, normalize: NormalizeIdentifier}
}

// NewRecordSource reads a JSON-lines record file
func NewRecordSource(store storage.Store, path string) *Source {
	return &Source{store: store, path: path, normalize: strings.TrimSpace}
}

// Path returns the object path the source reads
func (s *Source) Path() string {
	return s.path
}

// Count returns the number of non-blank lines
func (s *Source) Count(ctx context.Context) (int64, error) {
	var total int64
	err := s.scan(ctx, func(int64, string) (bool, error) {
		total++
		return true, nil
	})
	return total, err
}

// Each calls fn for the lines [offset, offset+count), in order. It stops at the first
// error returned by fn and checks ctx between lines.
func (s *Source) Each(ctx context.Context, offset, count int64, fn LineFunc) error {
	if count <= 0 {
		return nil
	}
	end := offset + count
	return s.scan(ctx, func(index int64, line string) (bool, error) {
		if index < offset {
			return true, nil
		}
		if index >= end {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := fn(index, line); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Source) scan(ctx context.Context, visit func(int64, string) (bool, error)) error {
	rc, err := s.store.Get(ctx, s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var index int64
	for scanner.Scan() {
		line := s.normalize(scanner.Text())
		if line == "" {
			continue
		}
		more, err := visit(index, line)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	return nil
}

// NormalizeIdentifier trims whitespace and a UTF-8 BOM, applies NFC and strips one pair
// of surrounding double quotes.
func NormalizeIdentifier(raw string) string {
	v := strings.TrimPrefix(raw, "\ufeff")
	v = strings.TrimSpace(norm.NFC.String(v))
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	return v
}
