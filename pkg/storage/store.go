// Package storage provides the object storage used for identifier uploads,
// partition temp files and final run artifacts.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Store is the object storage contract used by the pipeline
type Store interface {
	// Get opens the object for reading. Missing objects return errors.ErrNotFound.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put writes the object, replacing any existing content. size may be -1 when unknown.
	Put(ctx context.Context, path string, r io.Reader, size int64) error

	// Append adds data to the end of the object, creating it if absent.
	Append(ctx context.Context, path string, data []byte) error

	// Remove deletes the objects. Missing objects are ignored.
	Remove(ctx context.Context, paths ...string) error
}

// PutBytes writes a byte slice to the store
func PutBytes(ctx context.Context, s Store, path string, data []byte) error {
	return s.Put(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// ReadAll reads a whole object
func ReadAll(ctx context.Context, s Store, path string) ([]byte, error) {
	rc, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Join builds an object path from segments
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

func notFound(path string) error {
	return fmt.Errorf("object %s: %w", path, errors.ErrNotFound)
}
