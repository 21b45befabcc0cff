package output

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// DefaultFlushThreshold is the buffered size that triggers an append to storage
const DefaultFlushThreshold = 1 << 20

// Writer buffers one partition's outputs and appends them to its temp files.
// A Writer is owned by a single partition worker and is not safe for concurrent use.
type Writer struct {
	store     storage.Store
	desc      partition.Descriptor
	columns   Columns
	threshold int
	logger    *zap.Logger

	csv  bytes.Buffer
	json bytes.Buffer
	marc bytes.Buffer

	records int64
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithFlushThreshold overrides DefaultFlushThreshold
func WithFlushThreshold(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// NewWriter creates a writer for the partition. Leftover temp files of an earlier attempt
// are removed and the CSV header is buffered.
func NewWriter(ctx context.Context, store storage.Store, desc partition.Descriptor, columns Columns, logger *zap.Logger, opts ...WriterOption) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:     store,
		desc:      desc,
		columns:   columns,
		threshold: DefaultFlushThreshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := store.Remove(ctx, desc.Paths()...); err != nil {
		return nil, fmt.Errorf("partition %d: clear temp files: %w", desc.Index, err)
	}
	w.csv.WriteString(EncodeRow(columns.Headers()))
	return w, nil
}

// WriteRecord adds a CSV row and a JSON line for the record
func (w *Writer) WriteRecord(ctx context.Context, rec domain.ResolvedRecord) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID(), err)
	}
	w.csv.WriteString(EncodeRow(w.columns.Row(rec)))
	w.json.Write(line)
	w.json.WriteByte('\n')
	w.records++
	return w.maybeFlush(ctx)
}

// WriteRow adds a CSV row without a JSON line
func (w *Writer) WriteRow(ctx context.Context, rec domain.ResolvedRecord) error {
	w.csv.WriteString(EncodeRow(w.columns.Row(rec)))
	w.records++
	return w.maybeFlush(ctx)
}

// WriteJSON adds a JSON line without a CSV row
func (w *Writer) WriteJSON(ctx context.Context, rec domain.ResolvedRecord) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID(), err)
	}
	w.json.Write(line)
	w.json.WriteByte('\n')
	return w.maybeFlush(ctx)
}

// WriteMarc adds an encoded MARC record
func (w *Writer) WriteMarc(ctx context.Context, data []byte) error {
	if w.desc.MarcPath == "" {
		return fmt.Errorf("partition %d has no MARC output", w.desc.Index)
	}
	w.marc.Write(data)
	return w.maybeFlush(ctx)
}

// Records returns the number of records written so far
func (w *Writer) Records() int64 {
	return w.records
}

func (w *Writer) maybeFlush(ctx context.Context) error {
	if w.csv.Len()+w.json.Len()+w.marc.Len() < w.threshold {
		return nil
	}
	return w.Flush(ctx)
}

// Flush appends every buffered output to storage
func (w *Writer) Flush(ctx context.Context) error {
	targets := []struct {
		path string
		buf  *bytes.Buffer
	}{
		{w.desc.CSVPath, &w.csv},
		{w.desc.JSONPath, &w.json},
		{w.desc.MarcPath, &w.marc},
	}
	for _, t := range targets {
		if t.buf.Len() == 0 || t.path == "" {
			continue
		}
		if err := w.store.Append(ctx, t.path, t.buf.Bytes()); err != nil {
			return fmt.Errorf("partition %d: append %s: %w", w.desc.Index, t.path, err)
		}
		w.logger.Debug("Flushed partition output",
			zap.Int("partition", w.desc.Index),
			zap.String("path", t.path),
			zap.Int("bytes", t.buf.Len()))
		t.buf.Reset()
	}
	return nil
}

// Close flushes the remaining buffers
func (w *Writer) Close(ctx context.Context) error {
	return w.Flush(ctx)
}
