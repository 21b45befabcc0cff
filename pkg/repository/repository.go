// Package repository persists run metadata and per-identifier error records.
package repository

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

// RunStore persists runs. Get returns errors.ErrNotFound for unknown ids.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, run domain.Run) error
}

// ErrorCounts splits recorded errors by severity
type ErrorCounts struct {
	Errors   int64
	Warnings int64
}

// Total returns the number of recorded error records
func (c ErrorCounts) Total() int64 {
	return c.Errors + c.Warnings
}

// ErrorStore is the append-only store of error records. Implementations are safe for
// concurrent use by all partition workers of a run.
type ErrorStore interface {
	SaveError(ctx context.Context, rec domain.ErrorRecord) error
	ListErrors(ctx context.Context, runID string, offset, limit int) ([]domain.ErrorRecord, error)
	CountErrors(ctx context.Context, runID string) (ErrorCounts, error)
}
