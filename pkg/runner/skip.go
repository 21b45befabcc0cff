package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/repository"
)

// DefaultSkipLimit is the number of skips tolerated per phase
const DefaultSkipLimit = 1_000_000

// SkipHandler decides the fate of a failed line. A skippable failure is stored as one
// error record and processing continues; anything else, or one skip too many, is fatal.
// It is shared by every partition of a phase.
type SkipHandler struct {
	runID   string
	phase   string
	limit   int64
	store   repository.ErrorStore
	metrics *metrics.Pipeline
	logger  *zap.Logger
	now     func() time.Time

	skips    int64
	errors   int64
	warnings int64
}

// NewSkipHandler creates a handler; a limit of 0 or less means unlimited
func NewSkipHandler(runID, phase string, limit int64, store repository.ErrorStore, m *metrics.Pipeline, logger *zap.Logger) *SkipHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SkipHandler{
		runID:   runID,
		phase:   phase,
		limit:   limit,
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle classifies err raised while processing identifier. It returns nil when the
// line was skipped and a *errors.FatalError when the partition must stop.
func (h *SkipHandler) Handle(ctx context.Context, identifier string, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsFatal(err) {
		return err
	}
	skipErr, ok := errors.AsSkippable(err)
	if !ok {
		return errors.NewFatal(errors.CodeInternal, fmt.Sprintf("processing %s", identifier), err)
	}
	return h.Record(ctx, skipErr)
}

// Record stores one skippable failure and counts it against the limit
func (h *SkipHandler) Record(ctx context.Context, skipErr *errors.SkippableError) error {
	rec := domain.ErrorRecord{
		ID:         uuid.NewString(),
		RunID:      h.runID,
		Identifier: skipErr.Identifier,
		Message:    message(skipErr),
		Severity:   string(skipErr.Severity),
		Code:       skipErr.Code,
		CreatedAt:  h.now().UTC(),
	}
	if err := h.store.SaveError(ctx, rec); err != nil {
		return errors.NewFatal(errors.CodeStorage, "save error record", errors.Join(errors.ErrStorage, err))
	}

	if skipErr.Severity == errors.SeverityWarning {
		atomic.AddInt64(&h.warnings, 1)
	} else {
		atomic.AddInt64(&h.errors, 1)
	}
	h.metrics.Skipped(h.phase, skipErr.Code)
	h.logger.Warn("Skipped identifier",
		zap.String("run_id", h.runID),
		zap.String("phase", h.phase),
		zap.String("identifier", skipErr.Identifier),
		zap.String("code", skipErr.Code),
		zap.String("message", rec.Message))

	skips := atomic.AddInt64(&h.skips, 1)
	if h.limit > 0 && skips > h.limit {
		return errors.NewFatal(errors.CodeSkipLimit,
			fmt.Sprintf("%d identifiers skipped, limit is %d", skips, h.limit), errors.ErrSkipLimitExceeded)
	}
	return nil
}

// Skips returns the number of recorded skips
func (h *SkipHandler) Skips() int64 {
	return atomic.LoadInt64(&h.skips)
}

// Errors returns the number of recorded skips with error severity
func (h *SkipHandler) Errors() int64 {
	return atomic.LoadInt64(&h.errors)
}

// Warnings returns the number of recorded skips with warning severity
func (h *SkipHandler) Warnings() int64 {
	return atomic.LoadInt64(&h.warnings)
}

func message(e *errors.SkippableError) string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}
