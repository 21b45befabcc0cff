// Package runner drives a bulk edit run through its phases. Each phase splits its input
// into partitions, processes them on a bounded worker pool and assembles the outputs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/output"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/source"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Summary aggregates the partitions of one phase
type Summary struct {
	Processed int64
	// Matched counts lines that produced at least one record
	Matched   int64
	Records   int64
}

// PartitionRunner processes the partitions of one phase. Lines inside a partition are
// handled in order by one worker; partitions run concurrently up to the limiter capacity.
type PartitionRunner struct {
	phase          string
	entityType     string
	store          storage.Store
	source         *source.Source
	processor      LineProcessor
	skips          *SkipHandler
	columns        output.Columns
	limiter        *concurrency.Limiter
	metrics        *metrics.Pipeline
	flushThreshold int
	logger         *zap.Logger
	tracer         trace.Tracer

	processed int64
	matched   int64
	records   int64
}

// PartitionRunnerConfig groups the collaborators of a PartitionRunner
type PartitionRunnerConfig struct {
	Phase          string
	EntityType     string
	Store          storage.Store
	Source         *source.Source
	Processor      LineProcessor
	Skips          *SkipHandler
	Columns        output.Columns
	Limiter        *concurrency.Limiter
	Metrics        *metrics.Pipeline
	FlushThreshold int
}

// NewPartitionRunner validates cfg and creates a runner
func NewPartitionRunner(cfg PartitionRunnerConfig, logger *zap.Logger) (*PartitionRunner, error) {
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if cfg.Skips == nil {
		return nil, errors.New("skip handler cannot be nil")
	}
	if len(cfg.Columns) == 0 {
		return nil, errors.New("columns cannot be empty")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = concurrency.NewLimiter(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartitionRunner{
		phase:          cfg.Phase,
		entityType:     cfg.EntityType,
		store:          cfg.Store,
		source:         cfg.Source,
		processor:      cfg.Processor,
		skips:          cfg.Skips,
		columns:        cfg.Columns,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		flushThreshold: cfg.FlushThreshold,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
	}, nil
}

// Run processes every partition and blocks until all of them finished. The first fatal
// partition error stops the scheduling of the remaining partitions and is returned.
func (r *PartitionRunner) Run(ctx context.Context, parts []partition.Descriptor) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for _, d := range parts {
		wg.Add(1)
		go func(d partition.Descriptor) {
			defer wg.Done()
			err := r.limiter.Do(ctx, func() error {
				return r.processPartition(ctx, d)
			})
			if err == nil {
				return
			}
			if ctx.Err() != nil && !sdkerrors.IsFatal(err) {
				// stopped because another partition failed or the run was cancelled
				return
			}
			fail(err)
		}(d)
	}
	wg.Wait()

	summary := Summary{
		Processed: atomic.LoadInt64(&r.processed),
		Matched:   atomic.LoadInt64(&r.matched),
		Records:   atomic.LoadInt64(&r.records),
	}
	lm := r.limiter.GetMetrics()
	r.logger.Info("Partitions finished",
		zap.String("phase", r.phase),
		zap.Int("partitions", len(parts)),
		zap.Int("workers", r.limiter.Capacity()),
		zap.Int64("peak_concurrent", lm.PeakConcurrent),
		zap.Int64("failed", lm.TotalFailed),
		zap.Duration("avg_wait", r.limiter.GetAverageWaitTime()),
		zap.Int64("processed", summary.Processed),
		zap.Int64("matched", summary.Matched),
		zap.Int64("records", summary.Records))
	if firstErr != nil {
		return summary, firstErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// processPartition handles the lines of one partition
func (r *PartitionRunner) processPartition(ctx context.Context, d partition.Descriptor) error {
	ctx, span := r.tracer.Start(ctx, "runner.processPartition",
		trace.WithAttributes(
			attribute.String("phase", r.phase),
			attribute.Int("partition.index", d.Index),
			attribute.Int64("partition.offset", d.Offset),
			attribute.Int64("partition.count", d.Count),
		))
	defer span.End()

	start := time.Now()
	// in-flight remote calls and writes are not interrupted by cancellation
	callCtx := context.WithoutCancel(ctx)

	var opts []output.WriterOption
	if r.flushThreshold > 0 {
		opts = append(opts, output.WithFlushThreshold(r.flushThreshold))
	}
	w, err := output.NewWriter(callCtx, r.store, d, r.columns, r.logger, opts...)
	if err != nil {
		return r.partitionFailed(span, d, sdkerrors.NewFatal(sdkerrors.CodeStorage, "open partition output", errors.Join(sdkerrors.ErrStorage, err)))
	}

	var processed, matched int64
	err = r.source.Each(ctx, d.Offset, d.Count, func(index int64, line string) error {
		res, err := r.processor.ProcessLine(callCtx, line, w)
		processed++
		atomic.AddInt64(&r.processed, 1)
		r.metrics.IdentifierProcessed(r.phase, r.entityType)

		for _, warning := range res.Warnings {
			if ferr := r.skips.Record(callCtx, warning); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			identifier := res.Identifier
			if identifier == "" {
				identifier = line
			}
			return r.skips.Handle(callCtx, identifier, err)
		}
		if res.Records > 0 {
			matched++
			atomic.AddInt64(&r.matched, 1)
			atomic.AddInt64(&r.records, int64(res.Records))
			r.metrics.RecordsMatched(r.phase, r.entityType, res.Records)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !sdkerrors.IsFatal(err) {
			return err
		}
		if !sdkerrors.IsFatal(err) {
			err = sdkerrors.NewFatal(sdkerrors.CodeStorage, fmt.Sprintf("read partition %d", d.Index), errors.Join(sdkerrors.ErrStorage, err))
		}
		return r.partitionFailed(span, d, err)
	}

	if err := w.Close(callCtx); err != nil {
		return r.partitionFailed(span, d, sdkerrors.NewFatal(sdkerrors.CodeStorage, "flush partition output", errors.Join(sdkerrors.ErrStorage, err)))
	}

	span.SetAttributes(
		attribute.Int64("partition.processed", processed),
		attribute.Int64("partition.matched", matched))
	span.SetStatus(codes.Ok, "partition processed")
	r.logger.Info("Partition processed",
		zap.String("phase", r.phase),
		zap.Int("partition", d.Index),
		zap.Int64("processed", processed),
		zap.Int64("matched", matched),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (r *PartitionRunner) partitionFailed(span trace.Span, d partition.Descriptor, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.PartitionFailed(r.phase)
	r.logger.Error("Partition failed",
		zap.String("phase", r.phase),
		zap.Int("partition", d.Index),
		zap.Error(err))
	return err
}
