package runner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/assembler"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dedup"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/output"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/repository"
	"github.com/wehubfusion/Daedalus/pkg/resolver"
	"github.com/wehubfusion/Daedalus/pkg/rules"
	"github.com/wehubfusion/Daedalus/pkg/rules/marcrules"
	"github.com/wehubfusion/Daedalus/pkg/source"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

// Phase names used in logs, spans and metrics
const (
	PhaseMatch  = "match"
	PhaseModify = "modify"
	PhaseApply  = "apply"
)

const errorPageSize = 1000

// Config tunes the pipeline of every phase
type Config struct {
	PartitionSize    int64
	PartitionWorkers int
	MergeWorkers     int
	MergeTimeout     time.Duration
	SkipLimit        int64
	FlushThreshold   int
	UserRetry        resolver.RetryConfig
	CentralTenant    string
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		PartitionSize:    1000,
		PartitionWorkers: 4,
		MergeWorkers:     assembler.DefaultWorkers,
		MergeTimeout:     assembler.DefaultTimeout,
		SkipLimit:        DefaultSkipLimit,
		FlushThreshold:   output.DefaultFlushThreshold,
		UserRetry:        resolver.DefaultRetryConfig(),
	}
}

// Dependencies are the collaborators of a Controller. Events, Reporter and Metrics are optional.
type Dependencies struct {
	Store    storage.Store
	Runs     repository.RunStore
	Errors   repository.ErrorStore
	Remote   remote.Collaborators
	Events   events.Publisher
	Reporter Reporter
	Metrics  *metrics.Pipeline
}

// CreateRequest starts a run over an uploaded identifier file
type CreateRequest struct {
	EntityType      domain.EntityType
	IdentifierType  domain.IdentifierType
	Tenant          string
	User            tenant.User
	IdentifiersFile string
}

// Controller owns the run lifecycle: it moves runs through their statuses, runs the
// phase pipelines and records fatal failures on the run.
type Controller struct {
	cfg         Config
	deps        Dependencies
	partitioner *partition.Partitioner
	assembler   *assembler.Assembler
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewController validates the configuration and dependencies
func NewController(cfg Config, deps Dependencies, logger *zap.Logger) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Runs == nil || deps.Errors == nil {
		return nil, fmt.Errorf("run and error stores are required")
	}
	if deps.Remote.Records == nil {
		return nil, fmt.Errorf("record client is required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PartitionWorkers <= 0 {
		cfg.PartitionWorkers = 1
	}

	p, err := partition.New(cfg.PartitionSize)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:         cfg,
		deps:        deps,
		partitioner: p,
		assembler:   assembler.New(deps.Store, assembler.Config{Workers: cfg.MergeWorkers, Timeout: cfg.MergeTimeout}, logger),
		logger:      logger,
		tracer:      otel.Tracer("daedalus/runner"),
		now:         time.Now,
	}, nil
}

// Wait blocks until background cleanup of partition files finished
func (c *Controller) Wait() {
	c.assembler.Wait()
}

// Get loads a run
func (c *Controller) Get(ctx context.Context, runID string) (domain.Run, error) {
	return c.deps.Runs.GetRun(ctx, runID)
}

// Create registers a new run in status NEW
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Run, error) {
	if !req.EntityType.Supports(req.IdentifierType) {
		return domain.Run{}, errors.NewFatal(errors.CodeConfiguration,
			fmt.Sprintf("identifier type %s is not supported for %s records", req.IdentifierType, req.EntityType.Label()),
			errors.ErrUnsupportedIdentifier)
	}
	if req.IdentifiersFile == "" {
		return domain.Run{}, fmt.Errorf("identifiers file is required")
	}
	run := domain.Run{
		ID:             uuid.NewString(),
		EntityType:     req.EntityType,
		IdentifierType: req.IdentifierType,
		Status:         domain.RunStatusNew,
		Artifacts:      domain.Artifacts{IdentifiersFile: req.IdentifiersFile},
		Tenant:         req.Tenant,
		UserID:         req.User.ID,
		Username:       req.User.Username,
		StartedAt:      c.now().UTC(),
	}
	if err := c.deps.Runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	c.publish(ctx, run)
	c.logger.Info("Run created",
		zap.String("run_id", run.ID),
		zap.String("entity_type", string(run.EntityType)),
		zap.String("identifier_type", string(run.IdentifierType)),
		zap.String("tenant_id", run.Tenant))
	return run, nil
}

// phase describes one partitioned pass over an input file
type phase struct {
	name      string
	input     *source.Source
	base      string
	withMarc  bool
	columns   output.Columns
	processor LineProcessor
	targets   assembler.Targets
}

type phaseResult struct {
	counts domain.Counts
	skips  int64
}

// Match resolves the identifiers of a NEW run and writes the matched records
func (c *Controller) Match(ctx context.Context, runID string) (domain.Run, error) {
	run, err := c.load(ctx, runID, domain.RunStatusNew)
	if err != nil {
		return domain.Run{}, err
	}
	ctx, span := c.startPhase(ctx, run, PhaseMatch)
	defer span.End()

	columns, err := output.Schema(run.EntityType)
	if err != nil {
		return c.fail(ctx, run, errors.NewFatal(errors.CodeConfiguration, "csv schema", errors.Join(errors.ErrConfiguration, err)))
	}
	tenants := c.tenants()
	res, err := resolver.New(run.EntityType, c.deps.Remote, tenants, dedup.New(run.ID), c.logger,
		resolver.WithRetry(c.cfg.UserRetry))
	if err != nil {
		return c.fail(ctx, run, errors.NewFatal(errors.CodeConfiguration, "entity resolver", errors.Join(errors.ErrConfiguration, err)))
	}

	var marcClient remote.MarcClient
	if run.EntityType.HasMarc() {
		marcClient = c.deps.Remote.Marc
	}
	targets := assembler.Targets{
		CSV:  runPath(run.ID, "matched.csv"),
		JSON: runPath(run.ID, "matched.json"),
	}
	if run.EntityType.HasMarc() {
		targets.Marc = runPath(run.ID, "matched.mrc")
	}

	result, err := c.runPhase(ctx, run, phase{
		name:      PhaseMatch,
		input:     source.NewIdentifierSource(c.deps.Store, run.Artifacts.IdentifiersFile),
		base:      runPath(run.ID, "tmp", "matched"),
		withMarc:  run.EntityType.HasMarc(),
		columns:   columns,
		processor: NewMatchProcessor(res, marcClient, run.Tenant, userOf(run), run.IdentifierType, c.logger),
		targets:   targets,
	})
	if err != nil {
		return c.fail(ctx, run, err)
	}

	run.Counts = result.counts
	run.Artifacts.MatchedCSV = targets.CSV
	run.Artifacts.MatchedJSON = targets.JSON
	run.Artifacts.MatchedMarc = targets.Marc
	return c.finishPhase(ctx, run, domain.RunStatusDataModification)
}

// Modify applies the rule collection to the matched records. The preview CSV covers
// every matched record; the modified JSON and MARC hold changed records only.
func (c *Controller) Modify(ctx context.Context, runID string, set rules.RuleSet) (domain.Run, error) {
	run, err := c.load(ctx, runID, domain.RunStatusDataModification)
	if err != nil {
		return domain.Run{}, err
	}
	ctx, span := c.startPhase(ctx, run, PhaseModify)
	defer span.End()

	columns, err := output.Schema(run.EntityType)
	if err != nil {
		return c.fail(ctx, run, errors.NewFatal(errors.CodeConfiguration, "csv schema", errors.Join(errors.ErrConfiguration, err)))
	}
	generic, err := rules.NewEngine(run.EntityType, set.Rules, c.logger)
	if err != nil {
		return c.fail(ctx, run, err)
	}
	var marcEngine *marcrules.Engine
	if run.EntityType.HasMarc() {
		if marcEngine, err = marcrules.NewEngine(set, c.logger); err != nil {
			return c.fail(ctx, run, err)
		}
	}

	targets := assembler.Targets{
		CSV:  runPath(run.ID, "preview.csv"),
		JSON: runPath(run.ID, "modified.json"),
	}
	if run.EntityType.HasMarc() {
		targets.Marc = runPath(run.ID, "modified.mrc")
	}

	result, err := c.runPhase(ctx, run, phase{
		name:      PhaseModify,
		input:     source.NewRecordSource(c.deps.Store, run.Artifacts.MatchedJSON),
		base:      runPath(run.ID, "tmp", "modified"),
		withMarc:  run.EntityType.HasMarc(),
		columns:   columns.Visible(),
		processor: NewModifyProcessor(run.EntityType, generic, marcEngine, c.deps.Remote.Marc, c.logger),
		targets:   targets,
	})
	if err != nil {
		return c.fail(ctx, run, err)
	}

	run.Counts = result.counts
	run.Artifacts.PreviewCSV = targets.CSV
	run.Artifacts.ModifiedJSON = targets.JSON
	run.Artifacts.ModifiedMarc = targets.Marc
	return c.finishPhase(ctx, run, domain.RunStatusReviewChanges)
}

// Apply writes the modified records back. The run completes with errors when any
// record of this phase was skipped.
func (c *Controller) Apply(ctx context.Context, runID string) (domain.Run, error) {
	run, err := c.load(ctx, runID, domain.RunStatusReviewChanges)
	if err != nil {
		return domain.Run{}, err
	}
	if err := c.transition(ctx, &run, domain.RunStatusApplyChanges); err != nil {
		return domain.Run{}, err
	}
	ctx, span := c.startPhase(ctx, run, PhaseApply)
	defer span.End()

	columns, err := output.Schema(run.EntityType)
	if err != nil {
		return c.fail(ctx, run, errors.NewFatal(errors.CodeConfiguration, "csv schema", errors.Join(errors.ErrConfiguration, err)))
	}
	targets := assembler.Targets{
		CSV:  runPath(run.ID, "changed.csv"),
		JSON: runPath(run.ID, "changed.json"),
	}
	if run.EntityType.HasMarc() {
		targets.Marc = runPath(run.ID, "changed.mrc")
	}

	result, err := c.runPhase(ctx, run, phase{
		name:      PhaseApply,
		input:     source.NewRecordSource(c.deps.Store, run.Artifacts.ModifiedJSON),
		base:      runPath(run.ID, "tmp", "changed"),
		withMarc:  run.EntityType.HasMarc(),
		columns:   columns,
		processor: NewApplyProcessor(run.EntityType, c.deps.Remote, c.tenants(), dedup.New(run.ID), userOf(run), c.logger),
		targets:   targets,
	})
	if err != nil {
		return c.fail(ctx, run, err)
	}

	run.Counts = result.counts
	run.Artifacts.ChangedCSV = targets.CSV
	run.Artifacts.ChangedJSON = targets.JSON
	run.Artifacts.ChangedMarc = targets.Marc
	next := domain.RunStatusCompleted
	if result.skips > 0 {
		next = domain.RunStatusCompletedWithErrors
	}
	return c.finishPhase(ctx, run, next)
}

// ExportErrors writes every error record of the run to runs/<id>/errors.csv
func (c *Controller) ExportErrors(ctx context.Context, runID string) (string, error) {
	counts, err := c.deps.Errors.CountErrors(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("count errors of run %s: %w", runID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(output.EncodeRow([]string{"Identifier", "Error reason", "Type"}))
	for offset := 0; int64(offset) < counts.Total(); offset += errorPageSize {
		page, err := c.deps.Errors.ListErrors(ctx, runID, offset, errorPageSize)
		if err != nil {
			return "", fmt.Errorf("list errors of run %s: %w", runID, err)
		}
		for _, rec := range page {
			buf.WriteString(output.EncodeRow([]string{rec.Identifier, rec.Message, rec.Severity}))
		}
		if len(page) < errorPageSize {
			break
		}
	}

	path := runPath(runID, "errors.csv")
	if err := storage.PutBytes(ctx, c.deps.Store, path, buf.Bytes()); err != nil {
		return "", errors.NewFatal(errors.CodeStorage, "write error export", errors.Join(errors.ErrStorage, err))
	}
	return path, nil
}

func (c *Controller) runPhase(ctx context.Context, run domain.Run, ph phase) (phaseResult, error) {
	total, err := ph.input.Count(ctx)
	if err != nil {
		return phaseResult{}, errors.NewFatal(errors.CodeStorage, "count input lines", errors.Join(errors.ErrStorage, err))
	}
	parts := c.partitioner.Split(total, ph.base, ph.withMarc)
	skips := NewSkipHandler(run.ID, ph.name, c.cfg.SkipLimit, c.deps.Errors, c.deps.Metrics, c.logger)

	c.logger.Info("Phase started",
		zap.String("run_id", run.ID),
		zap.String("phase", ph.name),
		zap.Int64("total", total),
		zap.Int("partitions", len(parts)))

	pr, err := NewPartitionRunner(PartitionRunnerConfig{
		Phase:          ph.name,
		EntityType:     string(run.EntityType),
		Store:          c.deps.Store,
		Source:         ph.input,
		Processor:      ph.processor,
		Skips:          skips,
		Columns:        ph.columns,
		Limiter:        concurrency.NewLimiter(c.cfg.PartitionWorkers),
		Metrics:        c.deps.Metrics,
		FlushThreshold: c.cfg.FlushThreshold,
	}, c.logger)
	if err != nil {
		return phaseResult{}, errors.NewFatal(errors.CodeConfiguration, "partition runner", errors.Join(errors.ErrConfiguration, err))
	}

	summary, err := pr.Run(ctx, parts)
	if err != nil {
		return phaseResult{}, err
	}

	start := time.Now()
	err = c.assembler.Merge(ctx, parts, ph.targets)
	c.deps.Metrics.ObserveMerge(ph.name, time.Since(start), err)
	if err != nil {
		return phaseResult{}, err
	}

	return phaseResult{
		counts: domain.Counts{
			Total:     total,
			Matched:   summary.Matched,
			Processed: summary.Processed,
			Errors:    skips.Errors(),
			Warnings:  skips.Warnings(),
		},
		skips: skips.Skips(),
	}, nil
}

func (c *Controller) finishPhase(ctx context.Context, run domain.Run, next domain.RunStatus) (domain.Run, error) {
	path, err := c.ExportErrors(ctx, run.ID)
	if err != nil {
		return c.fail(ctx, run, err)
	}
	run.Artifacts.ErrorsCSV = path
	if err := c.transition(ctx, &run, next); err != nil {
		return domain.Run{}, err
	}
	c.logger.Info("Phase completed",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int64("total", run.Counts.Total),
		zap.Int64("matched", run.Counts.Matched),
		zap.Int64("errors", run.Counts.Errors),
		zap.Int64("warnings", run.Counts.Warnings))
	return run, nil
}

// fail marks the run FAILED with the innermost cause and the error class of err
func (c *Controller) fail(ctx context.Context, run domain.Run, cause error) (domain.Run, error) {
	ctx = context.WithoutCancel(ctx)
	run.ErrorMessage = fmt.Sprintf("%s (%s)", errors.RootCause(cause).Error(), errors.ClassSuffix(cause))
	trace.SpanFromContext(ctx).RecordError(cause)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, run.ErrorMessage)

	c.logger.Error("Run failed",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Error(cause))

	if err := c.transition(ctx, &run, domain.RunStatusFailed); err != nil {
		c.logger.Error("Failed to record run failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	c.deps.Reporter.ReportFailure(ctx, run, cause)
	return run, cause
}

func (c *Controller) transition(ctx context.Context, run *domain.Run, next domain.RunStatus) error {
	if err := run.Transition(next, c.now()); err != nil {
		return err
	}
	if err := c.deps.Runs.UpdateRun(ctx, *run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	c.publish(ctx, *run)
	return nil
}

func (c *Controller) publish(ctx context.Context, run domain.Run) {
	if err := c.deps.Events.PublishStatus(ctx, events.NewRunStatusEvent(run, c.now())); err != nil {
		c.logger.Warn("Failed to publish run status",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Error(err))
	}
}

func (c *Controller) load(ctx context.Context, runID string, want domain.RunStatus) (domain.Run, error) {
	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != want {
		return domain.Run{}, fmt.Errorf("run %s is %s, expected %s", run.ID, run.Status, want)
	}
	return run, nil
}

func (c *Controller) startPhase(ctx context.Context, run domain.Run, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "runner."+name, trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("entity.type", string(run.EntityType)),
		attribute.String("identifier.type", string(run.IdentifierType)),
	))
}

func (c *Controller) tenants() *tenant.Resolver {
	return tenant.NewResolver(c.cfg.CentralTenant, c.deps.Remote.Affiliations, c.deps.Remote.Permissions, c.logger)
}

func userOf(run domain.Run) tenant.User {
	return tenant.User{ID: run.UserID, Username: run.Username}
}

func runPath(runID string, parts ...string) string {
	return storage.Join(append([]string{"runs", runID}, parts...)...)
}
