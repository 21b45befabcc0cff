// Package resolver turns raw identifiers into resolved entity records: it claims the
// identifier, locates the owning tenants, queries each one and deduplicates by entity id.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/dedup"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

// Messages stored on error records
const (
	MsgNoMatch          = "No match found"
	MsgMultipleMatches  = "Multiple matches were found"
	MsgAcrossTenants    = "Duplicates across tenants"
	MsgDuplicate        = "Duplicate entry"
	msgUnsupportedIDFmt = "Identifier type %s is not supported for %s records"
)

// RetryConfig bounds the retries of the user resolver on transient transport failures
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Request identifies who resolves what
type Request struct {
	// ActingTenant is the tenant the run was started in
	ActingTenant string
	User         tenant.User
	Identifier   domain.Identifier
}

// Result is the outcome of resolving one identifier. Errors holds per-tenant
// exclusions that are recorded without failing the identifier.
type Result struct {
	Records []domain.ResolvedRecord
	Errors  []*errors.SkippableError
}

// Resolver resolves identifiers of one entity type for one run
type Resolver struct {
	kind       domain.EntityType
	records    remote.RecordClient
	consortium remote.ConsortiumIndex
	tenants    *tenant.Resolver
	registry   *dedup.Registry
	enricher   *Enricher
	retry      RetryConfig
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option customises a Resolver
type Option func(*Resolver)

// WithRetry overrides the user resolver retry policy
func WithRetry(cfg RetryConfig) Option {
	return func(r *Resolver) { r.retry = cfg }
}

// WithoutEnrichment disables parent lookups
func WithoutEnrichment() Option {
	return func(r *Resolver) { r.enricher = nil }
}

// New creates a resolver for the entity type
func New(kind domain.EntityType, collaborators remote.Collaborators, tenants *tenant.Resolver, registry *dedup.Registry, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unsupported entity type %q", kind)
	}
	if collaborators.Records == nil {
		return nil, fmt.Errorf("record client is required")
	}
	if tenants == nil {
		return nil, fmt.Errorf("tenant resolver is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("dedup registry is required")
	}
	if kind.SupportsConsortium() && tenants.CentralTenant() != "" && collaborators.Consortium == nil {
		return nil, fmt.Errorf("consortium index is required for %s in a consortium", kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{
		kind:       kind,
		records:    collaborators.Records,
		consortium: collaborators.Consortium,
		tenants:    tenants,
		registry:   registry,
		enricher:   NewEnricher(collaborators.Records, logger),
		retry:      DefaultRetryConfig(),
		logger:     logger,
		tracer:     otel.Tracer("daedalus/resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Kind returns the entity type the resolver serves
func (r *Resolver) Kind() domain.EntityType {
	return r.kind
}

// Resolve claims the identifier and returns the matching records.
// Failures are skippable errors attributed to the identifier.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	id := req.Identifier
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(
		attribute.String("entity.type", string(r.kind)),
		attribute.String("identifier.type", string(id.Type)),
	))
	defer span.End()

	if err := r.registry.Claim(id); err != nil {
		return Result{}, err
	}

	spec, ok := r.kind.IdentifierSpec(id.Type)
	if !ok {
		return Result{}, errors.NewSkippable(id.Value, errors.CodeUnsupportedIdentifier,
			fmt.Sprintf(msgUnsupportedIDFmt, id.Type, r.kind.Label()), errors.ErrUnsupportedIdentifier)
	}

	var result Result
	var err error
	if r.kind.SupportsConsortium() && r.tenants.IsCentral(req.ActingTenant) {
		result, err = r.resolveAcrossTenants(ctx, req, spec)
	} else {
		result, err = r.resolveLocal(ctx, req, spec)
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if len(result.Records) == 0 {
		return result, nil
	}

	var dropped []*errors.SkippableError
	result.Records, dropped, err = r.dedupe(id, result.Records)
	result.Errors = append(result.Errors, dropped...)
	if err != nil {
		return Result{Errors: result.Errors}, err
	}

	if r.enricher != nil {
		for i := range result.Records {
			result.Records[i] = r.enricher.Enrich(ctx, r.kind, result.Records[i])
		}
	}
	span.SetAttributes(attribute.Int("records.count", len(result.Records)))
	return result, nil
}

func (r *Resolver) resolveAcrossTenants(ctx context.Context, req Request, spec domain.IdentifierSpec) (Result, error) {
	id := req.Identifier
	central := r.tenants.CentralTenant()

	candidates, err := r.consortium.Locate(ctx, central, r.kind, spec.Field, id.Value)
	if err != nil {
		return Result{}, transportError(id, err)
	}
	if len(candidates) == 0 {
		return Result{}, errors.NewSkippable(id.Value, errors.CodeNoMatch, MsgNoMatch, errors.ErrNoMatch)
	}
	if !spec.OneToMany && len(candidates) > 1 {
		return Result{}, errors.NewSkippable(id.Value, errors.CodeAcrossTenants, MsgAcrossTenants, errors.ErrDuplicatesAcrossTenants)
	}

	allowed, excluded, err := r.tenants.Filter(ctx, req.User, r.kind, id, candidates)
	if err != nil {
		return Result{}, transportError(id, err)
	}

	result := Result{Errors: excluded}
	// tenants are visited one at a time; every call carries its tenant explicitly
	for _, t := range allowed {
		records, err := r.fetch(ctx, t, id, spec)
		if err != nil {
			return Result{Errors: excluded}, err
		}
		result.Records = append(result.Records, records...)
	}
	if len(allowed) > 0 && len(result.Records) == 0 {
		return Result{Errors: excluded}, errors.NewSkippable(id.Value, errors.CodeNoMatch, MsgNoMatch, errors.ErrNoMatch)
	}
	return result, nil
}

func (r *Resolver) resolveLocal(ctx context.Context, req Request, spec domain.IdentifierSpec) (Result, error) {
	id := req.Identifier
	if err := r.tenants.CheckRead(ctx, req.User, r.kind, id, req.ActingTenant); err != nil {
		return Result{}, err
	}
	records, err := r.fetch(ctx, req.ActingTenant, id, spec)
	if err != nil {
		return Result{}, err
	}
	if len(records) == 0 {
		return Result{}, errors.NewSkippable(id.Value, errors.CodeNoMatch, MsgNoMatch, errors.ErrNoMatch)
	}
	return Result{Records: records}, nil
}

// fetch queries one tenant and enforces the match limit of the identifier type
func (r *Resolver) fetch(ctx context.Context, tenantID string, id domain.Identifier, spec domain.IdentifierSpec) ([]domain.ResolvedRecord, error) {
	limit := spec.MaxMatches()
	if limit > 0 {
		// one extra row is enough to detect a violation
		limit++
	}

	query := id.Query(spec)
	page, err := r.query(ctx, tenantID, query, limit)
	if err != nil {
		return nil, transportError(id, err)
	}

	if allowed := spec.MaxMatches(); allowed > 0 && (page.TotalRecords > allowed || len(page.Records) > allowed) {
		return nil, errors.NewSkippable(id.Value, errors.CodeMultipleMatches, MsgMultipleMatches, errors.ErrMultipleMatches)
	}

	out := make([]domain.ResolvedRecord, 0, len(page.Records))
	for _, doc := range page.Records {
		out = append(out, domain.ResolvedRecord{Tenant: tenantID, Entity: json.RawMessage(doc)})
	}
	return out, nil
}

func (r *Resolver) query(ctx context.Context, tenantID, query string, limit int) (remote.RecordPage, error) {
	if r.kind != domain.EntityUser {
		return r.records.Fetch(ctx, tenantID, r.kind, query, limit)
	}
	return retryTransient(ctx, r.retry, r.logger, func() (remote.RecordPage, error) {
		return r.records.Fetch(ctx, tenantID, r.kind, query, limit)
	})
}

// dedupe drops records whose entity was already resolved in this run and reports
// each dropped record. When nothing is left the last report becomes the line error.
func (r *Resolver) dedupe(id domain.Identifier, records []domain.ResolvedRecord) ([]domain.ResolvedRecord, []*errors.SkippableError, error) {
	kept := records[:0]
	var dropped []*errors.SkippableError
	for _, rec := range records {
		err := r.registry.MarkFetched(id.Value, rec.ID())
		if err == nil {
			kept = append(kept, rec)
			continue
		}
		skipErr, ok := errors.AsSkippable(err)
		if !ok {
			return nil, dropped, err
		}
		dropped = append(dropped, skipErr)
	}
	if len(kept) == 0 && len(dropped) > 0 {
		last := dropped[len(dropped)-1]
		return nil, dropped[:len(dropped)-1], last
	}
	return kept, dropped, nil
}

func transportError(id domain.Identifier, err error) error {
	if _, ok := errors.AsSkippable(err); ok {
		return err
	}
	code := errors.CodeTransport
	if errors.Is(err, errors.ErrPermissionDenied) {
		code = errors.CodePermission
	}
	return errors.NewSkippable(id.Value, code, err.Error(), err)
}
