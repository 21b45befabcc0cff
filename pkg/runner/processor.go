package runner

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/dedup"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/marc"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/resolver"
	"github.com/wehubfusion/Daedalus/pkg/rules"
	"github.com/wehubfusion/Daedalus/pkg/rules/marcrules"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

// Emitter receives the outputs of one partition; *output.Writer implements it
type Emitter interface {
	WriteRecord(ctx context.Context, rec domain.ResolvedRecord) error
	WriteRow(ctx context.Context, rec domain.ResolvedRecord) error
	WriteJSON(ctx context.Context, rec domain.ResolvedRecord) error
	WriteMarc(ctx context.Context, data []byte) error
}

// LineResult is the outcome of one successfully handled line
type LineResult struct {
	// Records is the number of records written to the phase output. A line with at
	// least one record counts once as matched.
	Records int

	// Identifier names the line in failure messages when the line itself is a record
	Identifier string

	// Warnings are recorded as error records without failing the line
	Warnings []*errors.SkippableError
}

// LineProcessor handles one input line of a phase. A skippable error skips the line;
// any other error stops the partition.
type LineProcessor interface {
	ProcessLine(ctx context.Context, line string, out Emitter) (LineResult, error)
}

// enrichedFields are added for display at match time and never written back
var enrichedFields = map[domain.EntityType][]string{
	domain.EntityItem:    {"title", "holdingsData"},
	domain.EntityHolding: {"instanceTitle"},
}

// MatchProcessor resolves identifiers into records
type MatchProcessor struct {
	resolver       *resolver.Resolver
	marc           remote.MarcClient
	actingTenant   string
	user           tenant.User
	identifierType domain.IdentifierType
	logger         *zap.Logger
}

// NewMatchProcessor creates the processor of the match phase. marcClient may be nil.
func NewMatchProcessor(res *resolver.Resolver, marcClient remote.MarcClient, actingTenant string, user tenant.User, idType domain.IdentifierType, logger *zap.Logger) *MatchProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchProcessor{
		resolver:       res,
		marc:           marcClient,
		actingTenant:   actingTenant,
		user:           user,
		identifierType: idType,
		logger:         logger,
	}
}

func (p *MatchProcessor) ProcessLine(ctx context.Context, line string, out Emitter) (LineResult, error) {
	id := domain.Identifier{Type: p.identifierType, Value: line}
	res, err := p.resolver.Resolve(ctx, resolver.Request{
		ActingTenant: p.actingTenant,
		User:         p.user,
		Identifier:   id,
	})
	result := LineResult{Warnings: res.Errors}
	if err != nil {
		return result, err
	}

	for _, rec := range res.Records {
		if err := out.WriteRecord(ctx, rec); err != nil {
			return result, errors.NewFatal(errors.CodeStorage, "write matched record", errors.Join(errors.ErrStorage, err))
		}
		result.Records++

		if !isMarcInstance(p.resolver.Kind(), rec) || p.marc == nil {
			continue
		}
		data, err := p.marc.FetchMarc(ctx, rec.Tenant, rec.ID())
		if err != nil {
			result.Warnings = append(result.Warnings,
				errors.NewSkippable(id.Value, errors.CodeTransport, err.Error(), err))
			continue
		}
		if err := out.WriteMarc(ctx, data); err != nil {
			return result, errors.NewFatal(errors.CodeStorage, "write matched MARC record", errors.Join(errors.ErrStorage, err))
		}
	}
	return result, nil
}

// ModifyProcessor applies rules to matched records
type ModifyProcessor struct {
	kind    domain.EntityType
	generic *rules.Engine
	marc    *marcrules.Engine
	client  remote.MarcClient
	now     func() time.Time
	logger  *zap.Logger
}

// NewModifyProcessor creates the processor of the modify phase. marcEngine and client
// may be nil when no MARC rules apply.
func NewModifyProcessor(kind domain.EntityType, generic *rules.Engine, marcEngine *marcrules.Engine, client remote.MarcClient, logger *zap.Logger) *ModifyProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModifyProcessor{
		kind:    kind,
		generic: generic,
		marc:    marcEngine,
		client:  client,
		now:     time.Now,
		logger:  logger,
	}
}

func (p *ModifyProcessor) ProcessLine(ctx context.Context, line string, out Emitter) (LineResult, error) {
	rec, err := domain.ParseRecordLine([]byte(line))
	if err != nil {
		return LineResult{}, errors.NewFatal(errors.CodeStorage, "read matched record", err)
	}

	outcome := p.generic.Apply(rec.Entity)
	result := LineResult{Identifier: recordIdentifier(rec).Value, Warnings: outcome.Errors}

	preview := rec
	preview.Entity = outcome.Preview
	if err := out.WriteRow(ctx, preview); err != nil {
		return result, errors.NewFatal(errors.CodeStorage, "write preview row", errors.Join(errors.ErrStorage, err))
	}

	updated := rec
	updated.Entity = outcome.Updated
	changed := outcome.Changed

	if p.marc != nil && !p.marc.Empty() && p.client != nil && isMarcInstance(p.kind, rec) {
		data, marcChanged, warnings, err := p.modifyMarc(ctx, rec)
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			return result, err
		}
		if marcChanged {
			if err := out.WriteMarc(ctx, data); err != nil {
				return result, errors.NewFatal(errors.CodeStorage, "write modified MARC record", errors.Join(errors.ErrStorage, err))
			}
			updated.Marc = data
			changed = true
		}
	}

	if !changed {
		return result, nil
	}
	if err := out.WriteJSON(ctx, updated); err != nil {
		return result, errors.NewFatal(errors.CodeStorage, "write modified record", errors.Join(errors.ErrStorage, err))
	}
	result.Records = 1
	return result, nil
}

func (p *ModifyProcessor) modifyMarc(ctx context.Context, rec domain.ResolvedRecord) ([]byte, bool, []*errors.SkippableError, error) {
	identifier := rec.HRID()
	raw, err := p.client.FetchMarc(ctx, rec.Tenant, rec.ID())
	if err != nil {
		return nil, false, nil, errors.NewSkippable(identifier, errors.CodeTransport, err.Error(), err)
	}
	mrec, err := marc.Unmarshal(raw)
	if err != nil {
		return nil, false, nil, errors.NewSkippable(identifier, errors.CodeMarcValidation, err.Error(),
			errors.Join(errors.ErrMarcValidation, err))
	}

	res, err := p.marc.Apply(mrec, p.now())
	if err != nil {
		return nil, false, res.Errors, errors.NewSkippable(identifier, errors.CodeMarcValidation, err.Error(),
			errors.Join(errors.ErrMarcValidation, err))
	}
	if !res.Changed {
		return nil, false, res.Errors, nil
	}
	data, err := mrec.Marshal()
	if err != nil {
		return nil, false, res.Errors, errors.NewSkippable(identifier, errors.CodeMarcValidation, err.Error(),
			errors.Join(errors.ErrMarcValidation, err))
	}
	return data, true, res.Errors, nil
}

// ApplyProcessor writes modified records back to their tenants
type ApplyProcessor struct {
	kind     domain.EntityType
	records  remote.RecordClient
	marc     remote.MarcClient
	tenants  *tenant.Resolver
	registry *dedup.Registry
	user     tenant.User
	logger   *zap.Logger
}

// NewApplyProcessor creates the processor of the apply phase. The registry gates
// each entity to a single write.
func NewApplyProcessor(kind domain.EntityType, collaborators remote.Collaborators, tenants *tenant.Resolver, registry *dedup.Registry, user tenant.User, logger *zap.Logger) *ApplyProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplyProcessor{
		kind:     kind,
		records:  collaborators.Records,
		marc:     collaborators.Marc,
		tenants:  tenants,
		registry: registry,
		user:     user,
		logger:   logger,
	}
}

func (p *ApplyProcessor) ProcessLine(ctx context.Context, line string, out Emitter) (LineResult, error) {
	rec, err := domain.ParseRecordLine([]byte(line))
	if err != nil {
		return LineResult{}, errors.NewFatal(errors.CodeStorage, "read modified record", err)
	}
	id := recordIdentifier(rec)
	result := LineResult{Identifier: id.Value}

	if err := p.registry.MarkFetched(id.Value, rec.ID()); err != nil {
		return result, err
	}
	if err := p.tenants.CheckWrite(ctx, p.user, p.kind, id, rec.Tenant); err != nil {
		return result, err
	}

	doc := []byte(rec.Entity)
	for _, field := range enrichedFields[p.kind] {
		if gjson.GetBytes(doc, field).Exists() {
			if doc, err = sjson.DeleteBytes(doc, field); err != nil {
				return result, errors.NewSkippable(id.Value, errors.CodeUpdate, err.Error(), err)
			}
		}
	}

	if err := p.records.Update(ctx, rec.Tenant, p.kind, doc); err != nil {
		return result, updateError(id, err)
	}
	if len(rec.Marc) > 0 && p.marc != nil {
		if err := p.marc.UpdateMarc(ctx, rec.Tenant, rec.ID(), rec.Marc); err != nil {
			return result, updateError(id, err)
		}
		if err := out.WriteMarc(ctx, rec.Marc); err != nil {
			return result, errors.NewFatal(errors.CodeStorage, "write changed MARC record", errors.Join(errors.ErrStorage, err))
		}
	}

	if err := out.WriteRecord(ctx, rec); err != nil {
		return result, errors.NewFatal(errors.CodeStorage, "write changed record", errors.Join(errors.ErrStorage, err))
	}
	p.logger.Debug("Updated record",
		zap.String("tenant_id", rec.Tenant),
		zap.String("identifier", id.Value))
	result.Records = 1
	return result, nil
}

func updateError(id domain.Identifier, err error) error {
	if _, ok := errors.AsSkippable(err); ok {
		return err
	}
	code := errors.CodeUpdate
	if errors.IsTransient(err) {
		code = errors.CodeTransport
	}
	return errors.NewSkippable(id.Value, code, err.Error(), err)
}

// recordIdentifier names a record in error records: its HRID when present, else its id
func recordIdentifier(rec domain.ResolvedRecord) domain.Identifier {
	if hrid := rec.Get("hrid").String(); hrid != "" {
		return domain.Identifier{Type: domain.IdentifierHRID, Value: hrid}
	}
	return domain.Identifier{Type: domain.IdentifierID, Value: rec.ID()}
}

func isMarcInstance(kind domain.EntityType, rec domain.ResolvedRecord) bool {
	return kind == domain.EntityInstance && rec.Get("source").String() == "MARC"
}
