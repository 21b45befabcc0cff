package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/remote"
)

// Enricher adds parent summaries to resolved records: items get the instance title and
// a holdings summary, holdings get the instance title. Lookups are cached per tenant.
type Enricher struct {
	records remote.RecordClient
	logger  *zap.Logger
	cache   sync.Map // tenant|kind|id -> gjson.Result
}

// NewEnricher creates an enricher backed by the record client
func NewEnricher(records remote.RecordClient, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{records: records, logger: logger}
}

// Enrich returns the record with its summary fields set. Lookup failures are logged
// and the record is returned unchanged.
func (e *Enricher) Enrich(ctx context.Context, kind domain.EntityType, rec domain.ResolvedRecord) domain.ResolvedRecord {
	var err error
	switch kind {
	case domain.EntityItem:
		rec, err = e.enrichItem(ctx, rec)
	case domain.EntityHolding:
		rec, err = e.enrichHolding(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("Enrichment failed",
			zap.String("entity_type", string(kind)),
			zap.String("entity_id", rec.ID()),
			zap.String("tenant_id", rec.Tenant),
			zap.Error(err))
	}
	return rec
}

func (e *Enricher) enrichItem(ctx context.Context, rec domain.ResolvedRecord) (domain.ResolvedRecord, error) {
	holdingsID := rec.Get("holdingsRecordId").String()
	if holdingsID == "" {
		return rec, nil
	}
	holding, err := e.lookup(ctx, rec.Tenant, domain.EntityHolding, holdingsID)
	if err != nil {
		return rec, err
	}

	entity, err := sjson.SetBytes(rec.Entity, "holdingsData", HoldingsSummary(holding))
	if err != nil {
		return rec, err
	}
	rec.Entity = entity

	instanceID := holding.Get("instanceId").String()
	if instanceID == "" {
		return rec, nil
	}
	instance, err := e.lookup(ctx, rec.Tenant, domain.EntityInstance, instanceID)
	if err != nil {
		return rec, err
	}
	entity, err = sjson.SetBytes(rec.Entity, "title", instance.Get("title").String())
	if err != nil {
		return rec, err
	}
	rec.Entity = entity
	return rec, nil
}

func (e *Enricher) enrichHolding(ctx context.Context, rec domain.ResolvedRecord) (domain.ResolvedRecord, error) {
	instanceID := rec.Get("instanceId").String()
	if instanceID == "" {
		return rec, nil
	}
	instance, err := e.lookup(ctx, rec.Tenant, domain.EntityInstance, instanceID)
	if err != nil {
		return rec, err
	}
	entity, err := sjson.SetBytes(rec.Entity, "instanceTitle", instance.Get("title").String())
	if err != nil {
		return rec, err
	}
	rec.Entity = entity
	return rec, nil
}

func (e *Enricher) lookup(ctx context.Context, tenantID string, kind domain.EntityType, id string) (gjson.Result, error) {
	key := tenantID + "|" + string(kind) + "|" + id
	if cached, ok := e.cache.Load(key); ok {
		return cached.(gjson.Result), nil
	}
	page, err := e.records.Fetch(ctx, tenantID, kind, "id=="+id, 1)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("lookup %s %s: %w", kind.Label(), id, err)
	}
	if len(page.Records) == 0 {
		return gjson.Result{}, fmt.Errorf("lookup %s %s: not found", kind.Label(), id)
	}
	parsed := gjson.ParseBytes(page.Records[0])
	e.cache.Store(key, parsed)
	return parsed, nil
}

// HoldingsSummary renders "location > call number" for a holdings record
func HoldingsSummary(holding gjson.Result) string {
	location := holding.Get("permanentLocation.name").String()
	if location == "" {
		location = holding.Get("permanentLocationId").String()
	}
	callNumber := strings.TrimSpace(strings.Join([]string{
		holding.Get("callNumberPrefix").String(),
		holding.Get("callNumber").String(),
		holding.Get("callNumberSuffix").String(),
	}, " "))
	callNumber = strings.Join(strings.Fields(callNumber), " ")

	switch {
	case location == "":
		return callNumber
	case callNumber == "":
		return location
	}
	return location + " > " + callNumber
}
