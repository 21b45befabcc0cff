// Package remote defines the collaborators the pipeline calls for records, permissions,
// affiliations and the consortium index. Every call takes the tenant explicitly.
package remote

import (
	"context"
	"encoding/json"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

// RecordPage is the result of a query against one tenant
type RecordPage struct {
	Records      []json.RawMessage
	TotalRecords int
}

// RecordClient fetches and updates entity documents
type RecordClient interface {
	Fetch(ctx context.Context, tenant string, kind domain.EntityType, query string, limit int) (RecordPage, error)
	Update(ctx context.Context, tenant string, kind domain.EntityType, record json.RawMessage) error
}

// PermissionChecker reports whether a user holds a permission on a tenant
type PermissionChecker interface {
	HasPermission(ctx context.Context, tenant, userID, permission string) (bool, error)
}

// AffiliationLookup lists the tenants a user is affiliated with
type AffiliationLookup interface {
	Affiliations(ctx context.Context, centralTenant, userID string) ([]string, error)
}

// ConsortiumIndex locates the member tenants holding records for an identifier
type ConsortiumIndex interface {
	Locate(ctx context.Context, centralTenant string, kind domain.EntityType, field, value string) ([]string, error)
}

// MarcClient reads and writes the binary MARC source of instances
type MarcClient interface {
	FetchMarc(ctx context.Context, tenant, instanceID string) ([]byte, error)
	UpdateMarc(ctx context.Context, tenant, instanceID string, record []byte) error
}

// Collaborators groups every remote dependency of a run
type Collaborators struct {
	Records      RecordClient
	Permissions  PermissionChecker
	Affiliations AffiliationLookup
	Consortium   ConsortiumIndex
	Marc         MarcClient
}

// collectionKey is the JSON array holding the records of a query response
func collectionKey(kind domain.EntityType) string {
	switch kind {
	case domain.EntityItem:
		return "items"
	case domain.EntityHolding:
		return "holdingsRecords"
	case domain.EntityInstance:
		return "instances"
	case domain.EntityUser:
		return "users"
	}
	return "records"
}

// resourcePath is the REST path of the record collection
func resourcePath(kind domain.EntityType) string {
	switch kind {
	case domain.EntityItem:
		return "/item-storage/items"
	case domain.EntityHolding:
		return "/holdings-storage/holdings"
	case domain.EntityInstance:
		return "/instance-storage/instances"
	case domain.EntityUser:
		return "/users"
	}
	return "/records"
}
