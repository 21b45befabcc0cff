// Package tenant decides which tenants of a consortium an acting user may read
// records from, recording one error per excluded tenant.
package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
)

const (
	affiliationMessage = "User %s does not have required affiliation to view the %s record - %s=%s on the tenant %s"
	permissionMessage  = "User %s does not have required permission to view the %s record - %s=%s on the tenant %s"
	writeMessage       = "User %s does not have required permission to edit the %s record - %s=%s on the tenant %s"
)

// User is the acting user of a run
type User struct {
	ID       string
	Username string
}

// Resolver filters candidate tenants by affiliation and permission. It caches lookups
// for its lifetime, so create one per run.
type Resolver struct {
	centralTenant string
	affiliations  remote.AffiliationLookup
	permissions   remote.PermissionChecker
	logger        *zap.Logger

	affiliationCache sync.Map // user id -> map[string]struct{}
	permissionCache  sync.Map // tenant|user|permission -> bool
}

// NewResolver creates a resolver. centralTenant may be empty when the deployment is not a consortium.
func NewResolver(centralTenant string, affiliations remote.AffiliationLookup, permissions remote.PermissionChecker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		centralTenant: centralTenant,
		affiliations:  affiliations,
		permissions:   permissions,
		logger:        logger,
	}
}

// CentralTenant returns the consortium central tenant, if any
func (r *Resolver) CentralTenant() string {
	return r.centralTenant
}

// IsCentral reports whether the acting tenant is the consortium central tenant
func (r *Resolver) IsCentral(tenant string) bool {
	return r.centralTenant != "" && tenant == r.centralTenant
}

// Filter keeps the candidates the user is affiliated with and may read. Every excluded
// tenant yields one skippable error; the identifier as a whole never fails here.
func (r *Resolver) Filter(ctx context.Context, user User, kind domain.EntityType, id domain.Identifier, candidates []string) ([]string, []*errors.SkippableError, error) {
	affiliated, err := r.affiliatedTenants(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	var allowed []string
	var excluded []*errors.SkippableError
	for _, tenant := range candidates {
		if _, ok := affiliated[tenant]; !ok {
			excluded = append(excluded, errors.NewSkippable(id.Value, errors.CodeAffiliation,
				format(affiliationMessage, user, kind, id, tenant), errors.ErrNotAffiliated))
			continue
		}

		ok, err := r.hasPermission(ctx, tenant, user.ID, kind.ReadPermission())
		if err != nil {
			r.logger.Warn("Permission check failed",
				zap.String("tenant_id", tenant),
				zap.String("identifier", id.Value),
				zap.Error(err))
		}
		if !ok {
			cause := errors.ErrPermissionDenied
			if err != nil {
				cause = errors.Join(errors.ErrPermissionDenied, err)
			}
			excluded = append(excluded, errors.NewSkippable(id.Value, errors.CodePermission,
				format(permissionMessage, user, kind, id, tenant), cause))
			continue
		}
		allowed = append(allowed, tenant)
	}
	return allowed, excluded, nil
}

// CheckRead verifies read permission on a single tenant. Failure is a skippable error for the identifier.
func (r *Resolver) CheckRead(ctx context.Context, user User, kind domain.EntityType, id domain.Identifier, tenant string) error {
	return r.check(ctx, user, kind, id, tenant, kind.ReadPermission(), permissionMessage)
}

// CheckWrite verifies update permission on a single tenant
func (r *Resolver) CheckWrite(ctx context.Context, user User, kind domain.EntityType, id domain.Identifier, tenant string) error {
	return r.check(ctx, user, kind, id, tenant, kind.WritePermission(), writeMessage)
}

func (r *Resolver) check(ctx context.Context, user User, kind domain.EntityType, id domain.Identifier, tenant, permission, message string) error {
	ok, err := r.hasPermission(ctx, tenant, user.ID, permission)
	if err != nil {
		if errors.IsTransient(err) {
			return errors.NewSkippable(id.Value, errors.CodeTransport, err.Error(), err)
		}
		return errors.NewSkippable(id.Value, errors.CodePermission, format(message, user, kind, id, tenant),
			errors.Join(errors.ErrPermissionDenied, err))
	}
	if !ok {
		return errors.NewSkippable(id.Value, errors.CodePermission, format(message, user, kind, id, tenant), errors.ErrPermissionDenied)
	}
	return nil
}

func (r *Resolver) affiliatedTenants(ctx context.Context, userID string) (map[string]struct{}, error) {
	if cached, ok := r.affiliationCache.Load(userID); ok {
		return cached.(map[string]struct{}), nil
	}
	tenants, err := r.affiliations.Affiliations(ctx, r.centralTenant, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup affiliations of user %s: %w", userID, err)
	}
	set := make(map[string]struct{}, len(tenants)+1)
	for _, t := range tenants {
		set[t] = struct{}{}
	}
	if r.centralTenant != "" {
		set[r.centralTenant] = struct{}{}
	}
	r.affiliationCache.Store(userID, set)
	return set, nil
}

func (r *Resolver) hasPermission(ctx context.Context, tenant, userID, permission string) (bool, error) {
	key := tenant + "|" + userID + "|" + permission
	if cached, ok := r.permissionCache.Load(key); ok {
		return cached.(bool), nil
	}
	ok, err := r.permissions.HasPermission(ctx, tenant, userID, permission)
	if err != nil {
		return false, err
	}
	r.permissionCache.Store(key, ok)
	return ok, nil
}

func format(message string, user User, kind domain.EntityType, id domain.Identifier, tenant string) string {
	name := user.Username
	if name == "" {
		name = user.ID
	}
	return fmt.Sprintf(message, name, kind.Label(), identifierLabel(id.Type), id.Value, tenant)
}

func identifierLabel(t domain.IdentifierType) string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", " ")
}
