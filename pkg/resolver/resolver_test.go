package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/dedup"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

var actor = tenant.User{ID: "u1", Username: "alice"}

type fixture struct {
	fake     *remote.InMemory
	registry *dedup.Registry
	resolver *Resolver
}

func newFixture(t *testing.T, kind domain.EntityType, central string, opts ...Option) *fixture {
	t.Helper()
	fake := remote.NewInMemory()
	registry := dedup.New("run-1")
	tenants := tenant.NewResolver(central, fake, fake, nil)
	opts = append([]Option{WithRetry(RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})}, opts...)
	r, err := New(kind, fake.Collaborators(), tenants, registry, nil, opts...)
	require.NoError(t, err)
	return &fixture{fake: fake, registry: registry, resolver: r}
}

func request(tenantID string, t domain.IdentifierType, v string) Request {
	return Request{ActingTenant: tenantID, User: actor, Identifier: domain.Identifier{Type: t, Value: v}}
}

func requireSkippable(t *testing.T, err error, code string) *errors.SkippableError {
	t.Helper()
	require.Error(t, err)
	skipErr, ok := errors.AsSkippable(err)
	require.True(t, ok, "expected skippable error, got %v", err)
	assert.Equal(t, code, skipErr.Code)
	return skipErr
}

func TestResolve_LocalUser(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	f.fake.Grant("diku", "u1", domain.EntityUser.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityUser, `{"id":"user-1","barcode":"B1","username":"bob"}`)

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "diku", res.Records[0].Tenant)
	assert.Equal(t, "user-1", res.Records[0].ID())
}

func TestResolve_DuplicateIdentifier(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	f.fake.Grant("diku", "u1", domain.EntityUser.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityUser, `{"id":"user-1","barcode":"B1"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	skipErr := requireSkippable(t, err, errors.CodeDuplicate)
	assert.Equal(t, errors.SeverityWarning, skipErr.Severity)
	assert.Equal(t, 1, f.fake.FetchCalls(), "a duplicate must not reach the network")
}

func TestResolve_SameEntityThroughTwoIdentifiers(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	f.fake.Grant("diku", "u1", domain.EntityUser.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityUser, `{"id":"user-1","barcode":"B1","username":"bob"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierUserName, "bob"))
	requireSkippable(t, err, errors.CodeDuplicate)
	assert.True(t, errors.Is(err, errors.ErrDuplicateEntity))
}

func TestResolve_NoMatchAndMultipleMatches(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "")
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i1","barcode":"dup"}`)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i2","barcode":"dup"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "missing"))
	skipErr := requireSkippable(t, err, errors.CodeNoMatch)
	assert.Equal(t, MsgNoMatch, skipErr.Message)

	_, err = f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "dup"))
	skipErr = requireSkippable(t, err, errors.CodeMultipleMatches)
	assert.Equal(t, MsgMultipleMatches, skipErr.Message)
}

func TestResolve_OneToManyReturnsAll(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "", WithoutEnrichment())
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	for i := 0; i < 3; i++ {
		f.fake.AddRecord("diku", domain.EntityItem, fmt.Sprintf(`{"id":"i%d","holdingsRecordId":"h1"}`, i))
	}

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierHoldingsRecordID, "h1"))
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
}

func TestResolve_OneToManyReportsAlreadyFetched(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "", WithoutEnrichment())
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i0","holdingsRecordId":"h1"}`)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i1","holdingsRecordId":"h1","barcode":"b1"}`)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i2","holdingsRecordId":"h1"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "b1"))
	require.NoError(t, err)

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierHoldingsRecordID, "h1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "i0", res.Records[0].ID())
	assert.Equal(t, "i2", res.Records[1].ID())

	require.Len(t, res.Errors, 1)
	assert.Equal(t, errors.CodeDuplicate, res.Errors[0].Code)
	assert.Equal(t, "h1", res.Errors[0].Identifier)
	assert.True(t, errors.Is(res.Errors[0], errors.ErrDuplicateEntity))
}

func TestResolve_RecordWithoutIDIsSkipped(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "", WithoutEnrichment())
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityItem, `{"barcode":"noid"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "noid"))
	skipErr := requireSkippable(t, err, errors.CodeMissingID)
	assert.Equal(t, errors.SeverityError, skipErr.Severity)
}

func TestResolve_UnsupportedIdentifier(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierISBN, "978"))
	skipErr := requireSkippable(t, err, errors.CodeUnsupportedIdentifier)
	assert.Equal(t, "Identifier type ISBN is not supported for user records", skipErr.Message)
}

func TestResolve_MissingLocalPermission(t *testing.T) {
	f := newFixture(t, domain.EntityInstance, "")
	f.fake.AddRecord("diku", domain.EntityInstance, `{"id":"in1","hrid":"in00001"}`)

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierHRID, "in00001"))
	requireSkippable(t, err, errors.CodePermission)
	assert.Equal(t, 0, f.fake.FetchCalls())
}

func TestResolve_CentralHoldingsDuplicatesAcrossTenants(t *testing.T) {
	f := newFixture(t, domain.EntityHolding, "central")
	f.fake.Affiliate("u1", "member-a", "member-b")
	f.fake.Grant("member-a", "u1", domain.EntityHolding.ReadPermission())
	f.fake.Grant("member-b", "u1", domain.EntityHolding.ReadPermission())
	f.fake.AddRecord("member-a", domain.EntityHolding, `{"id":"h1","hrid":"ho1"}`)
	f.fake.AddRecord("member-b", domain.EntityHolding, `{"id":"h2","hrid":"ho1"}`)

	res, err := f.resolver.Resolve(context.Background(), request("central", domain.IdentifierHRID, "ho1"))
	skipErr := requireSkippable(t, err, errors.CodeAcrossTenants)
	assert.Equal(t, MsgAcrossTenants, skipErr.Message)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, f.fake.FetchCalls())
}

func TestResolve_CentralFanOutWithExclusions(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "central", WithoutEnrichment())
	f.fake.Affiliate("u1", "member-a")
	f.fake.Grant("member-a", "u1", domain.EntityItem.ReadPermission())
	f.fake.AddRecord("member-a", domain.EntityItem, `{"id":"i1","holdingsRecordId":"h1"}`)
	f.fake.AddRecord("member-b", domain.EntityItem, `{"id":"i2","holdingsRecordId":"h1"}`)

	res, err := f.resolver.Resolve(context.Background(), request("central", domain.IdentifierHoldingsRecordID, "h1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "member-a", res.Records[0].Tenant)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, errors.CodeAffiliation, res.Errors[0].Code)
}

func TestResolve_CentralNoCandidates(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "central")
	_, err := f.resolver.Resolve(context.Background(), request("central", domain.IdentifierBarcode, "nope"))
	requireSkippable(t, err, errors.CodeNoMatch)
}

func TestResolve_UserRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	f.fake.Grant("diku", "u1", domain.EntityUser.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityUser, `{"id":"user-1","barcode":"B1"}`)

	failures := 2
	f.fake.FetchHook = func(string, domain.EntityType, string) error {
		if failures > 0 {
			failures--
			return fmt.Errorf("dial: %w", errors.ErrTransientTransport)
		}
		return nil
	}

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestResolve_UserRetryExhausted(t *testing.T) {
	f := newFixture(t, domain.EntityUser, "")
	f.fake.Grant("diku", "u1", domain.EntityUser.ReadPermission())

	calls := 0
	f.fake.FetchHook = func(string, domain.EntityType, string) error {
		calls++
		return fmt.Errorf("dial: %w", errors.ErrTransientTransport)
	}

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	requireSkippable(t, err, errors.CodeTransport)
	assert.Equal(t, 3, calls)
}

func TestResolve_NonUserDoesNotRetry(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "")
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())

	calls := 0
	f.fake.FetchHook = func(string, domain.EntityType, string) error {
		calls++
		return fmt.Errorf("dial: %w", errors.ErrTransientTransport)
	}

	_, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "B1"))
	requireSkippable(t, err, errors.CodeTransport)
	assert.Equal(t, 1, calls)
}

func TestResolve_ItemEnrichment(t *testing.T) {
	f := newFixture(t, domain.EntityItem, "")
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"i1","barcode":"X1","holdingsRecordId":"h1"}`)
	f.fake.AddRecord("diku", domain.EntityHolding, `{"id":"h1","instanceId":"in1","permanentLocation":{"name":"Main"},"callNumber":"QA 76"}`)
	f.fake.AddRecord("diku", domain.EntityInstance, `{"id":"in1","title":"Go in Action"}`)

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierBarcode, "X1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Go in Action", res.Records[0].Get("title").String())
	assert.Equal(t, "Main > QA 76", res.Records[0].Get("holdingsData").String())
}

func TestResolve_EnrichmentFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, domain.EntityHolding, "")
	f.fake.Grant("diku", "u1", domain.EntityHolding.ReadPermission())
	f.fake.AddRecord("diku", domain.EntityHolding, `{"id":"h1","hrid":"ho1","instanceId":"gone"}`)

	res, err := f.resolver.Resolve(context.Background(), request("diku", domain.IdentifierHRID, "ho1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.False(t, res.Records[0].Get("instanceTitle").Exists())
}
