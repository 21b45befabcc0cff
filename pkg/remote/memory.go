package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// InMemory implements every collaborator over in-process data. It understands the
// field==value queries built by domain.Identifier.Query.
type InMemory struct {
	mu           sync.Mutex
	records      map[string]map[domain.EntityType][]json.RawMessage
	marc         map[string][]byte
	permissions  map[string]map[string]map[string]bool
	affiliations map[string][]string

	// FetchHook, when set, may fail a fetch before it is served
	FetchHook func(tenant string, kind domain.EntityType, query string) error

	// UpdateHook, when set, may fail an update before it is applied
	UpdateHook func(tenant string, record json.RawMessage) error

	fetchCalls int
	updates    []Update
}

// Update is one recorded write
type Update struct {
	Tenant string
	Kind   domain.EntityType
	Record json.RawMessage
	Marc   bool
}

var (
	_ RecordClient      = (*InMemory)(nil)
	_ PermissionChecker = (*InMemory)(nil)
	_ AffiliationLookup = (*InMemory)(nil)
	_ ConsortiumIndex   = (*InMemory)(nil)
	_ MarcClient        = (*InMemory)(nil)
)

// NewInMemory creates an empty fake
func NewInMemory() *InMemory {
	return &InMemory{
		records:      make(map[string]map[domain.EntityType][]json.RawMessage),
		marc:         make(map[string][]byte),
		permissions:  make(map[string]map[string]map[string]bool),
		affiliations: make(map[string][]string),
	}
}

// Collaborators returns the fake wired into every slot
func (m *InMemory) Collaborators() Collaborators {
	return Collaborators{Records: m, Permissions: m, Affiliations: m, Consortium: m, Marc: m}
}

// AddRecord stores an entity document in a tenant
func (m *InMemory) AddRecord(tenant string, kind domain.EntityType, doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[tenant] == nil {
		m.records[tenant] = make(map[domain.EntityType][]json.RawMessage)
	}
	m.records[tenant][kind] = append(m.records[tenant][kind], json.RawMessage(doc))
}

// AddMarc stores the MARC source of an instance
func (m *InMemory) AddMarc(tenant, instanceID string, record []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marc[tenant+"/"+instanceID] = record
}

// Grant gives a user permissions on a tenant
func (m *InMemory) Grant(tenant, userID string, permissions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permissions[tenant] == nil {
		m.permissions[tenant] = make(map[string]map[string]bool)
	}
	if m.permissions[tenant][userID] == nil {
		m.permissions[tenant][userID] = make(map[string]bool)
	}
	for _, p := range permissions {
		m.permissions[tenant][userID][p] = true
	}
}

// Affiliate links a user with tenants
func (m *InMemory) Affiliate(userID string, tenants ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.affiliations[userID] = append(m.affiliations[userID], tenants...)
}

// FetchCalls returns the number of Fetch calls served
func (m *InMemory) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// Updates returns the recorded writes
func (m *InMemory) Updates() []Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Update(nil), m.updates...)
}

// Record returns the current document with the given id, if any
func (m *InMemory) Record(tenant string, kind domain.EntityType, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.records[tenant][kind] {
		if gjson.GetBytes(doc, "id").String() == id {
			return doc, true
		}
	}
	return nil, false
}

func (m *InMemory) Fetch(ctx context.Context, tenant string, kind domain.EntityType, query string, limit int) (RecordPage, error) {
	if m.FetchHook != nil {
		if err := m.FetchHook(tenant, kind, query); err != nil {
			return RecordPage{}, err
		}
	}
	field, value, err := parseQuery(query)
	if err != nil {
		return RecordPage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++

	var page RecordPage
	for _, doc := range m.records[tenant][kind] {
		if matches(doc, field, value) {
			page.TotalRecords++
			if limit <= 0 || len(page.Records) < limit {
				page.Records = append(page.Records, doc)
			}
		}
	}
	return page, nil
}

func (m *InMemory) Update(ctx context.Context, tenant string, kind domain.EntityType, record json.RawMessage) error {
	if m.UpdateHook != nil {
		if err := m.UpdateHook(tenant, record); err != nil {
			return err
		}
	}
	id := gjson.GetBytes(record, "id").String()

	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.records[tenant][kind]
	for i, doc := range docs {
		if gjson.GetBytes(doc, "id").String() == id {
			docs[i] = record
			m.updates = append(m.updates, Update{Tenant: tenant, Kind: kind, Record: record})
			return nil
		}
	}
	return fmt.Errorf("update %s %s: %w", kind, id, errors.ErrNotFound)
}

func (m *InMemory) HasPermission(ctx context.Context, tenant, userID, permission string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permissions[tenant][userID][permission], nil
}

func (m *InMemory) Affiliations(ctx context.Context, centralTenant, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.affiliations[userID]...), nil
}

func (m *InMemory) Locate(ctx context.Context, centralTenant string, kind domain.EntityType, field, value string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tenants []string
	for tenant, kinds := range m.records {
		for _, doc := range kinds[kind] {
			if matches(doc, field, value) {
				tenants = append(tenants, tenant)
				break
			}
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (m *InMemory) FetchMarc(ctx context.Context, tenant, instanceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.marc[tenant+"/"+instanceID]
	if !ok {
		return nil, fmt.Errorf("marc %s: %w", instanceID, errors.ErrNotFound)
	}
	return rec, nil
}

func (m *InMemory) UpdateMarc(ctx context.Context, tenant, instanceID string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marc[tenant+"/"+instanceID] = record
	m.updates = append(m.updates, Update{Tenant: tenant, Kind: domain.EntityInstance, Record: json.RawMessage(fmt.Sprintf("{\"id\":%q}", instanceID)), Marc: true})
	return nil
}

func parseQuery(query string) (string, string, error) {
	field, value, ok := strings.Cut(query, "==")
	if !ok {
		return "", "", fmt.Errorf("unsupported query %q", query)
	}
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		value = value[1 : len(value)-1]
	}
	return field, strings.ReplaceAll(value, `\"`, `"`), nil
}

func matches(doc json.RawMessage, field, value string) bool {
	res := gjson.GetBytes(doc, field)
	if res.IsArray() {
		for _, v := range res.Array() {
			if v.String() == value {
				return true
			}
		}
		return false
	}
	return res.Exists() && res.String() == value
}
