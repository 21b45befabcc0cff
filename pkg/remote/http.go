package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// TenantHeader carries the tenant on every request
const TenantHeader = "X-Okapi-Tenant"

// HTTPConfig configures the HTTP collaborator client
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// RetryMax is the number of transport level retries; 0 disables them
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// HTTPClient implements every collaborator interface over a REST gateway.
// Calls are guarded by a circuit breaker; an open breaker is reported as a transient failure.
type HTTPClient struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
}

var (
	_ RecordClient      = (*HTTPClient)(nil)
	_ PermissionChecker = (*HTTPClient)(nil)
	_ AffiliationLookup = (*HTTPClient)(nil)
	_ ConsortiumIndex   = (*HTTPClient)(nil)
	_ MarcClient        = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client. breaker may be nil to disable circuit breaking.
func NewHTTPClient(cfg HTTPConfig, breaker *concurrency.CircuitBreaker, logger *zap.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.Logger = &leveledLogger{logger: logger.Sugar()}
	// return the last response instead of a generic "giving up" error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  rc,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Collaborators returns the client wired into every slot
func (c *HTTPClient) Collaborators() Collaborators {
	return Collaborators{Records: c, Permissions: c, Affiliations: c, Consortium: c, Marc: c}
}

// Fetch runs a CQL query against one tenant
func (c *HTTPClient) Fetch(ctx context.Context, tenant string, kind domain.EntityType, query string, limit int) (RecordPage, error) {
	params := url.Values{}
	params.Set("query", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.do(ctx, http.MethodGet, tenant, resourcePath(kind)+"?"+params.Encode(), nil, "")
	if err != nil {
		return RecordPage{}, err
	}

	page := RecordPage{TotalRecords: int(gjson.GetBytes(body, "totalRecords").Int())}
	gjson.GetBytes(body, collectionKey(kind)).ForEach(func(_, value gjson.Result) bool {
		page.Records = append(page.Records, json.RawMessage(value.Raw))
		return true
	})
	if page.TotalRecords == 0 {
		page.TotalRecords = len(page.Records)
	}
	return page, nil
}

// Update replaces the record in the tenant
func (c *HTTPClient) Update(ctx context.Context, tenant string, kind domain.EntityType, record json.RawMessage) error {
	id := gjson.GetBytes(record, "id").String()
	if id == "" {
		return fmt.Errorf("record has no id")
	}
	_, err := c.do(ctx, http.MethodPut, tenant, resourcePath(kind)+"/"+url.PathEscape(id), record, "application/json")
	return err
}

// HasPermission checks the user's effective permissions on the tenant
func (c *HTTPClient) HasPermission(ctx context.Context, tenant, userID, permission string) (bool, error) {
	path := "/perms/users/" + url.PathEscape(userID) + "/permissions?indexField=userId&expanded=true"
	body, err := c.do(ctx, http.MethodGet, tenant, path, nil, "")
	if err != nil {
		return false, err
	}
	for _, name := range gjson.GetBytes(body, "permissionNames").Array() {
		if name.String() == permission {
			return true, nil
		}
	}
	return false, nil
}

// Affiliations lists the tenants the user belongs to
func (c *HTTPClient) Affiliations(ctx context.Context, centralTenant, userID string) ([]string, error) {
	path := "/user-tenants?limit=1000&userId=" + url.QueryEscape(userID)
	body, err := c.do(ctx, http.MethodGet, centralTenant, path, nil, "")
	if err != nil {
		return nil, err
	}
	return distinct(gjson.GetBytes(body, "userTenants.#.tenantId").Array()), nil
}

// Locate searches the consortium index for the tenants holding matching records
func (c *HTTPClient) Locate(ctx context.Context, centralTenant string, kind domain.EntityType, field, value string) ([]string, error) {
	params := url.Values{}
	params.Set(field, value)
	path := "/search/consortium/" + collectionKey(kind) + "?" + params.Encode()
	body, err := c.do(ctx, http.MethodGet, centralTenant, path, nil, "")
	if err != nil {
		return nil, err
	}
	return distinct(gjson.GetBytes(body, collectionKey(kind)+".#.tenantId").Array()), nil
}

// FetchMarc downloads the binary MARC source of an instance
func (c *HTTPClient) FetchMarc(ctx context.Context, tenant, instanceID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, tenant, "/marc-records/"+url.PathEscape(instanceID), nil, "")
}

// UpdateMarc replaces the binary MARC source of an instance
func (c *HTTPClient) UpdateMarc(ctx context.Context, tenant, instanceID string, record []byte) error {
	_, err := c.do(ctx, http.MethodPut, tenant, "/marc-records/"+url.PathEscape(instanceID), record, "application/marc")
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, tenant, path string, payload []byte, contentType string) ([]byte, error) {
	if c.breaker != nil && c.breaker.IsOpen() {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, errors.ErrTransientTransport, errors.ErrCircuitOpen)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(TenantHeader, tenant)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("X-Okapi-Token", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.recordFailure()
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, errors.ErrTransientTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s %s: read body: %w: %v", method, path, errors.ErrTransientTransport, err)
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		if errors.IsTransient(err) {
			c.recordFailure()
		} else {
			c.recordSuccess()
		}
		c.logger.Debug("Remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("tenant_id", tenant),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.recordSuccess()
	return data, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return errors.ErrNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return errors.ErrPermissionDenied
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", errors.ErrTransientTransport, status)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return fmt.Errorf("status %d: %s", status, msg)
}

func (c *HTTPClient) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *HTTPClient) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func distinct(values []gjson.Result) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		s := v.String()
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger *zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}
