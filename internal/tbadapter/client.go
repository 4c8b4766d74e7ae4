// Package tbadapter is the REST adapter for the ThingsBoard device
// platform. It resolves devices, reads and writes server attributes,
// creates alarms and pushes timeseries, handling admin authentication
// per account.
package tbadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"liftcloud/internal/accounts"
	"liftcloud/internal/observability/metrics"
)

// StatusError is a platform HTTP error with the upstream status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tbadapter: http %d: %s", e.Code, e.Body)
}

// Device is a platform device reference.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuthUser is the identity behind a platform user JWT.
type AuthUser struct {
	Authority  string
	CustomerID string
}

// Client talks to every configured platform account.
type Client struct {
	registry *accounts.Registry
	http     *resty.Client
	tokens   *tokenCache
	logger   *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the token-cache clock.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.tokens = newTokenCache(clock)
		}
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// NewClient constructs a Client over the account registry.
func NewClient(registry *accounts.Registry, logger *zap.Logger, opts ...Option) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("tbadapter: nil account registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		registry: registry,
		http: resty.New().
			SetTimeout(20 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		tokens: newTokenCache(systemClock{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// adminDo runs one admin-authenticated request against an account,
// re-logging in once when the platform rejects a stale token.
func (c *Client) adminDo(ctx context.Context, account string, operation string, fn func(token string, acc accounts.Account) (*resty.Response, error)) error {
	acc := c.registry.Resolve(account)
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.adminToken(ctx, acc)
		if err != nil {
			metrics.IncPlatformError(operation)
			return err
		}
		resp, err := fn(token, acc)
		if err != nil {
			metrics.IncPlatformError(operation)
			return fmt.Errorf("tbadapter: %s: %w", operation, err)
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.tokens.invalidate(acc.ID)
			continue
		}
		if resp.IsError() {
			metrics.IncPlatformError(operation)
			return &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
		}
		return nil
	}
	metrics.IncPlatformError(operation)
	return &StatusError{Code: 401, Body: "token refresh failed"}
}

type deviceResponse struct {
	ID   entityID `json:"id"`
	Name string   `json:"name"`
}

type entityID struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

// DeviceIDByName looks a device up by its platform name.
func (c *Client) DeviceIDByName(ctx context.Context, account, deviceName string) (string, error) {
	var result deviceResponse
	err := c.adminDo(ctx, account, "device_lookup", func(token string, acc accounts.Account) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Authorization", "Bearer "+token).
			SetQueryParam("deviceName", deviceName).
			SetResult(&result).
			Get(acc.BaseURL + "/api/tenant/devices")
	})
	if err != nil {
		return "", err
	}
	if result.ID.ID == "" {
		return "", fmt.Errorf("tbadapter: device %q not found", deviceName)
	}
	return result.ID.ID, nil
}

type attributeItem struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ServerScopeAttributes reads a device's server-scope attributes.
func (c *Client) ServerScopeAttributes(ctx context.Context, account, deviceID string) (map[string]any, error) {
	var items []attributeItem
	err := c.adminDo(ctx, account, "attributes_read", func(token string, acc accounts.Account) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Authorization", "Bearer "+token).
			SetResult(&items).
			Get(acc.BaseURL + "/api/plugins/telemetry/DEVICE/" + deviceID + "/values/attributes/SERVER_SCOPE")
	})
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]any, len(items))
	for _, item := range items {
		attrs[item.Key] = item.Value
	}
	return attrs, nil
}

// SetServerAttributes writes server-scope attributes on a device.
func (c *Client) SetServerAttributes(ctx context.Context, account, deviceID string, attrs map[string]any) error {
	return c.adminDo(ctx, account, "attributes_write", func(token string, acc accounts.Account) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Authorization", "Bearer "+token).
			SetBody(attrs).
			Post(acc.BaseURL + "/api/plugins/telemetry/DEVICE/" + deviceID + "/attributes/SERVER_SCOPE")
	})
}

// CreateAlarm raises an active unacknowledged alarm on a device.
func (c *Client) CreateAlarm(ctx context.Context, account, deviceID, alarmType, severity string, details map[string]any) error {
	body := map[string]any{
		"originator": map[string]any{"entityType": "DEVICE", "id": deviceID},
		"type":       alarmType,
		"severity":   severity,
		"status":     "ACTIVE_UNACK",
		"details":    details,
	}
	return c.adminDo(ctx, account, "alarm_create", func(token string, acc accounts.Account) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Authorization", "Bearer "+token).
			SetBody(body).
			Post(acc.BaseURL + "/api/alarm")
	})
}

// WriteTimeseries pushes timeseries values for a device at a timestamp.
func (c *Client) WriteTimeseries(ctx context.Context, account, deviceID string, tsMillis int64, values map[string]any) error {
	body := map[string]any{"ts": tsMillis, "values": values}
	return c.adminDo(ctx, account, "timeseries_write", func(token string, acc accounts.Account) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Authorization", "Bearer "+token).
			SetBody(body).
			Post(acc.BaseURL + "/api/plugins/telemetry/DEVICE/" + deviceID + "/timeseries/ANY")
	})
}

type authUserResponse struct {
	Authority  string   `json:"authority"`
	CustomerID entityID `json:"customerId"`
}

// userGet runs one request authenticated with a caller-supplied user JWT
// and decodes the response into out. Platform errors surface as
// StatusError so handlers can pass the upstream status through.
func (c *Client) userGet(ctx context.Context, acc accounts.Account, userJWT, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Authorization", "Bearer "+userJWT).
		SetQueryParams(params).
		SetResult(out).
		Get(acc.BaseURL + path)
	if err != nil {
		return fmt.Errorf("tbadapter: GET %s: %w", path, err)
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

// CurrentUser resolves the identity behind a user JWT.
func (c *Client) CurrentUser(ctx context.Context, account, userJWT string) (AuthUser, error) {
	acc := c.registry.Resolve(account)
	var result authUserResponse
	if err := c.userGet(ctx, acc, userJWT, "/api/auth/user", nil, &result); err != nil {
		return AuthUser{}, err
	}
	return AuthUser{Authority: result.Authority, CustomerID: result.CustomerID.ID}, nil
}

type devicePage struct {
	Data    []deviceResponse `json:"data"`
	HasNext bool             `json:"hasNext"`
}

// UserDevices lists every device visible to the user behind the JWT.
// Tenant admins see the tenant's devices, customer users their
// customer's, anyone else their directly assigned devices.
func (c *Client) UserDevices(ctx context.Context, account, userJWT string) ([]Device, error) {
	acc := c.registry.Resolve(account)
	user, err := c.CurrentUser(ctx, account, userJWT)
	if err != nil {
		return nil, err
	}

	path := "/api/user/devices"
	switch {
	case user.Authority == "TENANT_ADMIN":
		path = "/api/tenant/devices"
	case user.CustomerID != "":
		path = "/api/customer/" + user.CustomerID + "/devices"
	}

	var devices []Device
	for page := 0; ; page++ {
		var chunk devicePage
		params := map[string]string{
			"page":     fmt.Sprintf("%d", page),
			"pageSize": "100",
		}
		if err := c.userGet(ctx, acc, userJWT, path, params, &chunk); err != nil {
			return nil, err
		}
		for _, d := range chunk.Data {
			if d.ID.ID == "" || d.Name == "" {
				continue
			}
			devices = append(devices, Device{ID: d.ID.ID, Name: d.Name})
		}
		if !chunk.HasNext {
			break
		}
	}
	return devices, nil
}
