package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned for 401 and 403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response that is neither 404 nor an auth failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trustd error %d: %s", e.StatusCode, e.Message)
}

// EventQuery selects events in FindEvents. Zero fields are omitted.
type EventQuery struct {
	EntityID  string
	EventType string
	ActorID   string
	Start     time.Time
	End       time.Time
	Limit     int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.EntityID != "" {
		v.Set("entity_id", q.EntityID)
	}
	if q.EventType != "" {
		v.Set("event_type", q.EventType)
	}
	if q.ActorID != "" {
		v.Set("actor_id", q.ActorID)
	}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// AlertQuery selects alerts in Alerts. A nil Resolved matches both states.
type AlertQuery struct {
	EntityID string
	Level    string
	Resolved *bool
	Limit    int
}

// Client talks to a trustd instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// New creates a Client for the trustd instance at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid trustd URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TreeHead returns the current Merkle root, tree size and last update time.
func (c *Client) TreeHead(ctx context.Context) (*auditledger.TreeHead, error) {
	var head auditledger.TreeHead
	if err := c.getJSON(ctx, "/api/v1/ledger", nil, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

// GetEvent returns one audit event.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*auditledger.AuditEvent, error) {
	var ev auditledger.AuditEvent
	if err := c.getJSON(ctx, "/api/v1/ledger/events/"+url.PathEscape(eventID), nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// FindEvents searches the ledger, newest first.
func (c *Client) FindEvents(ctx context.Context, q EventQuery) ([]*auditledger.AuditEvent, error) {
	var resp struct {
		Events []*auditledger.AuditEvent `json:"events"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/events", q.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// EntityTrail returns the most recent events of one entity.
func (c *Client) EntityTrail(ctx context.Context, entityID string, limit int) ([]*auditledger.AuditEvent, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var resp struct {
		Events []*auditledger.AuditEvent `json:"events"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/entities/"+url.PathEscape(entityID)+"/trail", q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// VerifyEvent asks the server to verify an event's inclusion proof. An
// integrity failure is a result with Valid=false, not an error.
func (c *Client) VerifyEvent(ctx context.Context, eventID string) (*auditledger.VerificationResult, error) {
	var res auditledger.VerificationResult
	if err := c.getJSON(ctx, "/api/v1/ledger/events/"+url.PathEscape(eventID)+"/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecordAction records a governance action. Requires an admin token.
func (c *Client) RecordAction(ctx context.Context, a governance.Action) (*governance.Outcome, error) {
	var out governance.Outcome
	if err := c.sendJSON(ctx, http.MethodPost, "/api/v1/actions", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entity returns an entity's current trust record.
func (c *Client) Entity(ctx context.Context, entityID string) (*metrics.EntityTrustRecord, error) {
	var rec metrics.EntityTrustRecord
	if err := c.getJSON(ctx, "/api/v1/trust/entities/"+url.PathEscape(entityID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Alerts lists alerts, newest first.
func (c *Client) Alerts(ctx context.Context, q AlertQuery) ([]monitor.Alert, error) {
	v := url.Values{}
	if q.EntityID != "" {
		v.Set("entity_id", q.EntityID)
	}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if q.Resolved != nil {
		v.Set("resolved", strconv.FormatBool(*q.Resolved))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp struct {
		Alerts []monitor.Alert `json:"alerts"`
	}
	if err := c.getJSON(ctx, "/api/v1/trust/alerts", v, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// AlertStats returns alert counts.
func (c *Client) AlertStats(ctx context.Context) (*monitor.Stats, error) {
	var st monitor.Stats
	if err := c.getJSON(ctx, "/api/v1/trust/alerts/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ResolveAlert resolves an alert by ID. Requires an admin token.
func (c *Client) ResolveAlert(ctx context.Context, alertID string) error {
	return c.sendJSON(ctx, http.MethodPost, "/api/v1/trust/alerts/"+url.PathEscape(alertID)+"/resolve", nil, nil)
}

// Config returns the live metrics engine configuration.
func (c *Client) Config(ctx context.Context) (*metrics.Config, error) {
	var cfg metrics.Config
	if err := c.getJSON(ctx, "/api/v1/trust/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PatchConfig deep-merges patch into the live configuration and returns the
// result. Requires an admin token.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any) (*metrics.Config, error) {
	var cfg metrics.Config
	if err := c.sendJSON(ctx, http.MethodPatch, "/api/v1/trust/config", patch, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do executes req, attaching the Bearer token if present, and decodes a
// successful body into out. out may be nil.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(body))
	case resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
