package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/api"
	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/regeneration"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	router  *gin.Engine
	store   *auditledger.MemoryStore
	ledger  *auditledger.Ledger
	engine  *metrics.Engine
	monitor *monitor.Service
	tokens  *identity.AdminTokenIssuer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store := auditledger.NewMemoryStore()
	ledger, err := auditledger.New(context.Background(), store, auditledger.Config{MaxFindLimit: 500}, logger)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ledger.SetClock(clk)

	engine, err := metrics.NewEngine(metrics.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(clk)

	regen, err := regeneration.New(regeneration.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("new regeneration: %v", err)
	}
	regen.SetClock(clk)

	mon, err := monitor.New(engine, monitor.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	mon.SetClock(clk)

	tokens, err := identity.NewAdminTokenIssuer(testSecret, "trustd", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	engine.SetAuthorizer(tokens)

	gov := governance.NewService(ledger, engine, regen, mon, logger)
	gov.SetClock(clk)

	lh := api.NewLedgerHandler(ledger, gov, logger)
	lh.SetAdminTokens(tokens)
	th := api.NewTrustHandler(engine, regen, mon, logger)
	th.SetAdminTokens(tokens)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	router := api.NewRouter(api.RouterConfig{Done: done}, logger, lh, th)

	return &fixture{router: router, store: store, ledger: ledger, engine: engine, monitor: mon, tokens: tokens}
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := f.tokens.Issue("ops", []string{identity.ScopeAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthz_200(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestMetrics_200(t *testing.T) {
	f := setup(t)
	f.do(http.MethodGet, "/healthz", "", nil)
	w := f.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "trustcore_requests_total") {
		t.Error("expected trustcore_requests_total in metrics output")
	}
}

func TestLedgerOverview_emptyThenGrows(t *testing.T) {
	f := setup(t)

	var head auditledger.TreeHead
	decode(t, f.do(http.MethodGet, "/api/v1/ledger", "", nil), &head)
	if head.TreeSize != 0 || head.RootHash != "" {
		t.Fatalf("expected empty tree, got %+v", head)
	}

	if _, err := f.ledger.LogEvent(context.Background(), "agent-1", auditledger.EventClaimCreated, "issuer", nil, nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger", "", nil), &head)
	if head.TreeSize != 1 || len(head.RootHash) != 64 {
		t.Errorf("expected one leaf, got %+v", head)
	}
}

func TestLedgerEventAndVerify(t *testing.T) {
	f := setup(t)
	ev, err := f.ledger.LogEvent(context.Background(), "agent-1", auditledger.EventPolicyCreated, "admin", map[string]any{"policy": "p1"}, nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	w := f.do(http.MethodGet, "/api/v1/ledger/events/"+ev.EventID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var got auditledger.AuditEvent
	decode(t, w, &got)
	if got.EventID != ev.EventID || got.MerkleProof.RootHash != ev.MerkleProof.RootHash {
		t.Errorf("unexpected event %+v", got)
	}

	w = f.do(http.MethodGet, "/api/v1/ledger/events/"+ev.EventID+"/verify", "", nil)
	var res auditledger.VerificationResult
	decode(t, w, &res)
	if w.Code != http.StatusOK || !res.Valid {
		t.Errorf("verify: code %d, result %+v", w.Code, res)
	}
}

func TestLedgerEvent_404(t *testing.T) {
	f := setup(t)
	for _, path := range []string{
		"/api/v1/ledger/events/missing",
		"/api/v1/ledger/events/missing/verify",
	} {
		if w := f.do(http.MethodGet, path, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestLedgerVerify_tamperedIs200Invalid(t *testing.T) {
	f := setup(t)
	ev, err := f.ledger.LogEvent(context.Background(), "agent-1", auditledger.EventClaimVerified, "issuer", nil, nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := f.store.Tamper(ev.EventID, func(e *auditledger.AuditEvent) { e.ActorID = "mallory" }); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	w := f.do(http.MethodGet, "/api/v1/ledger/events/"+ev.EventID+"/verify", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res auditledger.VerificationResult
	decode(t, w, &res)
	if res.Valid || res.Reason != auditledger.ReasonLeafMismatch {
		t.Errorf("got valid=%t reason=%q", res.Valid, res.Reason)
	}
}

func TestLedgerFindEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for _, typ := range []auditledger.EventType{auditledger.EventClaimCreated, auditledger.EventClaimVerified, auditledger.EventClaimCreated} {
		if _, err := f.ledger.LogEvent(ctx, "agent-1", typ, "issuer", nil, nil); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if _, err := f.ledger.LogEvent(ctx, "agent-2", auditledger.EventClaimCreated, "issuer", nil, nil); err != nil {
		t.Fatalf("log: %v", err)
	}

	tests := []struct {
		query string
		code  int
		count int
	}{
		{"", http.StatusOK, 4},
		{"?entity_id=agent-1", http.StatusOK, 3},
		{"?entity_id=agent-1&event_type=CLAIM_CREATED", http.StatusOK, 2},
		{"?limit=1", http.StatusOK, 1},
		{"?event_type=BOGUS", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
		{"?start=yesterday", http.StatusBadRequest, 0},
		{"?start=2026-03-02T00:00:00Z&end=2026-03-01T00:00:00Z", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.do(http.MethodGet, "/api/v1/ledger/events"+tt.query, "", nil)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Count int `json:"count"`
			}
			decode(t, w, &resp)
			if resp.Count != tt.count {
				t.Errorf("expected %d events, got %d", tt.count, resp.Count)
			}
		})
	}

	var trail struct {
		Count int `json:"count"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/ledger/entities/agent-2/trail", "", nil), &trail)
	if trail.Count != 1 {
		t.Errorf("trail: expected 1 event, got %d", trail.Count)
	}
}

func TestRecordAction_requiresAdmin(t *testing.T) {
	f := setup(t)
	body := governance.Action{EntityID: "agent-1", EventType: auditledger.EventClaimVerified, ActorID: "issuer"}

	if w := f.do(http.MethodPost, "/api/v1/actions", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/actions", "not-a-jwt", body); w.Code != http.StatusForbidden {
		t.Errorf("bad token: expected 403, got %d", w.Code)
	}

	readOnly, _ := f.tokens.Issue("viewer", []string{"trust:read"})
	if w := f.do(http.MethodPost, "/api/v1/actions", readOnly, body); w.Code != http.StatusForbidden {
		t.Errorf("missing scope: expected 403, got %d", w.Code)
	}
}

func TestRecordAction_201(t *testing.T) {
	f := setup(t)
	body := governance.Action{EntityID: "agent-1", EventType: auditledger.EventClaimVerified, ActorID: "issuer"}

	w := f.do(http.MethodPost, "/api/v1/actions", f.adminToken(t), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out governance.Outcome
	decode(t, w, &out)
	if out.Event == nil || out.Record == nil {
		t.Fatalf("expected event and record, got %+v", out)
	}
	if out.Record.Dimensions[governance.DimensionVerification] <= governance.InitialDimensionScore {
		t.Errorf("expected verification to regenerate above %v, got %v",
			governance.InitialDimensionScore, out.Record.Dimensions[governance.DimensionVerification])
	}

	if w := f.do(http.MethodGet, "/api/v1/trust/entities/agent-1", "", nil); w.Code != http.StatusOK {
		t.Errorf("entity: expected 200, got %d", w.Code)
	}
}

func TestRecordAction_400(t *testing.T) {
	f := setup(t)
	tok := f.adminToken(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing actor", governance.Action{EntityID: "agent-1", EventType: auditledger.EventClaimCreated}},
		{"unknown type", governance.Action{EntityID: "agent-1", EventType: "BOGUS", ActorID: "x"}},
		{"not json object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(http.MethodPost, "/api/v1/actions", tok, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestTrustEntity_404(t *testing.T) {
	f := setup(t)
	for _, path := range []string{
		"/api/v1/trust/entities/ghost",
		"/api/v1/trust/entities/ghost/history",
		"/api/v1/trust/entities/ghost/history?dimension=verification",
	} {
		if w := f.do(http.MethodGet, path, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestTrustHistory(t *testing.T) {
	f := setup(t)
	for _, v := range []float64{0.2, 0.4, 0.6} {
		if _, err := f.engine.CalculateEntityMetrics("agent-1", map[string]any{"verification": v}); err != nil {
			t.Fatalf("calculate: %v", err)
		}
	}

	var resp struct {
		History []metrics.DimensionPoint `json:"history"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/trust/entities/agent-1/history?dimension=verification&limit=2", "", nil), &resp)
	if len(resp.History) != 2 || resp.History[1].Score != 0.6 {
		t.Errorf("unexpected dimension history %+v", resp.History)
	}

	var agg struct {
		History []metrics.AggregatePoint `json:"history"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/trust/entities/agent-1/history", "", nil), &agg)
	if len(agg.History) != 3 {
		t.Errorf("expected 3 aggregate points, got %d", len(agg.History))
	}

	var list struct {
		Entities []string `json:"entities"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/trust/entities", "", nil), &list)
	if len(list.Entities) != 1 || list.Entities[0] != "agent-1" {
		t.Errorf("unexpected entity list %v", list.Entities)
	}
}

func TestAlerts_listAndResolve(t *testing.T) {
	f := setup(t)
	if _, err := f.engine.CalculateEntityMetrics("agent-1", map[string]any{"verification": 0.1}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	raised := f.monitor.CheckEntityTrust("agent-1")
	if len(raised) == 0 {
		t.Fatal("expected alerts for a low score")
	}

	var list struct {
		Alerts []monitor.Alert `json:"alerts"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/trust/alerts?level=critical&resolved=false", "", nil), &list)
	if len(list.Alerts) == 0 {
		t.Fatal("expected unresolved critical alerts")
	}
	id := list.Alerts[0].AlertID

	if w := f.do(http.MethodGet, "/api/v1/trust/alerts?level=severe", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/trust/alerts?resolved=maybe", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad resolved: expected 400, got %d", w.Code)
	}

	if w := f.do(http.MethodPost, "/api/v1/trust/alerts/"+id+"/resolve", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("resolve without token: expected 401, got %d", w.Code)
	}
	tok := f.adminToken(t)
	if w := f.do(http.MethodPost, "/api/v1/trust/alerts/"+id+"/resolve", tok, nil); w.Code != http.StatusOK {
		t.Errorf("resolve: expected 200, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/trust/alerts/nope/resolve", tok, nil); w.Code != http.StatusNotFound {
		t.Errorf("resolve missing: expected 404, got %d", w.Code)
	}

	var stats monitor.Stats
	decode(t, f.do(http.MethodGet, "/api/v1/trust/alerts/stats", "", nil), &stats)
	if stats.Total != len(raised) || stats.Unresolved != len(raised)-1 {
		t.Errorf("unexpected stats %+v (raised %d)", stats, len(raised))
	}
}

func TestConfig_patch(t *testing.T) {
	f := setup(t)
	patch := map[string]any{"dimension_weights": map[string]any{"verification": 2.0}}

	if w := f.do(http.MethodPatch, "/api/v1/trust/config", "", patch); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	w := f.do(http.MethodPatch, "/api/v1/trust/config", f.adminToken(t), patch)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := f.engine.Config().DimensionWeights["verification"]; got != 2.0 {
		t.Errorf("weight not applied, got %v", got)
	}

	bad := map[string]any{"max_dimension_history": 0}
	if w := f.do(http.MethodPatch, "/api/v1/trust/config", f.adminToken(t), bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid patch: expected 400, got %d", w.Code)
	}

	var cfg metrics.Config
	decode(t, f.do(http.MethodGet, "/api/v1/trust/config", "", nil), &cfg)
	if cfg.MaxDimensionHistory != 100 || cfg.DimensionWeights["verification"] != 2.0 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestAdminDisabled_503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine, err := metrics.NewEngine(metrics.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	mon, err := monitor.New(engine, monitor.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	regen, err := regeneration.New(regeneration.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	router := api.NewRouter(api.RouterConfig{}, zap.NewNop(), api.NewTrustHandler(engine, regen, mon, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/trust/config", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	done := make(chan struct{})
	defer close(done)

	r := gin.New()
	var limited []string
	r.Use(api.RateLimiter(api.RateLimitConfig{
		RPS:       1,
		Burst:     2,
		OnLimited: func(route string) { limited = append(limited, route) },
	}, done))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}
	if len(limited) != 1 || limited[0] != "/x" {
		t.Errorf("limited routes = %v, want [/x]", limited)
	}
}
