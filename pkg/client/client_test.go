package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/api"
	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/regeneration"
	"github.com/jmerrifield20/NexusTrustCore/pkg/client"
	"go.uber.org/zap"
)

type server struct {
	url    string
	tokens *identity.AdminTokenIssuer
	ledger *auditledger.Ledger
	engine *metrics.Engine
	mon    *monitor.Service
}

// startServer runs a trustd API backed by in-memory components.
func startServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	ledger, err := auditledger.New(context.Background(), auditledger.NewMemoryStore(), auditledger.Config{}, logger)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	engine, err := metrics.NewEngine(metrics.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	regen, err := regeneration.New(regeneration.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("regeneration: %v", err)
	}
	mon, err := monitor.New(engine, monitor.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	tokens, err := identity.NewAdminTokenIssuer("0123456789abcdef0123456789abcdef", "trustd", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	engine.SetAuthorizer(tokens)

	lh := api.NewLedgerHandler(ledger, governance.NewService(ledger, engine, regen, mon, logger), logger)
	lh.SetAdminTokens(tokens)
	th := api.NewTrustHandler(engine, regen, mon, logger)
	th.SetAdminTokens(tokens)

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{}, logger, lh, th))
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, tokens: tokens, ledger: ledger, engine: engine, mon: mon}
}

func (s *server) admin(t *testing.T) client.Option {
	t.Helper()
	tok, err := s.tokens.Issue("trustctl", []string{identity.ScopeAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return client.WithBearerToken(tok)
}

func TestNew_rejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://x"} {
		if _, err := client.New(raw); err == nil {
			t.Errorf("New(%q): expected error", raw)
		}
	}
	if _, err := client.New("http://localhost:8080", client.WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := client.New(s.url, s.admin(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	out, err := c.RecordAction(ctx, governance.Action{
		EntityID:  "agent-7",
		EventType: auditledger.EventClaimVerified,
		ActorID:   "issuer-1",
		Data:      map[string]any{"claim_id": "c-1"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out.Event == nil || out.Record == nil {
		t.Fatalf("expected event and record, got %+v", out)
	}

	head, err := c.TreeHead(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.TreeSize != 1 || head.RootHash != out.Event.MerkleProof.RootHash {
		t.Errorf("unexpected head %+v", head)
	}

	ev, err := c.GetEvent(ctx, out.Event.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ev.EntityID != "agent-7" || ev.EventData["claim_id"] != "c-1" {
		t.Errorf("unexpected event %+v", ev)
	}

	res, err := c.VerifyEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Errorf("expected valid, got reason %q", res.Reason)
	}

	events, err := c.FindEvents(ctx, client.EventQuery{EntityID: "agent-7", EventType: "CLAIM_VERIFIED", Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}

	trail, err := c.EntityTrail(ctx, "agent-7", 5)
	if err != nil || len(trail) != 1 {
		t.Errorf("trail: %v, %d events", err, len(trail))
	}

	rec, err := c.Entity(ctx, "agent-7")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if rec.TrustScore <= 0 {
		t.Errorf("expected positive trust, got %v", rec.TrustScore)
	}
}

func TestErrors(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()
	anon, _ := client.New(s.url)

	if _, err := anon.GetEvent(ctx, "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("get missing: expected ErrNotFound, got %v", err)
	}
	if _, err := anon.VerifyEvent(ctx, "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("verify missing: expected ErrNotFound, got %v", err)
	}
	if _, err := anon.RecordAction(ctx, governance.Action{EntityID: "a", EventType: auditledger.EventClaimCreated, ActorID: "b"}); !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("anonymous write: expected ErrUnauthorized, got %v", err)
	}

	_, err := anon.FindEvents(ctx, client.EventQuery{EventType: "BOGUS"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("bad filter: expected 400 APIError, got %v", err)
	}
}

func TestAlertsAndConfig(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()
	c, _ := client.New(s.url, s.admin(t))

	if _, err := s.engine.CalculateEntityMetrics("agent-9", map[string]any{"verification": 0.1}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	s.mon.CheckEntityTrust("agent-9")

	open := false
	alerts, err := c.Alerts(ctx, client.AlertQuery{EntityID: "agent-9", Resolved: &open})
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) == 0 {
		t.Fatal("expected open alerts")
	}
	if err := c.ResolveAlert(ctx, alerts[0].AlertID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.ResolveAlert(ctx, "nope"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("resolve missing: expected ErrNotFound, got %v", err)
	}

	st, err := c.AlertStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Unresolved != st.Total-1 {
		t.Errorf("unexpected stats %+v", st)
	}

	cfg, err := c.PatchConfig(ctx, map[string]any{"retention_days": 30})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("expected retention 30, got %d", cfg.RetentionDays)
	}
	got, err := c.Config(ctx)
	if err != nil || got.RetentionDays != 30 {
		t.Errorf("config: %v, %+v", err, got)
	}
}

func TestStubServer_plainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.TreeHead(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}
