// Command trustd runs the governance trust and audit core: the audit ledger,
// the trust metrics engine, regeneration, monitoring and the operational
// HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/NexusTrustCore/internal/api"
	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/decay"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/internal/telemetry"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/regeneration"
	"github.com/jmerrifield20/NexusTrustCore/migrations"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	found, cfgErr := loadConfig()

	logger, err := newLogger(viper.GetBool("log.development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if cfgErr != nil {
		logger.Fatal("trustd config error", zap.Error(cfgErr))
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	if err := run(logger); err != nil {
		logger.Fatal("trustd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	startCtx := context.Background()

	// ── Audit ledger ─────────────────────────────────────────────────────────
	store, closeStore, err := openStore(startCtx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger, err := auditledger.New(startCtx, store, auditledger.Config{
		LedgerID:             viper.GetString("ledger.id"),
		DefaultRetentionDays: viper.GetInt("ledger.retention_days"),
		MaxFindLimit:         viper.GetInt("ledger.find_limit_max"),
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	ledger.SetAppendRecord(func(t auditledger.EventType, size int) {
		telemetry.RecordLedgerAppend(string(t), size)
	})
	telemetry.SetLedgerTreeSize(ledger.ExportMerkleTree().TreeSize)

	// ── Decay engine notifications ───────────────────────────────────────────
	notifier, closeNotifier, err := openNotifier(logger)
	if err != nil {
		return err
	}
	defer closeNotifier()
	ledger.SetDecayNotifier(notifier)

	// ── Admin tokens ─────────────────────────────────────────────────────────
	var tokens *identity.AdminTokenIssuer
	if secret := viper.GetString("admin.token_secret"); secret != "" {
		tokens, err = identity.NewAdminTokenIssuer(secret, viper.GetString("admin.token_issuer"), viper.GetDuration("admin.token_ttl"))
		if err != nil {
			return fmt.Errorf("admin tokens: %w", err)
		}
	} else {
		logger.Warn("admin.token_secret not set; admin API disabled")
	}

	// ── Trust core ───────────────────────────────────────────────────────────
	// Built-in plugins are registered up front so metrics.scorers can name them.
	engine, err := metrics.NewEngine(metricsConfig(), logger,
		metrics.WithPlugin("inverse", metrics.Inverse{}),
	)
	if err != nil {
		return fmt.Errorf("metrics engine: %w", err)
	}
	engine.SetCalculateRecord(telemetry.RecordTrustCalculation)
	if tokens != nil {
		engine.SetAuthorizer(tokens)
	}

	regenCfg, err := regenerationConfig()
	if err != nil {
		return err
	}
	regen, err := regeneration.New(regenCfg, logger)
	if err != nil {
		return fmt.Errorf("regeneration: %w", err)
	}
	regen.SetRecord(func(t regeneration.Type, gain float64) {
		telemetry.RecordRegeneration(string(t), gain)
	})

	monCfg, err := monitorConfig()
	if err != nil {
		return err
	}
	mon, err := monitor.New(engine, monCfg, logger)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	mon.SetAlertRecord(func(level monitor.Level, resolved bool) {
		telemetry.RecordAlert(string(level), resolved)
	})

	gov := governance.NewService(ledger, engine, regen, mon, logger)

	// ── HTTP router ──────────────────────────────────────────────────────────
	done := make(chan struct{})

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	ledgerHandler := api.NewLedgerHandler(ledger, gov, logger)
	ledgerHandler.SetAdminTokens(tokens)
	trustHandler := api.NewTrustHandler(engine, regen, mon, logger)
	trustHandler.SetAdminTokens(tokens)

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins:  viper.GetStringSlice("http.cors_origins"),
		RateLimitRPS: viper.GetInt("http.rate_limit_rps"),
		Done:         done,
	}, logger, ledgerHandler, trustHandler)

	// ── Background loops ─────────────────────────────────────────────────────
	go mon.Start(done)

	go every(viper.GetDuration("metrics.prune_interval"), done, func() {
		engine.PruneOldHistory()
	})

	go every(viper.GetDuration("ledger.cleanup_interval"), done, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := ledger.Cleanup(ctx); err != nil {
			logger.Warn("audit retention cleanup error", zap.Error(err))
		}
	})

	idleAfter := viper.GetDuration("regeneration.idle_after")
	go every(viper.GetDuration("regeneration.idle_recovery_interval"), done, func() {
		if n := gov.RecoverIdleEntities(idleAfter); n > 0 {
			mon.CheckAll()
		}
	})

	go every(time.Minute, done, func() {
		st := mon.Stats()
		for level, n := range st.ByLevel {
			telemetry.SetOpenAlerts(string(level), n)
		}
	})

	// ── HTTP server ──────────────────────────────────────────────────────────
	httpPort := viper.GetInt("http.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("trustd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down trustd...")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	head := ledger.ExportMerkleTree()
	logger.Info("trustd stopped",
		zap.Int("tree_size", head.TreeSize),
		zap.String("root", head.RootHash),
	)
	return nil
}

// openStore builds the ledger store selected by ledger.store.
func openStore(ctx context.Context, logger *zap.Logger) (auditledger.Store, func(), error) {
	ledgerID := viper.GetString("ledger.id")

	switch kind := viper.GetString("ledger.store"); kind {
	case "memory":
		logger.Warn("audit ledger is in-memory; events are lost on restart")
		s := auditledger.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil

	case "sqlite":
		path := viper.GetString("ledger.sqlite_path")
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := auditledger.NewSQLiteStore(path, ledgerID, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("audit ledger using sqlite", zap.String("path", path))
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		db, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		if viper.GetBool("database.auto_migrate") {
			if _, err := migrations.Apply(ctx, db, logger); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return auditledger.NewPostgresStore(db, ledgerID, logger), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger.store %q (want memory, sqlite or postgres)", kind)
	}
}

// openNotifier builds the decay notifier selected by decay.mode, wrapped in
// an asynchronous Dispatcher.
func openNotifier(logger *zap.Logger) (decay.Notifier, func(), error) {
	var (
		next    decay.Notifier
		closeFn = func() {}
	)
	switch mode := viper.GetString("decay.mode"); mode {
	case "noop":
		next = decay.NewNoopNotifier(logger)
	case "queue":
		pub := decay.NewQueuePublisher(
			viper.GetString("decay.redis_addr"),
			viper.GetString("decay.redis_password"),
			viper.GetInt("decay.redis_db"),
			viper.GetString("decay.queue"),
			logger,
		)
		next = pub
		closeFn = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("decay queue close", zap.Error(err))
			}
		}
		logger.Info("decay notifications via queue",
			zap.String("redis_addr", viper.GetString("decay.redis_addr")),
			zap.String("queue", viper.GetString("decay.queue")),
		)
	default:
		return nil, nil, fmt.Errorf("unknown decay.mode %q (want noop or queue)", mode)
	}

	d := decay.NewDispatcher(next, decay.DispatcherConfig{
		Buffer:        viper.GetInt("decay.buffer"),
		RatePerSecond: viper.GetFloat64("decay.rate_per_second"),
		Timeout:       viper.GetDuration("decay.timeout"),
	}, logger)
	d.SetResultRecord(telemetry.RecordDecayDelivery)

	return d, func() {
		d.Close()
		closeFn()
	}, nil
}

// every runs fn on a ticker until done is closed. A non-positive interval
// disables the loop.
func every(interval time.Duration, done <-chan struct{}, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-done:
			return
		}
	}
}
