package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawee/sidecar/pkg/alert"
	"github.com/clawee/sidecar/pkg/approval"
	"github.com/clawee/sidecar/pkg/attestation"
	"github.com/clawee/sidecar/pkg/audit"
	"github.com/clawee/sidecar/pkg/budget"
	"github.com/clawee/sidecar/pkg/gate"
	"github.com/clawee/sidecar/pkg/hardening"
	"github.com/clawee/sidecar/pkg/invariant"
	"github.com/clawee/sidecar/pkg/metrics"
	"github.com/clawee/sidecar/pkg/pipeline"
	"github.com/clawee/sidecar/pkg/ratelimit"
	"github.com/clawee/sidecar/pkg/replay"
	"github.com/clawee/sidecar/pkg/store"
	"github.com/clawee/sidecar/pkg/stream"
	"github.com/clawee/sidecar/pkg/telemetry"
)

// Testable variables for main(), grounded on the same pattern
// cmd/migrator uses: swap the injection points in tests rather than
// exercising real I/O.
var (
	logFatalf       = log.Fatalf
	openEmbeddedFn  = store.OpenEmbedded
	initTelemetryFn = telemetry.Init
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logFatalf("sidecar: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "sidecar",
		Environment:           cfg.Environment,
		StrictProdSecurity:    os.Getenv("STRICT_PROD_SECURITY"),
		DatabaseRequireTLS:    os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:       os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		CatalogAllowUnsigned:  os.Getenv("CATALOG_ALLOW_UNSIGNED"),
		CatalogSigningPresent: cfg.Keyring != nil || len(cfg.StaticKey) > 0,
	}); err != nil {
		return err
	}

	shutdownTracing, err := initTelemetryFn(ctx, "clawee-sidecar")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	invariants := invariant.NewRegistry()

	catalogs, err := loadCatalogSet(cfg, invariants)
	if err != nil {
		return err
	}

	db, err := openEmbeddedFn()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyEmbeddedSchema(db); err != nil {
		return err
	}

	replayBackend, closeReplay, err := openReplayBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeReplay()
	replayStore := replay.NewStore(replayBackend)
	replayStore.Warn = func(msg string) { slog.Warn("replay ttl floor", "detail", msg) }
	replayStore.Invariants = invariants

	var alertLimiter ratelimit.Limiter = ratelimit.NewInMemory(time.Minute)
	if os.Getenv("REDIS_ADDR") != "" {
		redisClient, err := store.NewRedis(ctx)
		if err != nil {
			return fmt.Errorf("connect redis for alert rate limiting: %w", err)
		}
		defer redisClient.Close()
		alertLimiter = ratelimit.NewRedis(redisClient, time.Minute)
	}

	srv := buildServer(cfg, catalogs, db, replayStore, invariants, alertLimiter)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("sidecar listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildServer wires every package-level component into a sidecarServer.
// Split from run() so tests can construct one against an in-memory
// embedded store without opening a listener.
func buildServer(cfg Config, catalogs *catalogSet, db *sql.DB, replayStore *replay.Store, invariants *invariant.Registry, alertLimiter ratelimit.Limiter) *sidecarServer {
	egress := gate.NewEgress(gate.EgressPolicy{
		Mode:         gate.EgressMode(cfg.EgressMode),
		AllowedHosts: cfg.EgressAllowedHosts,
	})

	approvalService := approval.NewService(&approval.SQLiteStore{DB: db})
	budgetController := budget.NewController(&budget.SQLiteStore{DB: db}, budget.Caps{
		HourlyUSD: cfg.BudgetHourlyCapUSD,
		DailyUSD:  cfg.BudgetDailyCapUSD,
	})

	pipe := &pipeline.Pipeline{
		Catalogs: pipeline.Catalogs{
			Policy:         catalogs.Policy,
			Capability:     catalogs.Capability,
			ModelRegistry:  catalogs.ModelRegistry,
			ApprovalPolicy: catalogs.ApprovalPolicy,
			Pricing:        catalogs.Pricing,
		},
		Egress:      egress,
		Approval:    approvalService,
		Budget:      budgetController,
		Invariants:  invariants,
		Now:         time.Now,
		ApprovalTTL: cfg.ApprovalTTL,
		Replay:      replayStore,
		ReplayTTL:   cfg.ReplayEventKeyTTL,
	}

	hub := stream.NewHub()
	if alertLimiter == nil {
		alertLimiter = ratelimit.NewInMemory(time.Minute)
	}
	notifier := alert.NewNotifier(hub, alertLimiter, cfg.AlertRateLimitPerMinute, slog.Default())
	alert.LogSink(hub, slog.Default())

	approvalLedger := &attestation.Ledger[approval.Record]{
		Source:     approvalLedgerSource{service: approvalService},
		Keyring:    cfg.Keyring,
		StaticKey:  cfg.StaticKey,
		Now:        time.Now,
		Invariants: invariants,
	}

	auditWriter := &audit.Writer{DB: db, Now: time.Now}
	auditLedger := &attestation.Ledger[audit.Record]{
		Source:     auditLedgerSource{writer: auditWriter},
		Keyring:    cfg.Keyring,
		StaticKey:  cfg.StaticKey,
		Now:        time.Now,
		Invariants: invariants,
	}

	return &sidecarServer{
		cfg:            cfg,
		catalogs:       catalogs,
		pipeline:       pipe,
		approval:       approvalService,
		budget:         budgetController,
		replay:         replayStore,
		invariants:     invariants,
		metrics:        metrics.NewRegistry(),
		notifier:       notifier,
		hub:            hub,
		approvalLedger: approvalLedger,
		audit:          auditWriter,
		auditLedger:    auditLedger,
	}
}
