package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeguard/audit"
	"tradeguard/config"
	"tradeguard/core/events"
	"tradeguard/ledger"
	"tradeguard/native/escrow"
	"tradeguard/native/risk"
	"tradeguard/native/security"
	"tradeguard/services/escrowd/jobs"
	"tradeguard/services/escrowd/server"
)

// App holds the wired components of escrowd.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db       *gorm.DB
	bus      *events.Bus
	audit    *audit.Log
	store    *escrow.Store
	gate     *security.Gate
	engine   *escrow.Engine
	disputes *escrow.DisputeManager
	ops      *server.Server
	sweeper  *jobs.Sweeper
	verifier *jobs.Verifier
}

// AppOption customises construction, mainly for tests.
type AppOption func(*appOptions)

type appOptions struct {
	adapter  ledger.Adapter
	profiles risk.ProfileProvider
	now      func() time.Time
}

// WithLedger replaces the adapter chosen from configuration.
func WithLedger(adapter ledger.Adapter) AppOption {
	return func(o *appOptions) { o.adapter = adapter }
}

// WithProfiles replaces the profile provider chosen from configuration.
func WithProfiles(p risk.ProfileProvider) AppOption {
	return func(o *appOptions) { o.profiles = p }
}

// WithClock overrides the clock of the audit log and the escrow engine.
func WithClock(now func() time.Time) AppOption {
	return func(o *appOptions) { o.now = now }
}

// NewApp builds the components bottom-up: store, bus, audit log, risk,
// gate, ledger, escrow engine and dispute manager, then the ops surface.
func NewApp(ctx context.Context, cfg config.Config, log *slog.Logger, opts ...AppOption) (*App, error) {
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: log, db: db}
	if err := a.wire(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o appOptions) error {
	cfg := a.cfg
	a.bus = events.NewBus()
	a.audit = audit.New(a.db,
		audit.WithMaxEntriesPerSegment(cfg.Audit.MaxEntriesPerSegment),
		audit.WithClock(o.now),
		audit.WithEmitter(a.bus),
		audit.WithLogger(a.logger.With(slog.String("component", "audit"))))
	if err := a.audit.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate audit: %w", err)
	}
	a.store = escrow.NewStore(a.db)
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate escrow: %w", err)
	}

	riskOpts, err := cfg.Risk.Options()
	if err != nil {
		return err
	}
	loc, err := cfg.Risk.Location()
	if err != nil {
		return err
	}
	limits, err := cfg.Security.Limits(loc)
	if err != nil {
		return err
	}
	profiles := o.profiles
	if profiles == nil {
		if profiles, err = newProfileProvider(cfg.Profiles, a.logger); err != nil {
			return err
		}
	}
	a.gate = security.NewGate(profiles, risk.NewEngine(riskOpts...), a.store, limits,
		security.WithAuditor(a.audit),
		security.WithLogger(a.logger.With(slog.String("component", "gate"))))

	adapter := o.adapter
	if adapter == nil {
		if adapter, err = newLedgerAdapter(cfg, a.logger); err != nil {
			return err
		}
	}
	a.engine = escrow.NewEngine(a.store, a.audit, a.gate, adapter, cfg.Escrow.Policy(),
		escrow.WithClock(o.now),
		escrow.WithEmitter(a.bus),
		escrow.WithLogger(a.logger.With(slog.String("component", "escrow"))))
	a.disputes = escrow.NewDisputeManager(a.engine)

	a.ops = server.New(server.Config{
		Escrows: a.engine,
		Audit:   a.audit,
		Ping:    a.ping,
		Logger:  a.logger.With(slog.String("component", "ops")),
	})
	a.sweeper = jobs.NewSweeper(jobs.SweeperConfig{
		Expirer:  a.engine,
		Interval: cfg.Escrow.ExpirySweepInterval.Duration,
		Batch:    cfg.Escrow.ExpiryBatch,
		Logger:   a.logger.With(slog.String("component", "sweeper")),
	})
	a.verifier = jobs.NewVerifier(jobs.VerifierConfig{
		Auditor:   a.audit,
		Interval:  cfg.Audit.VerifyInterval.Duration,
		ExportDir: cfg.Audit.ExportDir,
		Now:       o.now,
		Logger:    a.logger.With(slog.String("component", "verifier")),
	})
	return nil
}

// Engine exposes the escrow engine.
func (a *App) Engine() *escrow.Engine { return a.engine }

// Disputes exposes the dispute manager.
func (a *App) Disputes() *escrow.DisputeManager { return a.disputes }

// Handler exposes the ops HTTP surface.
func (a *App) Handler() http.Handler { return a.ops.Handler() }

// Run serves the ops surface and the background loops until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(a.ops.Handler(), "escrowd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("escrowd listening", slog.String("addr", a.cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.sweeper.Run(ctx) })
	g.Go(func() error { return a.verifier.Run(ctx) })
	g.Go(func() error {
		return jobs.LogEvents(ctx, a.bus, a.logger.With(slog.String("component", "events")))
	})
	return g.Wait()
}

// Close releases the bus and the database.
func (a *App) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func (a *App) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite allows one writer; serialise through a single connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func newProfileProvider(cfg config.ProfilesConfig, log *slog.Logger) (risk.ProfileProvider, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) != "":
		return risk.NewHTTPProvider(cfg.Endpoint, cfg.Token, cfg.Timeout.Duration)
	case strings.TrimSpace(cfg.StaticFile) != "":
		return risk.LoadStaticProvider(cfg.StaticFile)
	}
	log.Warn("no profile source configured; every party is scored as a new account")
	return risk.NewStaticProvider(nil), nil
}

func newLedgerAdapter(cfg config.Config, log *slog.Logger) (ledger.Adapter, error) {
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		if cfg.Production() {
			return nil, fmt.Errorf("ledger endpoint required in production")
		}
		log.Warn("no ledger endpoint configured; using the dry-run adapter")
		return ledger.NewDryRun(), nil
	}
	return ledger.NewRPCAdapter(ledger.RPCConfig{
		Endpoint:          cfg.Ledger.Endpoint,
		AuthToken:         cfg.Ledger.AuthToken,
		Timeout:           cfg.Ledger.Timeout.Duration,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
		MaxAttempts:       cfg.Ledger.MaxAttempts,
	})
}
