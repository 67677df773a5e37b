package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reservebank/core/events"
	"reservebank/core/pricing"
	"reservebank/crypto"
	"reservebank/native/bank"
	nativecommon "reservebank/native/common"
	"reservebank/native/lending"
	"reservebank/observability"
	"reservebank/observability/logging"
	telemetry "reservebank/observability/otel"
	"reservebank/services/lendingd/config"
	"reservebank/services/lendingd/journal"
	"reservebank/services/lendingd/server"
	statelending "reservebank/state/lending"
	"reservebank/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.example.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendingd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := logging.Options{Service: "lendingd", Env: cfg.Env, Level: cfg.Log.Level}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions(logOpts)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, state, err := openState(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	oracle, err := newOracle(ctx, cfg.Oracle, logger)
	if err != nil {
		return err
	}
	feed, err := pricing.NewGuardedFeed(oracle,
		pricing.WithTimeout(cfg.Oracle.Timeout),
		pricing.WithMaxConfidenceWindow(cfg.Oracle.MaxConfidenceWindow),
	)
	if err != nil {
		return fmt.Errorf("price feed: %w", err)
	}

	admins, err := cfg.Auth.AdminAddresses()
	if err != nil {
		return err
	}
	engine := lending.NewEngine(state, feed)
	engine.SetLogger(logger.With("component", "lending-engine"))
	engine.SetAuthority(lending.NewStaticAuthority(admins...))
	engine.SetAccrualPeriod(cfg.Interest.Period)
	engine.SetMetrics(observability.Lending())
	engine.SetPauses(nativecommon.NewPauseSet(cfg.Pauses...))

	if cfg.Custody.Enabled {
		ledger := bank.NewLedger(db)
		if err := seedBalances(ledger, cfg.Custody.Seed); err != nil {
			return err
		}
		engine.SetTransfer(ledger)
	}

	hub := server.NewHub(logger)
	fanout := events.NewFanOut(observability.Events(), hub)
	var jrnl *journal.Journal
	if cfg.Journal.Driver != "" {
		gdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		jrnl, err = journal.New(gdb, logger)
		if err != nil {
			return err
		}
		if err := jrnl.Verify(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		fanout.Add(jrnl)
		logger.Info("journal ready", "driver", cfg.Journal.Driver, "dsn", logging.MaskDSN(cfg.Journal.DSN))
	}
	engine.SetEmitter(fanout)

	if cfg.MarketsFile != "" {
		markets, err := lending.LoadMarkets(cfg.MarketsFile)
		if err != nil {
			return err
		}
		created, err := engine.Bootstrap(ctx, admins[0], markets)
		if err != nil {
			return fmt.Errorf("bootstrap markets: %w", err)
		}
		logger.Info("markets bootstrapped", "created", strings.Join(created, ","), "configured", len(markets))
	}

	srvCfg := server.Config{
		Engine: engine,
		Auth: server.NewAuthenticator(server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter: server.NewRateLimiter(server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Quota: server.NewQuotaTracker(nativecommon.Quota{
			MaxRequestsPerMin: cfg.Quota.MaxRequestsPerMin,
			MaxAmountPerEpoch: cfg.Quota.MaxAmountPerEpoch,
			EpochSeconds:      cfg.Quota.EpochSeconds,
		}),
		Hub:    hub,
		Logger: logger,
	}
	if jrnl != nil {
		srvCfg.Journal = jrnl
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.New(srvCfg), "lendingd"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

type engineState interface {
	GetBank(asset string) (*lending.Bank, bool, error)
	ListBanks() ([]*lending.Bank, error)
	GetUserAccount(addr crypto.Address) (*lending.UserAccount, bool, error)
	GetPosition(addr crypto.Address, asset string) (*lending.UserPosition, bool, error)
	Commit(batch *lending.Batch) error
}

// openState returns the key-value database shared with the custody ledger
// and the engine state built on it.
func openState(cfg config.StorageConfig) (storage.Database, engineState, error) {
	switch cfg.Backend {
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, statelending.NewStore(db), nil
	default:
		db := storage.NewMemDB()
		return db, statelending.NewStore(db), nil
	}
}

func newOracle(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (pricing.Oracle, error) {
	if cfg.HTTP != nil {
		httpCfg := pricing.HTTPOracleConfigDefaults()
		httpCfg.BaseURL = cfg.HTTP.BaseURL
		httpCfg.APIKey = cfg.HTTP.APIKey
		if cfg.HTTP.Timeout > 0 {
			httpCfg.Timeout = cfg.HTTP.Timeout
		}
		if cfg.HTTP.MaxRetries > 0 {
			httpCfg.MaxRetries = cfg.HTTP.MaxRetries
		}
		if cfg.HTTP.RateLimitPerMin > 0 {
			httpCfg.RateLimitPerMin = cfg.HTTP.RateLimitPerMin
		}
		if cfg.HTTP.DefaultWindow > 0 {
			httpCfg.DefaultWindow = cfg.HTTP.DefaultWindow
		}
		httpCfg.Logger = logger.With("component", "http-oracle")
		return pricing.NewHTTPOracle(httpCfg)
	}
	window := cfg.StaticWindow
	if window <= 0 {
		window = time.Minute
	}
	static := pricing.NewStaticOracle()
	prices := cfg.StaticPrices()
	stamp := func() {
		for asset, price := range prices {
			static.SetPrice(asset, price, window)
		}
	}
	stamp()
	// Static prices are re-observed so they never go stale.
	go func() {
		ticker := time.NewTicker(window / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stamp()
			}
		}
	}()
	return static, nil
}

func seedBalances(ledger *bank.Ledger, seeds []config.SeedBalance) error {
	for _, seed := range seeds {
		addr, err := crypto.DecodeAddress(seed.Address)
		if err != nil {
			return err
		}
		amount, err := seed.Value()
		if err != nil {
			return err
		}
		if err := ledger.Mint(addr, seed.Asset, amount); err != nil {
			return fmt.Errorf("seed %s: %w", seed.Address, err)
		}
	}
	return nil
}
