package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pvzzle/cryptopay/internal/bus"
	"github.com/pvzzle/cryptopay/internal/ethwatch"
	"github.com/pvzzle/cryptopay/internal/handler"
	"github.com/pvzzle/cryptopay/internal/metrics"
	"github.com/pvzzle/cryptopay/internal/middleware"
	"github.com/pvzzle/cryptopay/internal/payment"
	"github.com/pvzzle/cryptopay/internal/price"
	"github.com/pvzzle/cryptopay/internal/router"
	"github.com/pvzzle/cryptopay/internal/sessions"
	"github.com/pvzzle/cryptopay/internal/storage"
	"github.com/pvzzle/cryptopay/internal/storage/memory"
	"github.com/pvzzle/cryptopay/internal/storage/pg"
	"github.com/pvzzle/cryptopay/internal/tg"

	"github.com/ethereum/go-ethereum/ethclient"
	tgbot "github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	ethCl, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		return fmt.Errorf("dial eth rpc: %w", err)
	}
	defer ethCl.Close()

	chainID, err := ethCl.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var oracle price.Oracle = price.NewCoinGecko(price.CoinGeckoConfig{
		BaseURL: cfg.PriceFeedURL,
		Timeout: cfg.ChainCallTimeout,
		RPS:     cfg.PriceRPS,
	})
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, price cache will fall through", zap.Error(err))
		}
		oracle = price.NewCached(oracle, rdb, cfg.PriceCacheTTL, logger.Named("price")).WithLookups(m.PriceLookupsTotal)
	} else {
		oracle = price.NewMemo(oracle, cfg.PriceCacheTTL).WithLookups(m.PriceLookupsTotal)
	}

	chain := ethwatch.NewClient(ethCl, chainID, cfg.ChainCallTimeout)
	tracker := ethwatch.NewTracker(chain, price.NewConverter(oracle, price.EthUSD), ledger, ethwatch.TrackerConfig{
		RequiredConfirmations: cfg.RequiredConfirmations,
		Deadline:              cfg.ConfirmationDeadline,
		PollInterval:          cfg.PollInterval,
		ReadRetries:           cfg.ChainReadRetries,
		RetryBackoff:          cfg.ChainRetryBase,
	}, logger.Named("tracker"))

	// sessions outlive requests; they stop only on shutdown
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	registry := sessions.NewRegistry[payment.Response](sessCtx, cfg.SessionRetention)

	notifyCh := make(chan bus.Notification, cfg.NotifyBuffer)
	alertChat := cfg.TelegramAlertChatID
	if cfg.TelegramToken == "" {
		alertChat = 0
	}
	alerter := tg.NewAlerter(alertChat, notifyCh, logger.Named("alert"))

	svc := payment.NewService(ledger, tracker, registry, alerter, m, logger.Named("payment"), payment.Config{
		ClientWait: cfg.ClientWait,
	})

	if cfg.TelegramToken != "" {
		b, err := tgbot.New(cfg.TelegramToken,
			tgbot.WithWorkers(4),
			tgbot.WithNotAsyncHandlers(),
		)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}

		tgSvc := tg.NewService(b, svc, ledger, notifyCh, cfg.TelegramAlertChatID, logger.Named("tg"))
		go tgSvc.StartNotifyLoop(ctx)
		go b.Start(ctx)
	}

	routes := router.SetupRoutes(
		handler.NewPaymentHandler(svc, logger.Named("http")),
		middleware.JWTAuth(cfg.JWTSecret),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		logger,
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("chain_id", chainID.String()),
		zap.String("ledger", cfg.LedgerDriver),
		zap.Int("required_confirmations", cfg.RequiredConfirmations),
		zap.Duration("client_wait", cfg.ClientWait),
		zap.Bool("telegram", cfg.TelegramToken != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down", zap.Int("active_sessions", registry.Active()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancelSessions()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions shutdown", zap.Error(err))
	}

	return nil
}

func openLedger(ctx context.Context, cfg Config) (storage.Ledger, func(), error) {
	if cfg.LedgerDriver == "memory" {
		return memory.New(), func() {}, nil
	}

	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool new: %w", err)
	}

	repo := pg.New(pgPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pgPool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, pgPool.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
