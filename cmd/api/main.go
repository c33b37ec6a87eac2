package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"transferbook/internal/api"
	"transferbook/internal/checkout"
	"transferbook/internal/config"
	"transferbook/internal/coupon"
	"transferbook/internal/database"
	"transferbook/internal/domain"
	"transferbook/internal/events"
	"transferbook/internal/export"
	"transferbook/internal/gateway"
	"transferbook/internal/google"
	"transferbook/internal/logging"
	"transferbook/internal/metrics"
	"transferbook/internal/notify"
	"transferbook/internal/pricing"
	"transferbook/internal/repository"
	"transferbook/internal/session"
	"transferbook/internal/wizard"
	"transferbook/internal/worker"
)

// the in-process gateway client signs its calls with a long-lived token
const serviceTokenTTL = 10 * 365 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	messages, err := loadMessages(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	drafts := initDraftRepository(cfg, redisClient, logger)

	bus := events.NewEventBus(logging.Component(logger, "events"))
	if bridge := initAMQP(cfg, bus, logger); bridge != nil {
		defer bridge.Close()
	}
	initTelegram(cfg, bus, logger)

	tokens := gateway.NewTokenIssuer(cfg.Proxy.TokenSecret, cfg.Proxy.TokenTTL)
	proxy := gateway.NewProxy(cfg.Backend, tokens, logging.Component(logger, "proxy"))
	if redisClient != nil && cfg.Proxy.CacheTTL > 0 {
		proxy.UseRedisCache(redisClient, cfg.Proxy.CacheTTL)
	}
	client, err := newGatewayClient(cfg, proxy, logger)
	if err != nil {
		return err
	}

	sheets := initGoogleSheets(ctx, cfg, logger)
	reconcilerOpts := []worker.Option{worker.WithEvents(bus)}
	if redisClient != nil {
		reconcilerOpts = append(reconcilerOpts, worker.WithRedis(redisClient))
	}
	if sheets != nil {
		reconcilerOpts = append(reconcilerOpts, worker.WithSheets(sheets))
	}
	reconciler := worker.NewReconciler(db, client, db, cfg.Worker, logging.Component(logger, "reconciler"), reconcilerOpts...)

	orchestrator := checkout.New(client, cfg.Checkout, messages, logging.Component(logger, "checkout"),
		checkout.WithCardConfirmer(checkout.NewStripeConfirmer(cfg.Checkout, &http.Client{Timeout: 30 * time.Second})),
		checkout.WithJournal(db),
		checkout.WithReconciler(reconciler),
		checkout.WithEvents(bus),
	)
	wizardLogger := logging.Component(logger, "wizard")
	controller := wizard.New(
		pricing.NewResolver(client, cfg.Booking, messages, wizardLogger),
		coupon.NewResolver(client, messages.InvalidCoupon, wizardLogger),
		orchestrator, cfg.Booking, messages, wizardLogger,
	)

	sessions := session.NewManager(drafts, logging.Component(logger, "session"))
	exporter := export.NewExporter(db, cfg.Exports.Path, logging.Component(logger, "export"))

	checks := map[string]func(context.Context) error{
		"journal": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return repository.Ping(ctx, redisClient) }
	}

	httpServer := api.NewHTTPServer(cfg.API, api.Services{
		Wizard:   controller,
		Sessions: sessions,
		Tokens:   tokens,
		Proxy:    proxy,
		Drafts:   drafts,
		Journal:  db,
		Tasks:    db,
		Exporter: exporter,
		Checks:   checks,
	}, messages.Generic, logging.Component(logger, "http"))

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, db, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	startMetrics(ctx, cfg, logger)

	return startServers(ctx, cfg, logger, httpServer, grpcServer, func(g *errgroup.Group, ctx context.Context) {
		g.Go(func() error { reconciler.Start(ctx); return nil })
		g.Go(func() error {
			sessions.RunSweeper(ctx, 10*time.Minute, cfg.Booking.SessionTTL)
			return nil
		})
		g.Go(func() error { httpServer.PruneLimiters(ctx, 10*time.Minute); return nil })
		g.Go(func() error { database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup")).Start(ctx); return nil })
	})
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

func loadMessages(logger *zerolog.Logger) (config.Messages, error) {
	path := os.Getenv("MESSAGES_PATH")
	if path == "" {
		path = "configs/messages.yaml"
		if _, err := os.Stat(path); err != nil {
			logger.Info().Msg("no messages file, using built-in texts")
			return config.DefaultMessages(), nil
		}
	}
	msgs, err := config.LoadMessages(path)
	if err != nil {
		logger.Error().Err(err).Str("messages_path", path).Msg("load messages")
		return msgs, err
	}
	return msgs, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}
	client := repository.NewRedisClient(cfg.Redis)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initDraftRepository keeps drafts in Redis with an in-memory fallback.
func initDraftRepository(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.DraftRepository {
	memory := repository.NewMemoryDraftRepository(cfg.Booking.SessionTTL)
	if client == nil {
		return memory
	}
	return repository.NewFailoverDraftRepository(
		repository.NewRedisDraftRepository(client, cfg.Booking.SessionTTL),
		memory,
		logging.Component(logger, "drafts"),
	)
}

// newGatewayClient talks to an external proxy when one is configured, and
// otherwise serves calls through the local proxy handler.
func newGatewayClient(cfg *config.Config, proxy http.Handler, logger *zerolog.Logger) (*gateway.Client, error) {
	serviceToken, _, err := gateway.NewTokenIssuer(cfg.Proxy.TokenSecret, serviceTokenTTL).Issue("service")
	if err != nil {
		return nil, fmt.Errorf("issue service token: %w", err)
	}

	endpoint := cfg.Proxy.Endpoint
	hc := &http.Client{Timeout: cfg.Proxy.ClientTimeout}
	if endpoint == "" {
		endpoint = "http://proxy.local/api/v1/proxy"
		hc.Transport = gateway.HandlerTransport{Handler: proxy}
	}
	return gateway.NewClient(endpoint, serviceToken,
		gateway.WithHTTPClient(hc),
		gateway.WithGenericMessage(cfg.Proxy.GenericMessage),
		gateway.WithLanguage(cfg.Backend.Language),
		gateway.WithLogger(logging.Component(logger, "gateway")),
	), nil
}

func initGoogleSheets(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *google.SheetsService {
	if !cfg.Google.Enabled {
		return nil
	}
	sheets, err := google.NewSheetsService(ctx, cfg.Google, logging.Component(logger, "sheets"))
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := sheets.TestConnection(initCtx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without sheets")
		return nil
	}
	if err := sheets.EnsureHeader(initCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to write sheet header")
	}
	if err := sheets.WarmUpCache(initCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to warm up sheet row cache")
	}
	logger.Info().Msg("google sheets connected")
	return sheets
}

func initAMQP(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *events.AMQPBridge {
	if !cfg.AMQP.Enabled {
		return nil
	}
	bridge, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logging.Component(logger, "amqp"))
	if err != nil {
		logger.Warn().Err(err).Msg("amqp connection failed, events stay in-process")
		return nil
	}
	bridge.Attach(bus, events.CheckoutTypes...)
	logger.Info().Str("exchange", cfg.AMQP.Exchange).Msg("amqp bridge attached")
	return bridge
}

func initTelegram(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Telegram.Enabled {
		return
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, operator notifications disabled")
		return
	}
	bot.Debug = cfg.Telegram.Debug
	notify.NewTelegram(bot, cfg.Telegram.OperatorChatIDs, logging.Component(logger, "telegram")).Attach(bus)
	logger.Info().Str("bot", bot.Self.UserName).Int("chats", len(cfg.Telegram.OperatorChatIDs)).Msg("telegram notifications enabled")
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	cfg *config.Config,
	logger *zerolog.Logger,
	httpServer *api.HTTPServer,
	grpcServer *api.GRPCServer,
	background func(g *errgroup.Group, ctx context.Context),
) error {
	g, gctx := errgroup.WithContext(ctx)
	background(g, gctx)

	if cfg.API.HTTP.Enabled {
		g.Go(httpServer.Start)
	}
	if grpcServer != nil {
		g.Go(grpcServer.Serve)
	}
	logger.Info().Bool("grpc", grpcServer != nil).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcServer != nil {
			grpcServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info().Msg("API server stopped")
	return err
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
