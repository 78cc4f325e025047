/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, selects the settlement backend,
 * and starts the HTTP server, the settlement status consumer and the
 * reconciliation scheduler.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Backing store for transfer rate limits.
 * - internal/api, internal/app, internal/config, internal/scheduler, internal/store.
 * - pkg/settlement, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/GFFB0314/Bafoka-teamZ/internal/api"
	"github.com/GFFB0314/Bafoka-teamZ/internal/app"
	"github.com/GFFB0314/Bafoka-teamZ/internal/config"
	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/scheduler"
	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	rmrabbit "github.com/GFFB0314/Bafoka-teamZ/pkg/rabbitmq"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement/bafoka"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement/local"
)

// Routing keys published by the settlement bridge on SETTLEMENT_EVENTS_EXCHANGE.
var settlementRoutingKeys = []string{
	"settlement.transfer.pending",
	"settlement.transfer.succeeded",
	"settlement.transfer.failed",
	"settlement.transfer.updated",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not set; operator routes will refuse every request\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s settlement_backend=%s", cfg.ServerPort, cfg.SettlementBackend)

	if cfg.MigrationsEnabled {
		version, err := store.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"schema up to date\" version=%d", version)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	settlementClient, err := newSettlementClient(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement backend init failed\" err=%v", err)
	}

	var producer rmrabbit.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; ledger events disabled\" env=RABBITMQ_URL")
	} else if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	repository := store.NewPostgresRepository(dbpool)

	ledgerService := app.NewService(repository, settlementClient, producer, app.Options{
		SettlementTimeout:          cfg.SettlementTimeout(),
		SignupBonus:                cfg.SignupBonus,
		TransferRateLimitPerMinute: cfg.TransferRateLimitPerMinute,
		EventsExchange:             cfg.LedgerEventsExchange,
	})

	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		ledgerService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 0)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on webhooks and polling\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			statusConsumer := app.NewSettlementStatusConsumer(ledgerService)
			bindings := make(map[string]rmrabbit.Handler, len(settlementRoutingKeys))
			for _, key := range settlementRoutingKeys {
				bindings[key] = statusConsumer.HandleMessage
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.SettlementEventsExchange, cfg.SettlementEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
			}
		}
	}

	var querier settlement.StatusQuerier
	if q, ok := settlementClient.(settlement.StatusQuerier); ok {
		querier = q
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "ledger-service")
	jobs := scheduler.NewJobs(repository, ledgerService, querier, logger, cfg)
	cronScheduler := scheduler.NewScheduler(jobs, logger, cfg)
	cronScheduler.Start()

	handlers := api.NewHandlers(ledgerService, cfg.WebhookSecret)
	router := chi.NewRouter()
	router.Mount("/", api.LedgerRoutes(handlers, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-cronScheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func newSettlementClient(cfg config.Config) (settlement.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SettlementBackend)) {
	case config.SettlementBackendBafoka:
		if strings.TrimSpace(cfg.BafokaAPIBaseURL) == "" || strings.TrimSpace(cfg.BafokaAPIKey) == "" {
			return nil, fmt.Errorf("BAFOKA_API_BASE_URL and BAFOKA_API_KEY are required for the bafoka backend")
		}
		return bafoka.NewClient(cfg.BafokaAPIBaseURL, cfg.BafokaAPIKey, cfg.BafokaRequestsPerSecond), nil
	case config.SettlementBackendLocal, "":
		labels := make(map[string]string)
		for _, c := range domain.Communities() {
			labels[string(c)] = c.CurrencyLabel()
		}
		log.Printf("level=warn component=bootstrap msg=\"using in-memory settlement backend\" mode=%s", cfg.LocalSettlementMode)
		return local.New(local.Options{
			Mode:           local.Mode(cfg.LocalSettlementMode),
			OpeningBalance: cfg.LocalSettlementOpeningBal,
			SettleAfter:    time.Duration(cfg.LocalSettlementSettleAfter) * time.Second,
			CurrencyLabels: labels,
		}), nil
	default:
		return nil, fmt.Errorf("unknown settlement backend %q", cfg.SettlementBackend)
	}
}

// connectRedis returns nil when rate limiting is disabled or Redis is
// unreachable; transfers are then not rate limited.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.TransferRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; transfer rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; transfer rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; transfer rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
