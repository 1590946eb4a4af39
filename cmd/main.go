/**
 * @description
 * This is the main entry point for the relay-service. It loads configuration, opens the
 * chain state store, builds one oracle client per network, wires the relay engine and the
 * application service, and serves the operator API until a shutdown signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: login rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/esplora, pkg/btcbuilder, pkg/rabbitmq: oracle client, signer and event publisher.
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

	"github.com/fibrelay/relay-service/internal/api"
	"github.com/fibrelay/relay-service/internal/app"
	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/fibrelay/relay-service/internal/vault"
	"github.com/fibrelay/relay-service/pkg/btcbuilder"
	"github.com/fibrelay/relay-service/pkg/esplora"
	rmrabbit "github.com/fibrelay/relay-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	log.Printf("level=info component=bootstrap msg=\"starting relay-service\" port=%s network=%s store=%s", cfg.ServerPort, cfg.ActiveNetwork, cfg.StoreDriver)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	oracles := make(map[domain.Network]app.Oracle, len(cfg.Networks))
	for name, network := range cfg.Networks {
		oracles[name] = esplora.NewClient(network.APIBase, esplora.Options{
			FeeAPIBase:        network.FeeAPIBase,
			Timeout:           cfg.OracleTimeout(),
			RequestsPerSecond: float64(cfg.OracleRequestsPerSecond),
			MaxRetries:        3,
		})
	}

	builder := btcbuilder.New()
	keyring := vault.NewKeyring()
	engine := app.NewEngine(repository, oracles, builder, keyring, cfg, logger)

	var limiter app.LoginLimiter
	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisLoginRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.LoginRateLimitPerMinute, time.Minute)
	}

	relayService := app.NewService(repository, engine, oracles, builder, keyring, limiter, cfg, logger)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatcher := app.NewOutboxDispatcher(repository, publisherFactory(cfg.RabbitMQURL), logger)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()

	if cfg.EngineAutostart {
		if _, err := engine.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"relay engine start failed\" err=%v", err)
		}
	} else {
		log.Println("level=info component=bootstrap msg=\"relay engine autostart disabled\"")
	}

	sessions, err := api.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL())
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"session manager init failed\" err=%v", err)
	}
	router := api.NewRouter(api.NewHandler(relayService, sessions), cfg.AllowedOrigins())

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let an in-flight tick finish so no broadcast is left half-recorded.
	select {
	case <-engine.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=engine msg=\"relay tick still running at shutdown\"")
	}

	stopDispatch()
	<-dispatchDone
	keyring.Lock()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openStore(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; chains will not survive a restart\"")
		return store.NewMemoryRepository(cfg.EventExchange), func() {}
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool, cfg.EventExchange), dbpool.Close
}

func connectRedis(cfg config.Config) *redis.Client {
	if cfg.LoginRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; login rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; login rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; login rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// publisherFactory connects lazily so a broker outage never blocks startup.
func publisherFactory(amqpURL string) app.PublisherFactory {
	if strings.TrimSpace(amqpURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; relay events will not be published\" env=RABBITMQ_URL")
		return func() (rmrabbit.Publisher, error) {
			return &rmrabbit.EventProducerFallback{}, nil
		}
	}
	return func() (rmrabbit.Publisher, error) {
		producer, err := rmrabbit.NewEventProducer(amqpURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
