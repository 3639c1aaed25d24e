/**
 * @description
 * This is the main entry point for the boleto-service. It is responsible for initializing all
 * components of the service, including configuration, the database connection, Redis, the
 * RabbitMQ producer and consumer, the LMS sync client, the ingestion service, the housekeeping
 * scheduler and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Resync throttling.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/filestore, pkg/lmsclient, pkg/rabbitmq: Storage, LMS sync and messaging clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/unipolo/boleto-service/internal/api"
	"github.com/unipolo/boleto-service/internal/app"
	"github.com/unipolo/boleto-service/internal/config"
	"github.com/unipolo/boleto-service/internal/store"
	"github.com/unipolo/boleto-service/pkg/filestore"
	"github.com/unipolo/boleto-service/pkg/lmsclient"
	rmrabbit "github.com/unipolo/boleto-service/pkg/rabbitmq"
)

// Payment status events published by the payment gateway integration.
const paymentStatusBinding = "boleto.payment.*"

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting boleto-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	// Every ingestion worker may hold a connection; leave room for the API and the consumer.
	poolConfig.MaxConns = int32(cfg.IngestionWorkers*2 + 10)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// A nil publisher makes the ingestion service fall back to logging.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.BoletoEventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var throttle app.ResyncThrottle
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; resync throttling disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; resync throttling disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; resync throttling disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				throttle = app.NewRedisResyncThrottle(redisClient, cfg.RedisResyncPrefix, cfg.ResyncCooldown)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var fetcher app.SnapshotFetcher
	lmsClient := lmsclient.NewClient(cfg.LMSSyncBaseURL, cfg.LMSSyncAPIKey)
	if lmsClient.Configured() {
		fetcher = lmsClient
	} else {
		log.Printf("level=warn component=bootstrap msg=\"lms sync client not configured; stale students cannot be resynced\" lms_sync_base_url_set=%t lms_sync_api_key_set=%t",
			cfg.LMSSyncBaseURL != "", cfg.LMSSyncAPIKey != "")
	}

	files, err := filestore.NewOS(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"storage root unusable\" root=%s err=%v", cfg.StorageRoot, err)
	}
	log.Printf("level=info component=bootstrap msg=\"boleto storage ready\" root=%s", files.Root())

	repository := store.NewPostgresRepository(dbpool)
	metrics := app.NewMetrics()

	resolver := app.NewEnrollmentResolver(repository, fetcher, throttle, metrics, app.EnrollmentResolverConfig{
		MaxSyncAge:    cfg.StudentSyncMaxAge,
		ResyncEnabled: cfg.ResyncOnStale,
		ResyncTimeout: cfg.ResyncTimeout,
	})
	ingestionService := app.NewIngestionService(repository, resolver, files, publisher, metrics, app.IngestionConfig{
		MaxFileBytes:  cfg.MaxUploadBytes,
		MaxBatchFiles: cfg.MaxBatchFiles,
		Workers:       cfg.IngestionWorkers,
	})

	scheduler := app.NewScheduler(files, cfg.TempSweepSchedule, cfg.TempMaxAge)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	// Payment status updates flip slips from pending to paid, overdue or canceled.
	paymentConsumer := app.NewPaymentStatusConsumer(repository)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payment status updates disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			paymentStatusBinding: paymentConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.BoletoEventExchange, cfg.PaymentEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
		}
	}

	handlers := api.NewBoletoHandlers(ingestionService, cfg.MaxUploadBytes, cfg.MaxBatchFiles)
	router := api.BoletoRoutes(handlers, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        metrics.Handler(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Batches in flight are allowed to finish before the pool is closed.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
