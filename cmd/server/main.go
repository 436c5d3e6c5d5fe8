package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prudhvinik1/ledgersync/internal/auth"
	"github.com/prudhvinik1/ledgersync/internal/config"
	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	// hash-password prints a PASSWORD_HASH for the password read from stdin.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	eventRepo := repositories.NewPostgresSyncEventRepository(postgresPool)
	if err := eventRepo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare event log: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	hub := server.NewHub(eventRepo, cfg.MaxReplay, logger, metrics)
	ledger, err := server.NewLedger(eventRepo, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create ledger: %v", err)
	}
	if err := ledger.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore ledger: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var presence server.Presence

	// With redis every instance, this one included, learns about commits
	// through the broadcast channel. Without it the hub is fed directly.
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, "ledgersync-server")
		if err != nil {
			log.Fatalf("Failed to create redis client: %v", err)
		}
		defer redisClient.Close()

		presence = repositories.NewRedisPresenceRepository(redisClient, "ledgersync")
		hub.TrackPresence(presence)

		broadcaster := server.NewRedisBroadcaster(redisClient, cfg.RedisChannel, logger)
		ledger.AddPublisher(broadcaster)
		ready := make(chan struct{})
		g.Go(func() error {
			return broadcaster.Run(gctx, ready, hub, server.PublisherFunc(ledger.Absorb))
		})
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			log.Fatalf("Timed out subscribing to %s", cfg.RedisChannel)
		}
	} else {
		ledger.AddPublisher(hub)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer requires Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafka := server.NewKafkaPublisher(producer, cfg.KafkaTopic, server.KafkaOptions{MaxRetry: 5}, logger, metrics)
		ledger.AddPublisher(kafka)
		g.Go(func() error { return kafka.Run(gctx) })
	}

	// Start Server
	srv := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: server.NewRouter(&server.Handler{
			Ledger:       ledger,
			Hub:          hub,
			Gatherer:     reg,
			Logger:       logger,
			Presence:     presence,
			JWTSecret:    cfg.JWTSecret,
			JWTExpiry:    cfg.JWTExpiry,
			UserID:       cfg.UserID,
			PasswordHash: cfg.PasswordHash,
		}),
	}

	g.Go(func() error {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func hashPassword(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return errors.New("no password on stdin")
	}
	hash, err := auth.HashPassword(strings.TrimRight(scanner.Text(), "\r"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
