package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prudhvinik1/ledgersync/internal/config"
	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/stores"
	"golang.org/x/sync/errgroup"
)

// command is one line of stdin: a named user action and its events.
type command struct {
	Name   string              `json:"name"`
	Events []models.EventInput `json:"events"`
}

type clientIDSource interface {
	EnsureClientID(ctx context.Context) (string, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	db, err := database.NewSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open sqlite: %v", err)
	}
	defer db.Close()

	snapshots, err := repositories.NewSQLiteSnapshotRepository(ctx, db)
	if err != nil {
		log.Fatalf("Failed to prepare snapshot storage: %v", err)
	}

	var (
		storage engine.QueueStorage
		ids     clientIDSource
	)
	switch cfg.QueueBackend {
	case "redis":
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, "ledgersync-client-"+cfg.Namespace)
		if err != nil {
			log.Fatalf("Failed to create redis client: %v", err)
		}
		defer redisClient.Close()
		queue := repositories.NewRedisQueueRepository(redisClient, cfg.Namespace)
		storage, ids = queue, queue
	default:
		queue, err := repositories.NewSQLiteQueueRepository(ctx, db)
		if err != nil {
			log.Fatalf("Failed to prepare queue storage: %v", err)
		}
		storage, ids = queue, queue
	}

	clientID := cfg.ClientID
	if clientID == "" {
		if clientID, err = ids.EnsureClientID(ctx); err != nil {
			log.Fatalf("Failed to load client id: %v", err)
		}
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	var token remote.TokenSource
	switch {
	case cfg.Token != "":
		token = remote.StaticToken(cfg.Token)
	case cfg.JWTSecret != "":
		token = remote.SignedToken(cfg.JWTSecret, cfg.UserID, clientID, time.Hour)
	default:
		token = remote.NewClient(cfg.ServerURL, nil, httpClient).PasswordToken(cfg.UserID, cfg.Password, clientID)
	}
	client := remote.NewClient(cfg.ServerURL, token, httpClient)

	reg := stores.NewRegistry()
	var lastSeq int64
	snap, err := snapshots.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
	case err != nil:
		log.Fatalf("Failed to load snapshot: %v", err)
	default:
		if err := reg.Restore(snap); err != nil {
			log.Fatalf("Failed to restore snapshot: %v", err)
		}
		lastSeq = snap.Sequence
	}

	// Snapshots are written from one goroutine; saveNow asks for one out of
	// schedule.
	saveNow := make(chan struct{}, 1)
	requestSave := func() {
		select {
		case saveNow <- struct{}{}:
		default:
		}
	}

	conn := engine.NewConnectivity(true)
	e, err := engine.Open(ctx, engine.Options{
		ClientID:            clientID,
		Remote:              client,
		Storage:             storage,
		Transport:           remote.NewWebsocketTransport(cfg.ServerURL, token),
		Snapshotter:         client,
		Connectivity:        conn,
		Registry:            reg,
		LastSequence:        lastSeq,
		MaxAttempts:         cfg.MaxAttempts,
		RequestTimeout:      cfg.RequestTimeout,
		SubscribeBackoffMin: cfg.BackoffMin,
		SubscribeBackoffMax: cfg.BackoffMax,
		OnRejected: func(err engine.MutationError) {
			logger.Warn("mutation rejected", "name", err.Name, "mutation_id", err.MutationID, "error", err.Err)
			requestSave()
		},
		Logger:  logger,
		Metrics: engine.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		log.Fatalf("Failed to open sync engine: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error {
		p := &engine.Prober{Health: client, Conn: conn, Min: cfg.BackoffMin, Max: cfg.BackoffMax, Logger: logger}
		return p.Run(gctx)
	})
	if err := e.Subscribe(gctx); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		save := func(ctx context.Context) {
			snap, err := e.Snapshot()
			if err == nil {
				err = snapshots.SaveSnapshot(ctx, snap)
			}
			if err != nil {
				logger.Error("failed to save snapshot", "error", err)
			}
		}
		for {
			select {
			case <-gctx.Done():
				save(context.WithoutCancel(gctx))
				return gctx.Err()
			case <-ticker.C:
				save(gctx)
			case <-saveNow:
				save(gctx)
			}
		}
	})

	// stdin closes independently of the other goroutines, so reading it
	// does not join the group.
	go readCommands(gctx, e, logger)

	log.Printf("Client %s syncing with %s", clientID, cfg.ServerURL)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client error: %v", err)
	}
	log.Println("Client stopped")
}

func readCommands(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		id, err := submit(ctx, e, line)
		if err != nil {
			logger.Error("mutation not submitted", "error", err)
			continue
		}
		fmt.Println(id)
	}
}

func submit(ctx context.Context, e *engine.Engine, line []byte) (string, error) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return "", fmt.Errorf("failed to decode command: %w", err)
	}
	evs := make([]models.SyncEvent, 0, len(cmd.Events))
	for _, in := range cmd.Events {
		evs = append(evs, models.SyncEvent{Kind: in.Kind, Payload: in.Payload})
	}
	m, err := engine.EventMutation(cmd.Name, evs...)
	if err != nil {
		return "", err
	}
	return e.Submit(ctx, m)
}
