package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/api"
	"github.com/stackwise/dcavault/config"
	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/swap"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/treasury"
	"github.com/stackwise/dcavault/internal/trigger"
	"github.com/stackwise/dcavault/internal/vault"
	"github.com/stackwise/dcavault/internal/venue/fin"
	"github.com/stackwise/dcavault/service"
	"github.com/stackwise/dcavault/storage"
	"github.com/stackwise/dcavault/storage/postgres"
)

func main() {
	cfg, err := config.GetConfigure()
	if err != nil {
		logrus.Fatalf("Failed to read config: %v", err)
	}

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := postgres.NewPostgresBackend(cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	redis, err := storage.NewRedisStorage(*cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOptions)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Errorf("Failed to close queue client: %v", err)
		}
	}()

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		logger.Fatalf("Failed to create statsd client: %v", err)
	}

	venueClient := fin.NewClient(cfg.Venue.URL)
	treasuryClient := treasury.NewClient(cfg.Treasury.URL)

	scheduler := trigger.NewScheduler(
		db,
		logger,
		queueClient,
		time.Duration(cfg.Scheduler.PollSeconds)*time.Second,
		cfg.Scheduler.BatchSize,
	)
	vaults := vault.NewManager(db, scheduler, queueClient, logger)
	escrowSettlement := escrow.NewSettlement(db, venueClient, queueClient, logger)
	orchestrator := swap.NewOrchestrator(db, redis, venueClient, vaults, scheduler, escrowSettlement, queueClient, cfg.Worker.SettleMaxRetry, logger)

	worker := service.NewWorker(*cfg, orchestrator, escrowSettlement, treasuryClient, sdClient)
	srv := asynq.NewServer(redisOptions, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			tasks.QueueName: 10,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeExecuteTrigger, worker.HandleExecuteTrigger)
	mux.HandleFunc(tasks.TypeSettleSwap, worker.HandleSettleSwap)
	mux.HandleFunc(tasks.TypePlaceOrder, worker.HandlePlaceOrder)
	mux.HandleFunc(tasks.TypeDisburseEscrow, worker.HandleDisburseEscrow)

	go func() {
		if err := srv.Run(mux); err != nil {
			logger.Fatalf("Failed to run asynq server: %v", err)
		}
	}()

	scheduler.Start()

	apiServer := api.NewServer(*cfg, db, vaults, orchestrator, escrowSettlement, venueClient, queueClient)
	go func() {
		if err := apiServer.StartServer(); err != nil {
			logger.Infof("API server stopped: %v", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}).Info("DCA vault engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	scheduler.Stop()
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Errorf("Failed to shut down API server: %v", err)
	}
	if err := redis.Close(); err != nil {
		logger.Errorf("Failed to close redis: %v", err)
	}
	if err := db.Close(); err != nil {
		logger.Errorf("Failed to close database: %v", err)
	}
}
