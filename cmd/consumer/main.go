package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/chatflow-io/chatflow/internal/api"
	"github.com/chatflow-io/chatflow/internal/bus"
	"github.com/chatflow-io/chatflow/internal/config"
	"github.com/chatflow-io/chatflow/internal/consumer"
	"github.com/chatflow-io/chatflow/internal/database"
	"github.com/chatflow-io/chatflow/internal/queue"
	"github.com/chatflow-io/chatflow/internal/stats"
)

const partitionCheckInterval = 24 * time.Hour

var envFile string

func main() {
	flag.StringVar(&envFile, "env-file", "", "optional env file to load before reading configuration")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatflow-consumer] ", log.LstdFlags)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.Fatal("env file:", err)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("config:", err)
	}

	brokerConn, err := queue.Dial(cfg.BrokerURL(), logger)
	if err != nil {
		logger.Fatal("broker dial:", err)
	}
	defer brokerConn.Close()

	if err := brokerConn.DeclareTopology(); err != nil {
		logger.Fatal("declare topology:", err)
	}
	if err := brokerConn.DeclareRoomQueues(cfg.RoomCount); err != nil {
		logger.Fatal("declare room queues:", err)
	}

	busClient := bus.NewClient(cfg.BusAddr())
	defer busClient.Close()

	opsMux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(opsMux, "chatflow-consumer")
	for _, name := range stats.AllCounters {
		statsUpdater.RegisterMetric(name)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	busPub := bus.NewPublisher(busClient, logger, statsUpdater)
	busPub.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var repo database.MessageRepository
	var writer *consumer.Writer
	var messageWriter consumer.MessageWriter
	if cfg.EnablePersistence {
		pgRepo, err := database.NewPgMessageRepository(cfg.DatabaseDSN())
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer pgRepo.Close()

		if err := pgRepo.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
		if err := pgRepo.EnsurePartitions(time.Now()); err != nil {
			logger.Fatal("ensure partitions:", err)
		}
		go runPartitionManager(ctx, pgRepo, logger)

		repo = pgRepo
		writer = consumer.NewWriter(pgRepo, cfg.DBBatchSize,
			time.Duration(cfg.DBFlushIntervalMs)*time.Millisecond,
			cfg.DBWriterThreads, logger, statsUpdater)
		writer.Start()
		messageWriter = writer
	} else {
		logger.Println("persistence disabled, skipping db writer")
	}

	components := map[string]api.Pinger{
		"broker": func() error {
			if brokerConn.IsClosed() {
				return errors.New("broker connection closed")
			}
			return nil
		},
		"bus": func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return busClient.Ping(pingCtx).Err()
		},
	}
	if repo != nil {
		components["db"] = repo.Ping
	}
	opsServer := api.NewOpsServer(opsMux, cfg.OpsAddr, repo, components, logger, statsUpdater)
	go func() {
		if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Println("ops server:", err)
		}
	}()

	cons := consumer.New(brokerConn, busPub, messageWriter, cfg, logger, statsUpdater)
	if err := cons.Run(ctx); err != nil {
		logger.Println("consumer:", err)
	}

	// workers have flushed their acks; drain the bus publisher, then the
	// db writer, then close storage
	busPub.Stop()
	if writer != nil {
		writer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Println("ops server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func runPartitionManager(ctx context.Context, repo database.MessageRepository, logger *log.Logger) {
	ticker := time.NewTicker(partitionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.EnsurePartitions(time.Now()); err != nil {
				logger.Println("ensure partitions:", err)
			}
		}
	}
}
