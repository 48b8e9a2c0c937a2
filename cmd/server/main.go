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

	"github.com/chatflow-io/chatflow/internal/api"
	"github.com/chatflow-io/chatflow/internal/bus"
	"github.com/chatflow-io/chatflow/internal/config"
	"github.com/chatflow-io/chatflow/internal/queue"
	"github.com/chatflow-io/chatflow/internal/server"
	"github.com/chatflow-io/chatflow/internal/stats"
)

const publisherPoolSize = 32

var envFile string

func main() {
	flag.StringVar(&envFile, "env-file", "", "optional env file to load before reading configuration")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatflow-server] ", log.LstdFlags)

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
	statsUpdater := stats.NewStatsUpdater(opsMux, "chatflow-server")
	for _, name := range stats.AllCounters {
		statsUpdater.RegisterMetric(name)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	publisher := queue.NewPublisher(brokerConn, publisherPoolSize, logger, statsUpdater)
	defer publisher.Close()

	chatServer := server.NewChatServer(logger, statsUpdater, publisher, cfg.RoomCount)

	bridge := server.NewBusBridge(busClient, chatServer, logger, statsUpdater)
	go bridge.Run()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("GET /chat/{room}", chatServer.ServeWS)
	wsServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: wsMux,
	}

	components := map[string]api.Pinger{
		"broker": func() error {
			if brokerConn.IsClosed() {
				return errors.New("broker connection closed")
			}
			return nil
		},
		"bus": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return busClient.Ping(ctx).Err()
		},
	}
	opsServer := api.NewOpsServer(opsMux, cfg.OpsAddr, nil, components, logger, statsUpdater)

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("serving websockets on %s", cfg.ServerAddr)
		errCh <- wsServer.ListenAndServe()
	}()
	go func() {
		errCh <- opsServer.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// stop accepting sockets, close existing, then the bridge, then the broker
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Println("ws server shutdown:", err)
	}
	chatServer.Shutdown()
	bridge.Stop()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Println("ops server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
