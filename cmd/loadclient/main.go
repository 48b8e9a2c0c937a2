package main

import (
	"flag"
	"log"
	"os"
	"sync"

	"github.com/chatflow-io/chatflow/internal/loadclient"
)

var (
	serverURL  string
	roomCount  int
	numWorkers int
	warmupMsgs int
	totalMsgs  int
	csvPath    string
)

func main() {
	flag.StringVar(&serverURL, "server", "ws://localhost:8080", "edge server base url")
	flag.IntVar(&roomCount, "rooms", 20, "number of rooms to spread traffic across")
	flag.IntVar(&numWorkers, "workers", 50, "number of sender workers")
	flag.IntVar(&warmupMsgs, "warmup", 1000, "messages sent before measurement starts")
	flag.IntVar(&totalMsgs, "messages", 100000, "messages sent in the measured phase")
	flag.StringVar(&csvPath, "csv", "", "optional path for the per-second throughput CSV")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatflow-load] ", log.LstdFlags)

	pool := loadclient.NewPool(serverURL, roomCount, logger)
	pool.StartHeartbeat()
	defer pool.Close()

	breaker := loadclient.NewCircuitBreaker()

	if warmupMsgs > 0 {
		logger.Printf("warmup: %d messages", warmupMsgs)
		runPhase(pool, breaker, loadclient.NewMetrics(), warmupMsgs, logger)
	}

	metrics := loadclient.NewMetrics()
	logger.Printf("main run: %d messages across %d workers", totalMsgs, numWorkers)
	runPhase(pool, breaker, metrics, totalMsgs, logger)

	logger.Println(metrics.Summary())

	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			logger.Fatal("create csv:", err)
		}
		defer f.Close()

		if err := metrics.WriteThroughputCSV(f); err != nil {
			logger.Fatal("write csv:", err)
		}
		logger.Printf("throughput written to %s", csvPath)
	}
}

func runPhase(pool *loadclient.Pool, breaker *loadclient.CircuitBreaker, metrics *loadclient.Metrics, messages int, logger *log.Logger) {
	gen := loadclient.NewGenerator(roomCount, logger)
	go gen.Run(messages)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		w := loadclient.NewWorker(i, pool, breaker, metrics, gen, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run()
		}()
	}
	wg.Wait()
}
