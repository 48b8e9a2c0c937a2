package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries every tunable of the pipeline. Broker and bus coordinates
// are required; everything else has a default.
type Config struct {
	BrokerHost string
	BrokerPort int
	BrokerUser string
	BrokerPass string

	BusHost string
	BusPort int

	DBHost string
	DBPort int
	DBName string
	DBUser string
	DBPass string

	ServerAddr string
	OpsAddr    string

	RoomCount        int
	PrefetchCount    int
	ConsumersPerRoom int

	DBBatchSize       int
	DBFlushIntervalMs int
	DBWriterThreads   int
	EnablePersistence bool
}

func FromEnv() (*Config, error) {
	cfg := &Config{
		BrokerHost: os.Getenv("BROKER_HOST"),
		BrokerUser: os.Getenv("BROKER_USER"),
		BrokerPass: os.Getenv("BROKER_PASS"),
		BusHost:    os.Getenv("BUS_HOST"),
		DBHost:     envOrDefault("DB_HOST", "localhost"),
		DBName:     envOrDefault("DB_NAME", "chatflow"),
		DBUser:     envOrDefault("DB_USER", "postgres"),
		DBPass:     envOrDefault("DB_PASS", "postgres"),
		ServerAddr: envOrDefault("SERVER_ADDR", ":8080"),
		OpsAddr:    envOrDefault("OPS_ADDR", ":8081"),
	}

	if cfg.BrokerHost == "" {
		return nil, fmt.Errorf("BROKER_HOST is required")
	}
	if cfg.BrokerUser == "" {
		return nil, fmt.Errorf("BROKER_USER is required")
	}
	if cfg.BrokerPass == "" {
		return nil, fmt.Errorf("BROKER_PASS is required")
	}
	if cfg.BusHost == "" {
		return nil, fmt.Errorf("BUS_HOST is required")
	}

	var err error
	if cfg.BrokerPort, err = envInt("BROKER_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.BrokerPort == 0 {
		return nil, fmt.Errorf("BROKER_PORT is required")
	}
	if cfg.BusPort, err = envInt("BUS_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.BusPort == 0 {
		return nil, fmt.Errorf("BUS_PORT is required")
	}
	if cfg.DBPort, err = envInt("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.RoomCount, err = envInt("ROOM_COUNT", 20); err != nil {
		return nil, err
	}
	if cfg.PrefetchCount, err = envInt("PREFETCH_COUNT", 100); err != nil {
		return nil, err
	}
	if cfg.ConsumersPerRoom, err = envInt("CONSUMERS_PER_ROOM", 5); err != nil {
		return nil, err
	}
	if cfg.DBBatchSize, err = envInt("DB_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.DBFlushIntervalMs, err = envInt("DB_FLUSH_INTERVAL_MS", 500); err != nil {
		return nil, err
	}
	if cfg.DBWriterThreads, err = envInt("DB_WRITER_THREADS", 4); err != nil {
		return nil, err
	}
	if cfg.EnablePersistence, err = envBool("ENABLE_PERSISTENCE", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BrokerURL returns the amqp connection URL.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.BrokerUser, c.BrokerPass, c.BrokerHost, c.BrokerPort)
}

// BusAddr returns the host:port of the pub/sub substrate.
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.BusHost, c.BusPort)
}

// DatabaseDSN returns the lib/pq connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}
