package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Orders.AdminStatusOverride)
	assert.Equal(t, 10, cfg.Orders.DefaultPageSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", DriverMemory)
	t.Setenv("CACHE_TTL", "90")
	t.Setenv("FULFILLMENT_PROCESSING_DELAY", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("ORDER_ADMIN_STATUS_OVERRIDE", "true")

	cfg := Load()

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.ProcessingDelay)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.True(t, cfg.Orders.AdminStatusOverride)
}
