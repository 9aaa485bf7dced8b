package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "INR", cfg.Gateway.Currency)
	assert.Equal(t, 30*time.Minute, cfg.Business.PaymentAuthorizationTTL())
	assert.Equal(t, time.Minute, cfg.Business.PaymentSweepInterval())
	assert.Equal(t, 24*time.Hour, cfg.Business.WebhookDedupeTTL())
	assert.Equal(t, int64(5000), cfg.Business.StandardShippingCost)
	assert.Equal(t, int64(15000), cfg.Business.ExpressShippingCost)
	assert.Equal(t, int64(100000), cfg.Business.FreeShippingThreshold)
	assert.Equal(t, "0.18", cfg.Business.TaxRate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_DRIVER", DriverMemory)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PAYMENT_AUTHORIZATION_TTL_SECONDS", "600")
	t.Setenv("DATABASE_AUTO_MIGRATE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.Business.PaymentAuthorizationTTL())
	assert.False(t, cfg.Database.AutoMigrate)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}},
		{"non-numeric ttl", map[string]string{"PAYMENT_AUTHORIZATION_TTL_SECONDS": "soon"}},
		{"zero sweep interval", map[string]string{"PAYMENT_SWEEP_INTERVAL_SECONDS": "0"}},
		{"negative shipping", map[string]string{"SHIPPING_EXPRESS_COST": "-1"}},
		{"bad bool", map[string]string{"DATABASE_AUTO_MIGRATE": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
