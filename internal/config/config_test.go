package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"LEDGER_HTTP_ADDR", "LEDGER_STORE", "LEDGER_EVENTS_SINK", "LEDGER_ADMIN_USERS",
		"LEDGER_LOCK_TIMEOUT", "LEDGER_TRANSFER_MAX_ATTEMPTS", "LEDGER_DB_MAX_CONNS",
		"LEDGER_EVENTS_PUBLISH_TIMEOUT",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, StorePostgres, cfg.Store)
	require.Equal(t, SinkNone, cfg.EventsSink)
	require.Equal(t, 2*time.Second, cfg.LockTimeout)
	require.Equal(t, 3, cfg.TransferMaxAttempts)
	require.Equal(t, 2*time.Second, cfg.EventsPublishTimeout)
	require.GreaterOrEqual(t, cfg.MaxConns, 4)
	require.LessOrEqual(t, cfg.MaxConns, 50)
	require.Empty(t, cfg.Admins)
}

func TestLoadOverrides(t *testing.T) {
	admin := uuid.New()
	t.Setenv("LEDGER_STORE", "Memory")
	t.Setenv("LEDGER_EVENTS_SINK", "kafka")
	t.Setenv("LEDGER_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("LEDGER_ADMIN_USERS", admin.String())
	t.Setenv("LEDGER_LOCK_TIMEOUT", "750ms")
	t.Setenv("LEDGER_DB_MIGRATE", "1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, SinkKafka, cfg.EventsSink)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, []uuid.UUID{admin}, cfg.Admins)
	require.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	require.True(t, cfg.Migrate)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"LEDGER_STORE":                  "sqlite",
		"LEDGER_EVENTS_SINK":            "nats",
		"LEDGER_TRANSFER_MAX_ATTEMPTS":  "zero",
		"LEDGER_LOCK_TIMEOUT":           "soon",
		"LEDGER_ADMIN_USERS":            "root",
		"LEDGER_HTTP_MAX_INFLIGHT":      "-1",
		"LEDGER_TRANSFER_RETRY_BACKOFF": "-5ms",
		"LEDGER_EVENTS_PUBLISH_TIMEOUT": "later",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = NewLogger("loud", "json")
	require.Error(t, err)

	_, err = NewLogger("info", "xml")
	require.Error(t, err)
}
