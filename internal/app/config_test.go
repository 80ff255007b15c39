package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	require.Equal(t, LockDriverLocal, cfg.LockDriver)
	require.Equal(t, "0 2 * * *", cfg.ReconcileCron)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())

	ledger := cfg.LedgerConfig()
	require.Equal(t, inventory.NegativeStockWarn, ledger.NegativeStock)
	require.Equal(t, 3, ledger.MaxRetries)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOCK_DRIVER", "redis")
	t.Setenv("LEDGER_NEGATIVE_STOCK", "block")
	t.Setenv("LEDGER_LOCK_WAIT", "500ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	require.Equal(t, LockDriverRedis, cfg.LockDriver)
	require.Equal(t, 500*time.Millisecond, cfg.LedgerLockWait)
	require.Equal(t, inventory.NegativeStockBlock, cfg.LedgerConfig().NegativeStock)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreDriver:         StoreDriverMemory,
			LockDriver:          LockDriverLocal,
			LedgerNegativeStock: string(inventory.NegativeStockWarn),
			LedgerLockWait:      time.Second,
		}
	}
	cases := map[string]func(*Config){
		"store":    func(c *Config) { c.StoreDriver = "sqlite" },
		"lock":     func(c *Config) { c.LockDriver = "etcd" },
		"policy":   func(c *Config) { c.LedgerNegativeStock = "ignore" },
		"lockwait": func(c *Config) { c.LedgerLockWait = 0 },
		"retries":  func(c *Config) { c.LedgerMaxRetries = -1 },
	}
	base := valid()
	require.NoError(t, base.Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
