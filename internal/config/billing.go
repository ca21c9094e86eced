package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the hot-reloadable billing and pricing-sync tunables.
type BillingConfig struct {
	// MinBalance is the pre-flight floor in account currency units.
	MinBalance string `mapstructure:"minBalance"`

	// DebitMaxRetries bounds optimistic-lock retries on balance mutation.
	DebitMaxRetries int `mapstructure:"debitMaxRetries"`

	Cache CacheConfig `mapstructure:"cache"`
	Sync  SyncConfig  `mapstructure:"sync"`
}

type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttlSeconds"`
	// ServeStale lets concurrent readers keep the expired value while a
	// single refresh is in flight.
	ServeStale bool `mapstructure:"serveStale"`
}

type SyncConfig struct {
	AutoApplyThresholdPct  float64 `mapstructure:"autoApplyThresholdPct"`
	ProviderTimeoutSeconds int     `mapstructure:"providerTimeoutSeconds"`
	IntervalMinutes        int     `mapstructure:"intervalMinutes"`
	AutoCreateNew          bool    `mapstructure:"autoCreateNew"`
	ReviewStaleHours       int     `mapstructure:"reviewStaleHours"`
	StaleModelDays         int     `mapstructure:"staleModelDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		MinBalance:      "0.01",
		DebitMaxRetries: 3,
		Cache: CacheConfig{
			TTLSeconds: 300,
			ServeStale: true,
		},
		Sync: SyncConfig{
			AutoApplyThresholdPct:  10,
			ProviderTimeoutSeconds: 30,
			IntervalMinutes:        360,
			AutoCreateNew:          false,
			ReviewStaleHours:       72,
			StaleModelDays:         30,
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterline/config") // Volume-mounted config
	v.AddConfigPath("/etc/meterline")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.minBalance", defaults.MinBalance)
	v.SetDefault("billing.debitMaxRetries", defaults.DebitMaxRetries)
	v.SetDefault("billing.cache.ttlSeconds", defaults.Cache.TTLSeconds)
	v.SetDefault("billing.cache.serveStale", defaults.Cache.ServeStale)
	v.SetDefault("billing.sync.autoApplyThresholdPct", defaults.Sync.AutoApplyThresholdPct)
	v.SetDefault("billing.sync.providerTimeoutSeconds", defaults.Sync.ProviderTimeoutSeconds)
	v.SetDefault("billing.sync.intervalMinutes", defaults.Sync.IntervalMinutes)
	v.SetDefault("billing.sync.autoCreateNew", defaults.Sync.AutoCreateNew)
	v.SetDefault("billing.sync.reviewStaleHours", defaults.Sync.ReviewStaleHours)
	v.SetDefault("billing.sync.staleModelDays", defaults.Sync.StaleModelDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func (c BillingConfig) CacheTTL() time.Duration {
	if c.Cache.TTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c BillingConfig) ProviderTimeout() time.Duration {
	if c.Sync.ProviderTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.ProviderTimeoutSeconds) * time.Second
}

func (c BillingConfig) SyncInterval() time.Duration {
	if c.Sync.IntervalMinutes <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.Sync.AutoApplyThresholdPct < 0 {
		return errors.New("billing.sync.autoApplyThresholdPct cannot be negative")
	}
	if cfg.DebitMaxRetries <= 0 {
		return errors.New("billing.debitMaxRetries must be positive")
	}
	return nil
}
