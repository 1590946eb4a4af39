/**
 * @description
 * This package handles the configuration management for the relay-service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), and builds the explicit per-network records the engine and oracle client use.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/spf13/viper"
)

// NetworkConfig is everything network-specific: endpoints and safety thresholds.
type NetworkConfig struct {
	Name              domain.Network
	APIBase           string
	ExplorerBase      string
	FeeAPIBase        string
	MinConfirmations  int
	DustThresholdSats int64
}

// TxURL links a transaction on the block explorer.
func (n NetworkConfig) TxURL(txid string) string {
	return strings.TrimSuffix(n.ExplorerBase, "/") + "/tx/" + txid
}

// AddressURL links an address on the block explorer.
func (n NetworkConfig) AddressURL(address string) string {
	return strings.TrimSuffix(n.ExplorerBase, "/") + "/address/" + address
}

// Config holds all the configuration variables for the relay-service.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	StoreDriver             string `mapstructure:"STORE_DRIVER"`
	RunMigrations           bool   `mapstructure:"RUN_MIGRATIONS"`
	ActiveNetwork           string `mapstructure:"ACTIVE_NETWORK"`
	TestnetAPIBase          string `mapstructure:"TESTNET_API_BASE"`
	TestnetExplorerBase     string `mapstructure:"TESTNET_EXPLORER_BASE"`
	TestnetFeeAPIBase       string `mapstructure:"TESTNET_FEE_API_BASE"`
	MainnetAPIBase          string `mapstructure:"MAINNET_API_BASE"`
	MainnetExplorerBase     string `mapstructure:"MAINNET_EXPLORER_BASE"`
	MainnetFeeAPIBase       string `mapstructure:"MAINNET_FEE_API_BASE"`
	OracleTimeoutSeconds    int    `mapstructure:"ORACLE_TIMEOUT_SECONDS"`
	OracleRequestsPerSecond int    `mapstructure:"ORACLE_REQUESTS_PER_SECOND"`
	EngineSchedule          string `mapstructure:"ENGINE_SCHEDULE"`
	EngineWorkers           int    `mapstructure:"ENGINE_WORKERS"`
	EngineAutostart         bool   `mapstructure:"ENGINE_AUTOSTART"`
	MaxRelayAttempts        int    `mapstructure:"MAX_RELAY_ATTEMPTS"`
	MaxRelayAmountSats      int64  `mapstructure:"MAX_RELAY_AMOUNT_SATS"`
	SessionSecret           string `mapstructure:"SESSION_SECRET"`
	SessionTTLMinutes       int    `mapstructure:"SESSION_TTL_MINUTES"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventExchange           string `mapstructure:"EVENT_EXCHANGE"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	LoginRateLimitPerMinute int    `mapstructure:"LOGIN_RATE_LIMIT_PER_MINUTE"`

	Networks map[domain.Network]NetworkConfig `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("ACTIVE_NETWORK", string(domain.NetworkTestnet))
	viper.SetDefault("TESTNET_API_BASE", "https://blockstream.info/testnet/api")
	viper.SetDefault("TESTNET_EXPLORER_BASE", "https://blockstream.info/testnet")
	viper.SetDefault("TESTNET_FEE_API_BASE", "https://mempool.space/testnet/api")
	viper.SetDefault("MAINNET_API_BASE", "https://blockstream.info/api")
	viper.SetDefault("MAINNET_EXPLORER_BASE", "https://blockstream.info")
	viper.SetDefault("MAINNET_FEE_API_BASE", "https://mempool.space/api")
	viper.SetDefault("ORACLE_TIMEOUT_SECONDS", 30)
	viper.SetDefault("ORACLE_REQUESTS_PER_SECOND", 5)
	viper.SetDefault("ENGINE_SCHEDULE", "@every 30s")
	viper.SetDefault("ENGINE_WORKERS", 4)
	viper.SetDefault("ENGINE_AUTOSTART", true)
	viper.SetDefault("MAX_RELAY_ATTEMPTS", 5)
	viper.SetDefault("MAX_RELAY_AMOUNT_SATS", domain.MaxRelayAmountSats)
	viper.SetDefault("SESSION_TTL_MINUTES", 720)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("EVENT_EXCHANGE", "relay.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "relay:rate_limit")
	viper.SetDefault("LOGIN_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("ACTIVE_NETWORK", "ACTIVE_NETWORK", "BITCOIN_NETWORK")
	_ = viper.BindEnv("TESTNET_API_BASE")
	_ = viper.BindEnv("TESTNET_EXPLORER_BASE")
	_ = viper.BindEnv("TESTNET_FEE_API_BASE")
	_ = viper.BindEnv("MAINNET_API_BASE")
	_ = viper.BindEnv("MAINNET_EXPLORER_BASE")
	_ = viper.BindEnv("MAINNET_FEE_API_BASE")
	_ = viper.BindEnv("ORACLE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ORACLE_REQUESTS_PER_SECOND")
	_ = viper.BindEnv("ENGINE_SCHEDULE")
	_ = viper.BindEnv("ENGINE_WORKERS")
	_ = viper.BindEnv("ENGINE_AUTOSTART")
	_ = viper.BindEnv("MAX_RELAY_ATTEMPTS")
	_ = viper.BindEnv("MAX_RELAY_AMOUNT_SATS")
	_ = viper.BindEnv("SESSION_SECRET")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("LOGIN_RATE_LIMIT_PER_MINUTE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "postgres" && config.StoreDriver != "memory" {
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = "postgres"
	}

	config.ActiveNetwork = strings.ToLower(strings.TrimSpace(config.ActiveNetwork))
	if _, parseErr := domain.ParseNetwork(config.ActiveNetwork); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid ACTIVE_NETWORK; using testnet\" value=%q", config.ActiveNetwork)
		config.ActiveNetwork = string(domain.NetworkTestnet)
	}

	if config.EngineWorkers < 1 {
		config.EngineWorkers = 1
	}
	if config.MaxRelayAttempts < 1 {
		log.Printf("level=warn component=config msg=\"MAX_RELAY_ATTEMPTS must be positive; using 5\" value=%d", config.MaxRelayAttempts)
		config.MaxRelayAttempts = 5
	}
	if config.MaxRelayAmountSats <= 0 || config.MaxRelayAmountSats > domain.MaxRelayAmountSats {
		config.MaxRelayAmountSats = domain.MaxRelayAmountSats
	}
	if config.OracleTimeoutSeconds <= 0 {
		config.OracleTimeoutSeconds = 30
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "relay:rate_limit"
	}

	config.Networks = map[domain.Network]NetworkConfig{
		domain.NetworkTestnet: {
			Name:              domain.NetworkTestnet,
			APIBase:           strings.TrimSuffix(config.TestnetAPIBase, "/"),
			ExplorerBase:      strings.TrimSuffix(config.TestnetExplorerBase, "/"),
			FeeAPIBase:        strings.TrimSuffix(config.TestnetFeeAPIBase, "/"),
			MinConfirmations:  1,
			DustThresholdSats: 546,
		},
		domain.NetworkMainnet: {
			Name:              domain.NetworkMainnet,
			APIBase:           strings.TrimSuffix(config.MainnetAPIBase, "/"),
			ExplorerBase:      strings.TrimSuffix(config.MainnetExplorerBase, "/"),
			FeeAPIBase:        strings.TrimSuffix(config.MainnetFeeAPIBase, "/"),
			MinConfirmations:  3,
			DustThresholdSats: 546,
		},
	}

	return
}

// Network returns the record for a network name.
func (c Config) Network(name domain.Network) (NetworkConfig, error) {
	n, ok := c.Networks[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %q is not configured", name)
	}
	return n, nil
}

// OracleTimeout is the deadline applied to every oracle call.
func (c Config) OracleTimeout() time.Duration {
	if c.OracleTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

// SessionTTL is how long an issued session token stays valid.
func (c Config) SessionTTL() time.Duration {
	if c.SessionTTLMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
