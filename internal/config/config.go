package config

import (
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Vault        VaultConfig
	Agent        AgentConfig
	Market       MarketConfig
	Transfer     RetryConfig
	Compensation RetryConfig
	Sweeper      SweeperConfig
	Webhook      WebhookConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

type VaultConfig struct {
	MasterKey string
	Salt      string
}

type AgentConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// MarketConfig carries the marketplace rules. Money values are fixed-point.
type MarketConfig struct {
	ListingTimeout      time.Duration
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	MinWithdrawal       decimal.Decimal
	MinGroupMessages    int
	MaxSessionsPerOwner int
	Currency            string
	BuyingFeeRate       decimal.Decimal
	SellingFeeRate      decimal.Decimal
	ListingFee          decimal.Decimal
	FeeAccountID        int64
	MaxBatchSize        int
}

// ChargesFees reports whether buying and selling fees apply. Without a fee
// account there is nowhere to book them, so the seller receives the full sale.
func (m MarketConfig) ChargesFees() bool {
	return m.FeeAccountID > 0
}

// BuyingFee is the rate added to the price at reservation.
func (m MarketConfig) BuyingFee() decimal.Decimal {
	if !m.ChargesFees() {
		return decimal.Zero
	}
	return m.BuyingFeeRate
}

// SellingFee is the rate withheld from the seller's proceeds.
func (m MarketConfig) SellingFee() decimal.Decimal {
	if !m.ChargesFees() {
		return decimal.Zero
	}
	return m.SellingFeeRate
}

// RetryConfig bounds a retry loop: MaxAttempts tries with exponential backoff from BaseDelay.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type SweeperConfig struct {
	Interval       time.Duration
	StuckTransfer  time.Duration
	LeaseKey       string
	LeaseExpiry    time.Duration
	HealthInterval time.Duration
}

type WebhookConfig struct {
	Secret string
}

type LogConfig struct {
	Level       string
	Development bool
}

var envBindings = map[string]string{
	"server.port":                   "PORT",
	"redis.host":                    "REDIS_HOST",
	"redis.port":                    "REDIS_PORT",
	"redis.password":                "REDIS_PASSWORD",
	"redis.db":                      "REDIS_DB",
	"jwt.secret_key":                "JWT_SECRET_KEY",
	"jwt.expiry_hours":              "JWT_EXPIRY_HOURS",
	"vault.master_key":              "VAULT_MASTER_KEY",
	"vault.salt":                    "VAULT_SALT",
	"agent.base_url":                "AGENT_BASE_URL",
	"agent.token":                   "AGENT_TOKEN",
	"agent.timeout":                 "AGENT_TIMEOUT",
	"market.listing_timeout":        "LISTING_TIMEOUT",
	"market.min_price":              "MIN_PRICE",
	"market.max_price":              "MAX_PRICE",
	"market.min_withdrawal":         "MIN_WITHDRAWAL",
	"market.min_group_messages":     "MIN_GROUP_MESSAGES",
	"market.max_sessions_per_owner": "MAX_SESSIONS_PER_OWNER",
	"market.currency":               "MARKET_CURRENCY",
	"market.buying_fee_rate":        "BUYING_FEE_RATE",
	"market.selling_fee_rate":       "SELLING_FEE_RATE",
	"market.listing_fee":            "LISTING_FEE",
	"market.fee_account_id":         "FEE_ACCOUNT_ID",
	"market.max_batch_size":         "MAX_BATCH_SIZE",
	"transfer.max_attempts":         "TRANSFER_MAX_ATTEMPTS",
	"transfer.base_delay":           "TRANSFER_BASE_DELAY",
	"compensation.max_attempts":     "COMPENSATION_MAX_ATTEMPTS",
	"compensation.base_delay":       "COMPENSATION_BASE_DELAY",
	"sweeper.interval":              "SWEEPER_INTERVAL",
	"sweeper.stuck_transfer":        "SWEEPER_STUCK_TRANSFER",
	"sweeper.health_interval":       "SESSION_HEALTH_INTERVAL",
	"webhook.secret":                "TIP_WEBHOOK_SECRET",
	"log.level":                     "LOG_LEVEL",
	"log.development":               "LOG_DEVELOPMENT",
}

// Init points viper at the .env file and binds every supported environment variable.
func Init() {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, env := range envBindings {
		_ = viper.BindEnv(key, env)
	}

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("jwt.expiry_hours", 24)

	viper.SetDefault("agent.base_url", "http://localhost:9090")
	viper.SetDefault("agent.timeout", 30*time.Second)

	viper.SetDefault("market.listing_timeout", 300*time.Second)
	viper.SetDefault("market.min_price", "0.01")
	viper.SetDefault("market.max_price", "99.99")
	viper.SetDefault("market.min_withdrawal", "1.00")
	viper.SetDefault("market.min_group_messages", 4)
	viper.SetDefault("market.max_sessions_per_owner", 5)
	viper.SetDefault("market.currency", "USDT")
	viper.SetDefault("market.buying_fee_rate", "0")
	viper.SetDefault("market.selling_fee_rate", "0.005")
	viper.SetDefault("market.listing_fee", "0")
	viper.SetDefault("market.fee_account_id", 0)
	viper.SetDefault("market.max_batch_size", 20)

	viper.SetDefault("transfer.max_attempts", 4)
	viper.SetDefault("transfer.base_delay", 2*time.Second)
	viper.SetDefault("transfer.max_delay", 30*time.Second)
	viper.SetDefault("compensation.max_attempts", 8)
	viper.SetDefault("compensation.base_delay", 500*time.Millisecond)
	viper.SetDefault("compensation.max_delay", 30*time.Second)

	viper.SetDefault("sweeper.interval", 15*time.Second)
	viper.SetDefault("sweeper.stuck_transfer", 10*time.Minute)
	viper.SetDefault("sweeper.lease_key", "groupmarket:sweeper")
	viper.SetDefault("sweeper.lease_expiry", 2*time.Minute)
	viper.SetDefault("sweeper.health_interval", 5*time.Minute)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
}

// Load returns the full configuration with defaults applied.
func Load() *Config {
	setDefaults()

	return &Config{
		Server: ServerConfig{
			Port:            viper.GetString("server.port"),
			ReadTimeout:     viper.GetDuration("server.read_timeout"),
			WriteTimeout:    viper.GetDuration("server.write_timeout"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey:   viper.GetString("jwt.secret_key"),
			ExpiryHours: viper.GetInt("jwt.expiry_hours"),
		},
		Vault: VaultConfig{
			MasterKey: viper.GetString("vault.master_key"),
			Salt:      viper.GetString("vault.salt"),
		},
		Agent: AgentConfig{
			BaseURL: viper.GetString("agent.base_url"),
			Token:   viper.GetString("agent.token"),
			Timeout: viper.GetDuration("agent.timeout"),
		},
		Market: MarketConfig{
			ListingTimeout:      viper.GetDuration("market.listing_timeout"),
			MinPrice:            getDecimal("market.min_price"),
			MaxPrice:            getDecimal("market.max_price"),
			MinWithdrawal:       getDecimal("market.min_withdrawal"),
			MinGroupMessages:    viper.GetInt("market.min_group_messages"),
			MaxSessionsPerOwner: viper.GetInt("market.max_sessions_per_owner"),
			Currency:            viper.GetString("market.currency"),
			BuyingFeeRate:       getDecimal("market.buying_fee_rate"),
			SellingFeeRate:      getDecimal("market.selling_fee_rate"),
			ListingFee:          getDecimal("market.listing_fee"),
			FeeAccountID:        viper.GetInt64("market.fee_account_id"),
			MaxBatchSize:        viper.GetInt("market.max_batch_size"),
		},
		Transfer: RetryConfig{
			MaxAttempts: viper.GetInt("transfer.max_attempts"),
			BaseDelay:   viper.GetDuration("transfer.base_delay"),
			MaxDelay:    viper.GetDuration("transfer.max_delay"),
		},
		Compensation: RetryConfig{
			MaxAttempts: viper.GetInt("compensation.max_attempts"),
			BaseDelay:   viper.GetDuration("compensation.base_delay"),
			MaxDelay:    viper.GetDuration("compensation.max_delay"),
		},
		Sweeper: SweeperConfig{
			Interval:       viper.GetDuration("sweeper.interval"),
			StuckTransfer:  viper.GetDuration("sweeper.stuck_transfer"),
			LeaseKey:       viper.GetString("sweeper.lease_key"),
			LeaseExpiry:    viper.GetDuration("sweeper.lease_expiry"),
			HealthInterval: viper.GetDuration("sweeper.health_interval"),
		},
		Webhook: WebhookConfig{
			Secret: viper.GetString("webhook.secret"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
	}
}

// DefaultMarket returns the marketplace rules with their default values.
func DefaultMarket() MarketConfig {
	return MarketConfig{
		ListingTimeout:      300 * time.Second,
		MinPrice:            decimal.RequireFromString("0.01"),
		MaxPrice:            decimal.RequireFromString("99.99"),
		MinWithdrawal:       decimal.RequireFromString("1.00"),
		MinGroupMessages:    4,
		MaxSessionsPerOwner: 5,
		Currency:            "USDT",
		BuyingFeeRate:       decimal.Zero,
		SellingFeeRate:      decimal.RequireFromString("0.005"),
		ListingFee:          decimal.Zero,
		FeeAccountID:        0,
		MaxBatchSize:        20,
	}
}

func getDecimal(key string) decimal.Decimal {
	raw := viper.GetString(key)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("Invalid decimal for %s (%q), using zero: %v", key, raw, err)
		return decimal.Zero
	}
	return d
}
