package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-core/internal/domain/order"
)

// Config holds the complete application configuration, loadable from
// environment variables (MARKET_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (MARKET_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Pricing      PricingConfig
	Midtrans     MidtransConfig
	Sweeper      SweeperConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// PricingConfig holds the flat checkout pricing rules. Amounts are decimal
// strings so that no float rounding reaches the ledger.
type PricingConfig struct {
	Currency     string        `default:"IDR" usage:"ISO currency of every order"`
	Scale        int32         `default:"0" usage:"Currency decimal places"`
	ShippingCost string        `default:"15000" usage:"Flat shipping cost per order" flag:"shipping-cost"`
	TaxRate      string        `default:"0.11" usage:"Tax rate applied to the item subtotal" flag:"tax-rate"`
	PaymentTTL   time.Duration `default:"24h" usage:"How long a payment may stay pending" flag:"payment-ttl"`
}

// MidtransConfig configures the online payment gateway. Online payments are
// disabled when ServerKey is empty.
type MidtransConfig struct {
	ServerKey string `usage:"Midtrans server key" flag:"midtrans-server-key"`
	SnapURL   string `default:"https://app.sandbox.midtrans.com" usage:"Snap API base URL" flag:"midtrans-snap-url"`
	APIURL    string `default:"https://api.sandbox.midtrans.com" usage:"Core API base URL" flag:"midtrans-api-url"`
}

// SweeperConfig controls reconciliation of payments that got no webhook.
type SweeperConfig struct {
	Interval  time.Duration `default:"1m" usage:"Sweep interval" flag:"sweeper-interval"`
	PollAfter time.Duration `default:"15m" usage:"Idle time before the gateway is polled" flag:"sweeper-poll-after"`
	BatchSize int           `default:"100" usage:"Payments per sweep" flag:"sweeper-batch"`
}

// OutboxConfig controls the event relay. The relay is off without brokers.
type OutboxConfig struct {
	Brokers      []string      `usage:"Kafka brokers" flag:"kafka-brokers"`
	Topic        string        `default:"marketplace.events" usage:"Kafka topic for domain events" flag:"kafka-topic"`
	Interval     time.Duration `default:"1s" usage:"Outbox poll interval" flag:"outbox-interval"`
	BatchSize    int           `default:"100" usage:"Events per publish" flag:"outbox-batch"`
	WriteTimeout time.Duration `default:"10s" usage:"Kafka write timeout" flag:"kafka-write-timeout"`
	MaxBacklog   int           `default:"10000" usage:"Pending events before readiness fails" flag:"outbox-max-backlog"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "MARKET",
		Files:     []string{"config.yaml", "/etc/marketplace/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set MARKET_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set MARKET_API_KEY_PEPPER")
	}
	if _, err := c.Pricing.Rules(); err != nil {
		return err
	}
	return nil
}

// Rules parses the pricing section.
func (p PricingConfig) Rules() (order.Pricing, error) {
	shipping, err := decimal.NewFromString(p.ShippingCost)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse shipping cost")
	}
	rate, err := decimal.NewFromString(p.TaxRate)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse tax rate")
	}
	if shipping.IsNegative() || rate.IsNegative() {
		return order.Pricing{}, errors.New("shipping cost and tax rate must not be negative")
	}
	return order.Pricing{
		Currency:     p.Currency,
		ShippingCost: shipping,
		TaxRate:      rate,
		Scale:        p.Scale,
	}, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's MARKET_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
