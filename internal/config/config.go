package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Service-class
// tables may additionally come from a YAML file named by CONFIG_FILE.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are honoured. Empty means forwarded headers are ignored.
	TrustedProxies []*net.IPNet

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroup       string
	KafkaEventsTopic string

	PGDSN         string
	RunMigrations bool

	LogLevel   string
	ConfigFile string

	OSRMURL      string
	JWTSecret    string
	StripeAPIKey string
	FeeCurrency  string
	FCMEndpoint  string
	FCMKey       string

	Locator       LocatorConfig
	Bidding       BiddingConfig
	RateLimit     RateLimitConfig
	Classes       map[models.ServiceClass]ClassConfig
	FeePercent    float64
	SingleOpen    bool
	RelayPoll     time.Duration
	RouteCacheTTL time.Duration
}

type LocatorConfig struct {
	DefaultRadiusM float64
	RadiusFactor   float64
	MaxAttempts    int
	MaxRadiusM     float64
	TopK           int
	Staleness      time.Duration
}

type BiddingConfig struct {
	PriceBandMin  float64
	PriceBandMax  float64
	AutoAccept    bool
	SweepInterval time.Duration
}

type RateLimitConfig struct {
	Window        time.Duration
	Create        int
	Payment       int
	Write         int
	Read          int
	PingPerSecond float64
	PingBurst     int
	SweepInterval time.Duration
}

// Tariff feeds the route-based price estimate of a service class.
type Tariff struct {
	Base    float64 `mapstructure:"base"`
	PerKm   float64 `mapstructure:"per_km"`
	PerMin  float64 `mapstructure:"per_min"`
	Minimum float64 `mapstructure:"minimum"`
}

type ClassConfig struct {
	Window  time.Duration `mapstructure:"window"`
	RadiusM float64       `mapstructure:"radius_m"`
	Tariff  Tariff        `mapstructure:"tariff"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "workers_geo",
		KafkaTopic:       "worker-locations",
		KafkaGroup:       "ride-bidding-consumer",
		KafkaEventsTopic: "order-events",
		LogLevel:         "info",
		FeeCurrency:      "usd",
		Locator: LocatorConfig{
			DefaultRadiusM: 3000,
			RadiusFactor:   1.5,
			MaxAttempts:    3,
			MaxRadiusM:     10000,
			TopK:           10,
			Staleness:      2 * time.Minute,
		},
		Bidding: BiddingConfig{
			PriceBandMin:  0.5,
			PriceBandMax:  1.5,
			AutoAccept:    true,
			SweepInterval: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:        time.Minute,
			Create:        5,
			Payment:       10,
			Write:         30,
			Read:          120,
			PingPerSecond: 1,
			PingBurst:     5,
			SweepInterval: time.Minute,
		},
		Classes:       DefaultClasses(),
		FeePercent:    10,
		SingleOpen:    true,
		RelayPoll:     250 * time.Millisecond,
		RouteCacheTTL: 10 * time.Minute,
	}
}

// DefaultClasses is the built-in service-class table.
func DefaultClasses() map[models.ServiceClass]ClassConfig {
	return map[models.ServiceClass]ClassConfig{
		models.ClassEconomy:  {Window: 60 * time.Second, Tariff: Tariff{Base: 150, PerKm: 90, PerMin: 20, Minimum: 500}},
		models.ClassComfort:  {Window: 90 * time.Second, Tariff: Tariff{Base: 250, PerKm: 130, PerMin: 30, Minimum: 800}},
		models.ClassDelivery: {Window: 120 * time.Second, Tariff: Tariff{Base: 200, PerKm: 100, PerMin: 10, Minimum: 600}},
		models.ClassCargo:    {Window: 180 * time.Second, RadiusM: 5000, Tariff: Tariff{Base: 800, PerKm: 250, PerMin: 40, Minimum: 2500}},
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		for _, c := range splitAndTrim(v) {
			_, n, err := net.ParseCIDR(c)
			if err != nil {
				errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
				continue
			}
			cfg.TrustedProxies = append(cfg.TrustedProxies, n)
		}
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.ConfigFile, "CONFIG_FILE")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FeeCurrency, "FEE_CURRENCY")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setFloatFromEnv(&cfg.Locator.DefaultRadiusM, "LOCATOR_DEFAULT_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.Locator.RadiusFactor, "LOCATOR_RADIUS_FACTOR", &errs)
	setIntFromEnv(&cfg.Locator.MaxAttempts, "LOCATOR_MAX_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.Locator.MaxRadiusM, "LOCATOR_MAX_RADIUS_M", &errs)
	setIntFromEnv(&cfg.Locator.TopK, "LOCATOR_TOP_K", &errs)
	setDurationFromEnv(&cfg.Locator.Staleness, "LOCATOR_STALENESS", &errs)

	setFloatFromEnv(&cfg.Bidding.PriceBandMin, "BIDDING_PRICE_BAND_MIN", &errs)
	setFloatFromEnv(&cfg.Bidding.PriceBandMax, "BIDDING_PRICE_BAND_MAX", &errs)
	setBoolFromEnv(&cfg.Bidding.AutoAccept, "BIDDING_AUTO_ACCEPT", &errs)
	setDurationFromEnv(&cfg.Bidding.SweepInterval, "SWEEP_INTERVAL", &errs)

	setDurationFromEnv(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW", &errs)
	setIntFromEnv(&cfg.RateLimit.Create, "RATE_LIMIT_CREATE", &errs)
	setIntFromEnv(&cfg.RateLimit.Payment, "RATE_LIMIT_PAYMENT", &errs)
	setIntFromEnv(&cfg.RateLimit.Write, "RATE_LIMIT_WRITE", &errs)
	setIntFromEnv(&cfg.RateLimit.Read, "RATE_LIMIT_READ", &errs)
	setFloatFromEnv(&cfg.RateLimit.PingPerSecond, "RATE_LIMIT_PING_RPS", &errs)
	setIntFromEnv(&cfg.RateLimit.PingBurst, "RATE_LIMIT_PING_BURST", &errs)

	setFloatFromEnv(&cfg.FeePercent, "CANCEL_FEE_PERCENT", &errs)
	setBoolFromEnv(&cfg.SingleOpen, "INTAKE_SINGLE_OPEN_REQUEST", &errs)
	setDurationFromEnv(&cfg.RelayPoll, "EVENT_RELAY_POLL", &errs)

	if cfg.ConfigFile != "" {
		classes, err := loadClassFile(cfg.ConfigFile, cfg.Classes)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Classes = classes
		}
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Locator.TopK <= 0 {
		errs = append(errs, fmt.Errorf("LOCATOR_TOP_K must be > 0"))
	}
	if c.Locator.RadiusFactor <= 1 {
		errs = append(errs, fmt.Errorf("LOCATOR_RADIUS_FACTOR must be > 1"))
	}
	if c.Locator.MaxRadiusM < c.Locator.DefaultRadiusM {
		errs = append(errs, fmt.Errorf("LOCATOR_MAX_RADIUS_M must be >= LOCATOR_DEFAULT_RADIUS_M"))
	}
	if c.Bidding.PriceBandMin <= 0 || c.Bidding.PriceBandMax < c.Bidding.PriceBandMin {
		errs = append(errs, fmt.Errorf("invalid bidding price band [%v, %v]", c.Bidding.PriceBandMin, c.Bidding.PriceBandMax))
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		errs = append(errs, fmt.Errorf("CANCEL_FEE_PERCENT must be within [0, 100]"))
	}
	for class, cc := range c.Classes {
		if cc.Window <= 0 {
			errs = append(errs, fmt.Errorf("service class %s: window must be > 0", class))
		}
	}
	return errs
}

// WindowFor returns the bidding window of class, falling back to 60s.
func (c ServerConfig) WindowFor(class models.ServiceClass) time.Duration {
	if cc, ok := c.Classes[class]; ok && cc.Window > 0 {
		return cc.Window
	}
	return 60 * time.Second
}

// RadiusFor returns the initial search radius of class.
func (c ServerConfig) RadiusFor(class models.ServiceClass) float64 {
	if cc, ok := c.Classes[class]; ok && cc.RadiusM > 0 {
		return cc.RadiusM
	}
	return c.Locator.DefaultRadiusM
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
