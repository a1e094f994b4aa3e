package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret      string
	TokenTTL       time.Duration
	RequestTTL     time.Duration
	ExpirySweep    time.Duration
	NearbyRadiusM  float64
	GoogleMapsKey  string
	StripeAPIKey   string
	StripeCurrency string
	AMQPURL        string
	NoticeExchange string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-locations",
		TokenTTL:        24 * time.Hour,
		RequestTTL:      30 * time.Minute,
		ExpirySweep:     time.Minute,
		NearbyRadiusM:   3000,
		StripeCurrency:  "eur",
		NoticeExchange:  "trip-exchange.notices",
		LogLevel:        "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.ExpirySweep, "EXPIRY_SWEEP_INTERVAL", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusM, "NEARBY_RADIUS_M", &errs)
	cfg.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	setStringFromEnv(&cfg.NoticeExchange, "NOTICE_EXCHANGE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig drives the headless client binary: which account, which
// request kind, and where the collaborator lives.
type AgentConfig struct {
	ServerURL string
	Token     string
	Kind      string
	Role      string

	PollInterval   time.Duration
	BidInterval    time.Duration
	NearbyInterval time.Duration
	NearbyRadiusM  float64

	AMQPURL        string
	NoticeExchange string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:      "http://localhost:8080",
		Kind:           "ride",
		Role:           "requester",
		PollInterval:   10 * time.Second,
		BidInterval:    3 * time.Second,
		NearbyInterval: 30 * time.Second,
		NearbyRadiusM:  3000,
		NoticeExchange: "trip-exchange.notices",
		LogLevel:       "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "SERVER_URL")
	cfg.Token = os.Getenv("API_TOKEN")
	setStringFromEnv(&cfg.Kind, "REQUEST_KIND")
	setStringFromEnv(&cfg.Role, "REQUEST_ROLE")
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.BidInterval, "BID_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.NearbyInterval, "NEARBY_POLL_INTERVAL", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusM, "NEARBY_RADIUS_M", &errs)
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	setStringFromEnv(&cfg.NoticeExchange, "NOTICE_EXCHANGE")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Token == "" {
		errs = append(errs, fmt.Errorf("API_TOKEN is required"))
	}

	return cfg, errors.Join(errs...)
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
