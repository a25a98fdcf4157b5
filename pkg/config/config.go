package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Auth         AuthConfig
	Stripe       StripeConfig
	Email        EmailConfig
	Marketplace  MarketplaceConfig
	Gateway      GatewayConfig
	Availability AvailabilityConfig
	Geocoder     GeocoderConfig
	Session      SessionConfig
	RateLimit    RateLimitConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig is optional: an empty URL disables the incident ledger.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	// JWTSecret, when set, makes the BFF verify bearer signatures instead of
	// only checking presence and expiry.
	JWTSecret string
	LoginURL  string
}

type StripeConfig struct {
	SecretKey   string
	Environment string // sandbox or live
}

type EmailConfig struct {
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPass      string
	SMTPFrom      string
	SMTPUseTLS    bool
	MailerSendKey string
	FromName      string
	SupportEmail  string
	DevMode       bool // print emails to logs instead of sending
}

type MarketplaceConfig struct {
	BaseURL     string
	CallTimeout time.Duration
}

type GatewayConfig struct {
	Provider         string // widget or stripe
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	Currency         string
}

type AvailabilityConfig struct {
	HorizonDays int
	RadiusKm    float64
	CacheTTL    time.Duration
}

type GeocoderConfig struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

type SessionConfig struct {
	TTL time.Duration
}

type RateLimitConfig struct {
	VerifyRequests int
	VerifyWindow   time.Duration
}

func Load() *Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    getInt("DB_MAX_CONNS", 10),
			MinConns:    getInt("DB_MIN_CONNS", 1),
			MaxLifetime: getDuration("DB_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			LoginURL:  getEnv("LOGIN_URL", "/login"),
		},
		Stripe: StripeConfig{
			SecretKey:   getEnv("STRIPE_SECRET_KEY", ""),
			Environment: getEnv("STRIPE_ENV", "sandbox"),
		},
		Email: EmailConfig{
			SMTPHost:      getEnv("SMTP_HOST", "localhost"),
			SMTPPort:      getInt("SMTP_PORT", 1025),
			SMTPUser:      getEnv("SMTP_USER", ""),
			SMTPPass:      getEnv("SMTP_PASS", ""),
			SMTPFrom:      getEnv("SMTP_FROM", "noreply@tripdesk.local"),
			SMTPUseTLS:    getBool("SMTP_USE_TLS", false),
			MailerSendKey: getEnv("MAILERSEND_API_KEY", ""),
			FromName:      getEnv("MAILER_FROM_NAME", "TripDesk"),
			SupportEmail:  getEnv("SUPPORT_EMAIL", "support@tripdesk.local"),
			DevMode:       getBool("EMAIL_DEV_MODE", true),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:     getEnv("MARKETPLACE_URL", "http://localhost:5000/api"),
			CallTimeout: getDuration("MARKETPLACE_CALL_TIMEOUT", 20*time.Second),
		},
		Gateway: GatewayConfig{
			Provider:         getEnv("PAYMENT_GATEWAY", "widget"),
			ReadinessTimeout: getDuration("GATEWAY_READY_TIMEOUT", 10*time.Second),
			PollInterval:     getDuration("GATEWAY_POLL_INTERVAL", 100*time.Millisecond),
			Currency:         getEnv("PAYMENT_CURRENCY", "INR"),
		},
		Availability: AvailabilityConfig{
			HorizonDays: getInt("AVAILABILITY_HORIZON_DAYS", 60),
			RadiusKm:    getFloat("SERVICE_RADIUS_KM", 150),
			CacheTTL:    getDuration("AVAILABILITY_CACHE_TTL", 5*time.Minute),
		},
		Geocoder: GeocoderConfig{
			URL:       getEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org/search"),
			UserAgent: getEnv("GEOCODER_USER_AGENT", "tripdesk-checkout/1.0"),
			Timeout:   getDuration("GEOCODER_TIMEOUT", 5*time.Second),
		},
		Session: SessionConfig{
			TTL: getDuration("CHECKOUT_SESSION_TTL", 45*time.Minute),
		},
		RateLimit: RateLimitConfig{
			VerifyRequests: getInt("VERIFY_RATE_LIMIT", 10),
			VerifyWindow:   getDuration("VERIFY_RATE_WINDOW", 10*time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
