// Package appconfig loads the scheduling service configuration from the
// environment.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callpilot/callpilot/libs/config"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
)

type Config struct {
	ServiceName string
	Port        string
	GRPCPort    string

	ClinicName      string
	Location        *time.Location
	Hours           availability.BusinessHours
	Granularity     time.Duration
	MaxRangeDays    int
	DefaultDuration time.Duration
	TypeDurations   map[string]time.Duration

	CalendarProvider    string
	CalendarID          string
	CalendarTimeout     time.Duration
	CalendarMaxAttempts int

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	FrontendURL        string

	TokenStore         string
	TokenFile          string
	TokenAccount       string
	TokenEncryptionKey string
	DatabaseURL        string

	RedisURL     string
	KafkaBrokers string

	RemindersEnabled bool
	ReminderInterval time.Duration
	ReminderLeadTime time.Duration

	SMSWebhookURL   string
	SMSWebhookToken string
	EmailProvider   string
	SMTPHost        string
	SMTPPort        string
	EmailFrom       string
	SendGridAPIKey  string

	JWTSecret   string
	JWKSURL     string
	CORSOrigins []string
	RateLimit   int
	// RequestTimeout bounds every API request.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func Load() (Config, error) {
	var (
		cfg Config
		err error
	)
	cfg.ServiceName = config.String("SERVICE_NAME", "scheduling-service")
	if cfg.Port, err = config.Port("PORT", "8080"); err != nil {
		return Config{}, err
	}
	if cfg.GRPCPort = config.String("GRPC_PORT", "9090"); cfg.GRPCPort != "off" {
		if cfg.GRPCPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
			return Config{}, err
		}
	}

	cfg.ClinicName = config.String("CLINIC_NAME", "the clinic")
	tz := config.String("CLINIC_TIMEZONE", "America/New_York")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return Config{}, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	if cfg.Hours, err = loadHours(); err != nil {
		return Config{}, err
	}
	if cfg.Granularity, err = config.Duration("SLOT_GRANULARITY", availability.DefaultGranularity); err != nil {
		return Config{}, err
	}
	if cfg.MaxRangeDays, err = config.Int("AVAILABILITY_MAX_DAYS", availability.DefaultMaxRange); err != nil {
		return Config{}, err
	}
	if cfg.DefaultDuration, err = config.Duration("APPOINTMENT_DURATION", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.TypeDurations, err = ParseTypeDurations(config.String("APPOINTMENT_TYPE_DURATIONS", "")); err != nil {
		return Config{}, err
	}

	cfg.CalendarProvider = strings.ToLower(config.String("CALENDAR_PROVIDER", "google"))
	if cfg.CalendarProvider != "google" && cfg.CalendarProvider != "memory" {
		return Config{}, fmt.Errorf("CALENDAR_PROVIDER must be google or memory (got %q)", cfg.CalendarProvider)
	}
	cfg.CalendarID = config.String("GOOGLE_CALENDAR_ID", "primary")
	if cfg.CalendarTimeout, err = config.Duration("CALENDAR_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CalendarMaxAttempts, err = config.Int("CALENDAR_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}

	if cfg.CalendarProvider == "google" {
		if cfg.GoogleClientID, err = config.RequiredString("GOOGLE_CLIENT_ID"); err != nil {
			return Config{}, err
		}
		if cfg.GoogleClientSecret, err = config.RequiredString("GOOGLE_CLIENT_SECRET"); err != nil {
			return Config{}, err
		}
	}
	cfg.GoogleRedirectURL = config.String("GOOGLE_REDIRECT_URL", "http://localhost:"+cfg.Port+"/api/auth/google/callback")
	cfg.FrontendURL = strings.TrimRight(config.String("FRONTEND_URL", "http://localhost:3000"), "/")

	cfg.TokenStore = strings.ToLower(config.String("TOKEN_STORE", "file"))
	cfg.TokenFile = config.String("TOKEN_FILE", "data/google_token.json")
	cfg.TokenAccount = config.String("TOKEN_ACCOUNT", "default")
	cfg.TokenEncryptionKey = config.String("TOKEN_ENCRYPTION_KEY", "")
	switch cfg.TokenStore {
	case "file":
		cfg.DatabaseURL = config.String("DATABASE_URL", "")
	case "postgres":
		if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return Config{}, fmt.Errorf("TOKEN_STORE=postgres: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("TOKEN_STORE must be file or postgres (got %q)", cfg.TokenStore)
	}

	cfg.RedisURL = config.String("REDIS_URL", "")
	cfg.KafkaBrokers = config.String("KAFKA_BROKERS", "")

	cfg.RemindersEnabled = config.Bool("REMINDERS_ENABLED", true)
	if cfg.ReminderInterval, err = config.Duration("REMINDER_INTERVAL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReminderLeadTime, err = config.Duration("REMINDER_LEAD_TIME", 3*time.Hour); err != nil {
		return Config{}, err
	}

	cfg.SMSWebhookURL = config.String("SMS_WEBHOOK_URL", "")
	cfg.SMSWebhookToken = config.String("SMS_WEBHOOK_TOKEN", "")
	cfg.EmailProvider = strings.ToLower(config.String("EMAIL_PROVIDER", "none"))
	cfg.SMTPHost = config.String("SMTP_HOST", "localhost")
	cfg.SMTPPort = config.String("SMTP_PORT", "1025")
	cfg.EmailFrom = config.String("EMAIL_FROM", "")
	cfg.SendGridAPIKey = config.String("SENDGRID_API_KEY", "")
	switch cfg.EmailProvider {
	case "none", "smtp":
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return Config{}, fmt.Errorf("SENDGRID_API_KEY is required when EMAIL_PROVIDER=sendgrid")
		}
	default:
		return Config{}, fmt.Errorf("EMAIL_PROVIDER must be none, smtp or sendgrid (got %q)", cfg.EmailProvider)
	}

	cfg.JWTSecret = config.String("JWT_SECRET", "")
	cfg.JWKSURL = config.String("AUTH_JWKS_URL", "")
	cfg.CORSOrigins = config.List("CORS_ALLOWED_ORIGINS", "")
	if cfg.RateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	maxBody, err := config.Int("MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	return cfg, nil
}

func loadHours() (availability.BusinessHours, error) {
	if raw := config.String("BUSINESS_HOURS_JSON", ""); raw != "" {
		return availability.ParseBusinessHours([]byte(raw))
	}
	if path := config.String("BUSINESS_HOURS_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return availability.BusinessHours{}, fmt.Errorf("BUSINESS_HOURS_FILE: %w", err)
		}
		return availability.ParseBusinessHours(raw)
	}
	return availability.DefaultBusinessHours(), nil
}

// ParseTypeDurations reads "consultation=60m,cleaning=45". Bare numbers are
// minutes.
func ParseTypeDurations(raw string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" {
			return nil, fmt.Errorf("APPOINTMENT_TYPE_DURATIONS: malformed entry %q", part)
		}
		var d time.Duration
		if mins, err := strconv.Atoi(value); err == nil {
			d = time.Duration(mins) * time.Minute
		} else if d, err = time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("APPOINTMENT_TYPE_DURATIONS: bad duration for %s: %q", name, value)
		}
		if d <= 0 {
			return nil, fmt.Errorf("APPOINTMENT_TYPE_DURATIONS: duration for %s must be positive", name)
		}
		out[name] = d
	}
	return out, nil
}
