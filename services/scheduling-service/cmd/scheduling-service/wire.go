package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/callpilot/callpilot/libs/db"
	"github.com/callpilot/callpilot/libs/kafkax"
	"github.com/callpilot/callpilot/libs/runtime"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/appconfig"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/booking"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/events"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/handlers"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/lifecycle"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/locks"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/notify"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/reminders"
)

const (
	lockTTL     = 30 * time.Second
	lockPrefix  = "callpilot:lock"
	statePrefix = "callpilot:oauth"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      appconfig.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	rdb  *redis.Client
	pool *db.Pool

	gateway calendar.Gateway
	owner   handlers.CalendarOwner
	// tokens is nil for calendars that need no OAuth connection.
	tokens *calendar.TokenManager

	availability *availability.Engine
	booking      *booking.Service
	lifecycle    *lifecycle.Manager
	publisher    *events.KafkaPublisher
	worker       *reminders.Worker

	closers []func()
}

func build(ctx context.Context, cfg appconfig.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
	}
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
	}

	if err := a.buildCalendar(ctx); err != nil {
		a.close()
		return nil, err
	}

	var (
		locker      locks.Locker = locks.NewLocalLocker()
		redisLocker *locks.RedisLocker
	)
	if a.rdb != nil {
		redisLocker = locks.NewRedisLocker(a.rdb, lockPrefix, lockTTL, 0, logger)
		locker = locks.Chain{locker, redisLocker}
	}

	var pub events.Publisher = events.Noop{}
	if cfg.KafkaBrokers != "" {
		a.publisher = events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers}, logger)
		pub = a.publisher
	}

	a.availability = availability.NewEngine(a.gateway, availability.Config{
		Hours:        cfg.Hours,
		Location:     cfg.Location,
		Granularity:  cfg.Granularity,
		MaxRangeDays: cfg.MaxRangeDays,
	}, logger, a.metrics)
	a.booking = booking.New(a.gateway, a.availability, locker, pub, booking.Config{
		DefaultDuration: cfg.DefaultDuration,
		TypeDurations:   cfg.TypeDurations,
	}, logger, a.metrics)
	a.lifecycle = lifecycle.New(a.gateway, a.availability, locker, pub, lifecycle.Config{
		Location: cfg.Location,
	}, logger, a.metrics)

	var lease reminders.Lease
	if redisLocker != nil {
		lease = redisLocker
	}
	a.worker = reminders.NewWorker(a.gateway, a.lifecycle, a.notifier(), lease, logger, a.metrics, reminders.WorkerConfig{
		Interval: cfg.ReminderInterval,
		LeadTime: cfg.ReminderLeadTime,
	})
	return a, nil
}

func (a *app) buildCalendar(ctx context.Context) error {
	cfg := a.cfg
	if cfg.CalendarProvider == "memory" {
		a.logger.Warn("using in-memory calendar; appointments are lost on restart")
		gw := calendar.NewMemoryGateway()
		a.gateway, a.owner = gw, gw
		return nil
	}

	var (
		store calendar.TokenStore
		err   error
	)
	switch cfg.TokenStore {
	case "postgres":
		store, err = calendar.NewPostgresTokenStore(a.pool, cfg.TokenAccount, cfg.TokenEncryptionKey)
	default:
		store, err = calendar.NewFileTokenStore(cfg.TokenFile, cfg.TokenEncryptionKey)
	}
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	if cfg.TokenEncryptionKey == "" {
		a.logger.Warn("TOKEN_ENCRYPTION_KEY not set; calendar token stored in plain text")
	}

	var states calendar.StateStore = calendar.NewMemoryStateStore()
	if a.rdb != nil {
		states = calendar.NewRedisStateStore(a.rdb, statePrefix)
	}
	a.tokens = calendar.NewTokenManager(calendar.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}, store, states, a.logger, a.metrics)

	gw, err := calendar.NewGoogleGateway(ctx, a.tokens, calendar.GoogleConfig{
		CalendarID:  cfg.CalendarID,
		TimeZone:    cfg.Location.String(),
		CallTimeout: cfg.CalendarTimeout,
		MaxAttempts: uint(cfg.CalendarMaxAttempts),
	}, a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("google calendar client: %w", err)
	}
	a.gateway, a.owner = gw, gw
	return nil
}

func (a *app) notifier() *notify.Notifier {
	cfg := a.cfg
	n := &notify.Notifier{
		ClinicName: cfg.ClinicName,
		Location:   cfg.Location,
		Logger:     a.logger,
	}
	if cfg.SMSWebhookURL != "" {
		n.SMS = notify.NewWebhookSender(cfg.SMSWebhookURL, cfg.SMSWebhookToken)
	} else {
		a.logger.Warn("SMS_WEBHOOK_URL not set; sms reminders are not delivered")
		n.SMS = notify.NoopSMSSender{}
	}
	switch cfg.EmailProvider {
	case "smtp":
		n.Email = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.EmailFrom)
	case "sendgrid":
		if sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.ClinicName,
		}); sg != nil {
			n.Email = sg
		}
	}
	return n
}

func (a *app) readyChecks() []runtime.ReadyCheck {
	var checks []runtime.ReadyCheck
	if a.tokens != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "calendar", Check: a.tokens.ReadyCheck})
	}
	if a.rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
	}
	if a.cfg.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(a.cfg.KafkaBrokers)})
	}
	if a.pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(a.pool)})
	}
	return checks
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
