// Package events publishes appointment domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/callpilot/callpilot/libs/kafkax"
	otelx "github.com/callpilot/callpilot/libs/otel"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

const (
	TypeBooked       = "appointment.booked.v1"
	TypeConfirmed    = "appointment.confirmed.v1"
	TypeRescheduled  = "appointment.rescheduled.v1"
	TypeCanceled     = "appointment.canceled.v1"
	TypeNoShow       = "appointment.no_show.v1"
	TypeCompleted    = "appointment.completed.v1"
	TypeReminderSent = "appointment.reminder_sent.v1"
)

// ErrQueueFull is returned when the publisher cannot accept more events.
var ErrQueueFull = errors.New("event queue full")

// Publisher accepts events for delivery. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, eventType string, appt model.Appointment) error
}

// Payload is the JSON body of every appointment event. Patient contact
// details are left out on purpose.
type Payload struct {
	EventID       string       `json:"event_id"`
	EventType     string       `json:"event_type"`
	OccurredAt    time.Time    `json:"occurred_at"`
	AppointmentID string       `json:"appointment_id"`
	Type          string       `json:"type"`
	Status        model.Status `json:"status"`
	StartTime     time.Time    `json:"start_time"`
	EndTime       time.Time    `json:"end_time"`
	ReminderSent  bool         `json:"reminder_sent"`
}

type Noop struct{}

func (Noop) Publish(context.Context, string, model.Appointment) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type queued struct {
	payload     Payload
	traceparent string
	tracestate  string
}

type KafkaConfig struct {
	Brokers   string
	QueueSize int
	// WriteTimeout bounds a single write, including the final flush.
	WriteTimeout time.Duration
}

// KafkaPublisher queues events in memory and writes them from Run. The event
// type is the topic and the appointment id is the key, so one appointment's
// events stay ordered.
type KafkaPublisher struct {
	writer  messageWriter
	queue   chan queued
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(cfg.Brokers)...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg, logger)
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer:  w,
		queue:   make(chan queued, cfg.QueueSize),
		logger:  logger,
		timeout: cfg.WriteTimeout,
		now:     time.Now,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, appt model.Appointment) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	item := queued{
		payload: Payload{
			EventID:       uuid.NewString(),
			EventType:     eventType,
			OccurredAt:    p.now().UTC(),
			AppointmentID: appt.ID,
			Type:          appt.Type,
			Status:        appt.Status,
			StartTime:     appt.StartTime,
			EndTime:       appt.EndTime,
			ReminderSent:  appt.ReminderSent,
		},
		traceparent: traceparent,
		tracestate:  tracestate,
	}
	select {
	case p.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run writes queued events until ctx is done, then flushes what is left and
// closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("kafka writer close failed", "err", err)
		}
	}()
	for {
		select {
		case item := <-p.queue:
			p.write(ctx, item)
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *KafkaPublisher) flush() {
	ctx := context.Background()
	for {
		select {
		case item := <-p.queue:
			p.write(ctx, item)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, item queued) {
	body, err := json.Marshal(item.payload)
	if err != nil {
		p.logger.Error("event encode failed", "event_type", item.payload.EventType, "err", err)
		return
	}
	msg := kafka.Message{
		Topic: item.payload.EventType,
		Key:   []byte(item.payload.AppointmentID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(item.payload.EventID)},
			{Key: "event_type", Value: []byte(item.payload.EventType)},
		},
	}
	msgCtx := otelx.ContextWithTraceContext(context.WithoutCancel(ctx), item.traceparent, item.tracestate)
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)

	wctx, cancel := context.WithTimeout(msgCtx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(wctx, msg); err != nil {
		p.logger.Warn("event publish failed", "event_type", item.payload.EventType,
			"appointment_id", item.payload.AppointmentID, "err", err)
	}
}
